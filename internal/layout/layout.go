// Package layout encodes the path-naming convention shared with the rest of
// the delivery pipeline: source files under a delivery root, per-file
// harmonization outputs under a harmonized-records area, and per-table
// consolidated outputs under an ETL output area. All keys are relative to a
// delivery bucket.
package layout

import (
	"fmt"
	"path"
	"strings"
)

const (
	artifactsDir  = "artifacts"
	convertedDir  = artifactsDir + "/converted_files"
	harmonizedDir = artifactsDir + "/harmonized_files"
	etlOutputDir  = artifactsDir + "/etl_output"
	jobStatusDir  = harmonizedDir + "/job_status"

	parquetExt = ".parquet"
)

// ConvertedFile is the normalized source file for a table, the input of the
// first harmonization step.
func ConvertedFile(deliveryDate, table string) string {
	return path.Join(deliveryDate, convertedDir, table+parquetExt)
}

// HarmonizedDir holds every intermediate output of one source file.
func HarmonizedDir(deliveryDate, sourceTable string) string {
	return path.Join(deliveryDate, harmonizedDir, sourceTable)
}

// StepFile is the whole-dataset output of one per-file remapping step.
func StepFile(deliveryDate, sourceTable, step string) string {
	return path.Join(HarmonizedDir(deliveryDate, sourceTable), step+parquetExt)
}

// PartsDir holds the per-destination-table partitions written by the domain
// ETL for one source file.
func PartsDir(deliveryDate, sourceTable string) string {
	return path.Join(HarmonizedDir(deliveryDate, sourceTable), "parts")
}

// PartFile is one (source file, destination table) partition.
func PartFile(deliveryDate, sourceTable, targetTable string) string {
	return path.Join(PartsDir(deliveryDate, sourceTable), targetTable+parquetExt)
}

// ETLRoot holds the consolidated, then deduplicated, per-table outputs for a
// delivery, one subdirectory per destination table.
func ETLRoot(deliveryDate string) string {
	return path.Join(deliveryDate, etlOutputDir)
}

func ETLTableDir(deliveryDate, table string) string {
	return path.Join(ETLRoot(deliveryDate), table)
}

func ETLTableFile(deliveryDate, table string) string {
	return path.Join(ETLTableDir(deliveryDate, table), table+parquetExt)
}

// JobStatusDir holds the durable state documents of a delivery's jobs.
func JobStatusDir(deliveryDate string) string {
	return path.Join(deliveryDate, jobStatusDir)
}

// JobStatusFile is the durable state document of one harmonization job.
func JobStatusFile(deliveryDate, jobID string) string {
	return path.Join(JobStatusDir(deliveryDate), jobID+".json")
}

// VocabConceptFile, VocabRelationshipFile and OptimizedVocabFile address the
// vocabulary snapshot for one version inside the vocabulary bucket.
func VocabConceptFile(version string) string {
	return path.Join(version, "concept"+parquetExt)
}

func VocabRelationshipFile(version string) string {
	return path.Join(version, "concept_relationship"+parquetExt)
}

func OptimizedVocabFile(version string) string {
	return path.Join(version, "optimized_vocab"+parquetExt)
}

// TableFromPath extracts the clinical table name from a delivery file path,
// e.g. ".../converted_files/condition_occurrence.parquet".
func TableFromPath(p string) string {
	base := path.Base(p)
	return strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
}

// ParseDeliveryPath splits a full file reference of the form
// "gs://<bucket>/<delivery_date>/..." or "<bucket>/<delivery_date>/..." into
// its bucket and delivery date.
func ParseDeliveryPath(p string) (bucket, deliveryDate string, err error) {
	trimmed := strings.TrimPrefix(p, "gs://")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("file path %q is not of the form <bucket>/<delivery_date>/<artifact path>", p)
	}
	return parts[0], parts[1], nil
}
