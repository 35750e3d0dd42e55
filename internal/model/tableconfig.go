package model

import "github.com/omophub/harmonizer/internal/keygen"

// TableConfig is the unit of dedup work emitted by the discovery step. It is
// serializable because discovery output must be threaded as DeduplicateTable
// input across separate invocations. Each instance is independent and safe
// to process in parallel.
type TableConfig struct {
	Site         string `json:"site"`
	DeliveryDate string `json:"delivery_date"`
	TableName    string `json:"table_name"`
	Bucket       string `json:"bucket"`
	ETLFolder    string `json:"etl_folder"`
	FilePath     string `json:"file_path"`
	CDMVersion   string `json:"cdm_version"`
	ProjectID    string `json:"project_id"`
	DatasetID    string `json:"dataset_id"`
}

// Identity is a deterministic identifier for the work unit, stable across
// discovery reruns, used to correlate dedup invocations in logs.
func (c TableConfig) Identity() int64 {
	return keygen.Sum(c.Site, c.DeliveryDate, c.Bucket, c.TableName)
}
