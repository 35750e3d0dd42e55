package step

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/omophub/harmonizer/internal/keygen"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/route"
)

const copyFormat = "(FORMAT 'parquet', COMPRESSION 'zstd')"

// promotionRelationships qualify a source-to-target mapping for promotion
// into the record's main concept column. "Maps to unit" stays in the index
// for reporting but never promotes.
const promotionRelationships = "'Maps to', 'Maps to value'"

// sourceTargetSQL builds the whole-dataset replacement for the first
// remapping step. Records with a qualifying source-to-standard mapping get
// their concept column replaced; records whose mapping lands in the "Meas
// Value" pseudo-domain keep their concept and receive the mapped value as
// value_as_concept_id instead; everything else passes through tagged
// unchanged. One output row per input row.
func sourceTargetSQL(meta route.TableMeta, inURI, vocabURI, outURI string) string {
	if meta.SourceConceptColumn == "" {
		return passthroughSQL(meta, inURI, outURI)
	}

	hasValueColumn := lo.Contains(meta.Columns, model.ColValueAsConcept)

	var finalSelect string
	if hasValueColumn {
		finalSelect = fmt.Sprintf(`SELECT u.* REPLACE (
				COALESCE(mv.value_as_concept_id, u.value_as_concept_id) AS value_as_concept_id,
				%s AS vocab_harmonization_status
			)`, pivotStatusExpr())
	} else {
		finalSelect = fmt.Sprintf(`SELECT u.* REPLACE (
				%s AS vocab_harmonization_status
			),
			mv.value_as_concept_id AS value_as_concept_id`, pivotStatusExpr())
	}

	return fmt.Sprintf(`
		COPY (
			WITH base AS (
				SELECT tbl.* REPLACE (vocab.target_concept_id AS %[4]s),
					tbl.%[5]s AS source_concept_id,
					tbl.%[4]s AS previous_target_concept_id,
					vocab.target_concept_id AS target_concept_id,
					vocab.target_concept_id_domain AS target_domain,
					CAST(NULL AS VARCHAR) AS target_table,
					'%[7]s' AS vocab_harmonization_status
				FROM read_parquet('%[1]s') AS tbl
				INNER JOIN read_parquet('%[2]s') AS vocab
					ON tbl.%[5]s = vocab.concept_id
				WHERE tbl.%[5]s != 0
					AND tbl.%[4]s != vocab.target_concept_id
					AND vocab.relationship_id IN (%[9]s)
					AND vocab.target_concept_id_standard = 'S'
					AND vocab.target_concept_id_domain != 'Meas Value'
				QUALIFY ROW_NUMBER() OVER (PARTITION BY tbl.%[6]s ORDER BY vocab.target_concept_id DESC) = 1
			), meas_value AS (
				SELECT tbl.%[6]s AS pivot_key,
					MAX(vocab.target_concept_id) AS value_as_concept_id
				FROM read_parquet('%[1]s') AS tbl
				INNER JOIN read_parquet('%[2]s') AS vocab
					ON tbl.%[5]s = vocab.concept_id
				WHERE tbl.%[5]s != 0
					AND vocab.relationship_id IN (%[9]s)
					AND vocab.target_concept_id_standard = 'S'
					AND vocab.target_concept_id_domain = 'Meas Value'
				GROUP BY tbl.%[6]s
			), passthrough AS (
				SELECT tbl.*,
					tbl.%[5]s AS source_concept_id,
					tbl.%[4]s AS previous_target_concept_id,
					tbl.%[4]s AS target_concept_id,
					CAST(NULL AS VARCHAR) AS target_domain,
					CAST(NULL AS VARCHAR) AS target_table,
					'%[8]s' AS vocab_harmonization_status
				FROM read_parquet('%[1]s') AS tbl
				WHERE tbl.%[6]s NOT IN (SELECT %[6]s FROM base)
			), unioned AS (
				SELECT * FROM base
				UNION ALL
				SELECT * FROM passthrough
			)
			%[10]s
			FROM unioned AS u
			LEFT JOIN meas_value AS mv
				ON u.%[6]s = mv.pivot_key
		) TO '%[3]s' %[11]s`,
		inURI, vocabURI, outURI,
		meta.ConceptColumn, meta.SourceConceptColumn, meta.PrimaryKey,
		model.StatusSourceTargetMapped, model.StatusNoChange,
		promotionRelationships, finalSelect, copyFormat,
	)
}

func pivotStatusExpr() string {
	return fmt.Sprintf(
		`CASE WHEN mv.value_as_concept_id IS NOT NULL AND u.vocab_harmonization_status = '%s'
				THEN '%s' ELSE u.vocab_harmonization_status END`,
		model.StatusNoChange, model.StatusMeasValuePivot,
	)
}

// passthroughSQL tags a table that has no source concept column (specimen,
// note); such records cannot be source-remapped but still flow through the
// later steps.
func passthroughSQL(meta route.TableMeta, inURI, outURI string) string {
	valueColumn := ""
	if !lo.Contains(meta.Columns, model.ColValueAsConcept) {
		valueColumn = ",\n\t\t\t\tCAST(NULL AS BIGINT) AS value_as_concept_id"
	}
	return fmt.Sprintf(`
		COPY (
			SELECT tbl.*,
				CAST(0 AS BIGINT) AS source_concept_id,
				tbl.%[3]s AS previous_target_concept_id,
				tbl.%[3]s AS target_concept_id,
				CAST(NULL AS VARCHAR) AS target_domain,
				CAST(NULL AS VARCHAR) AS target_table,
				'%[4]s' AS vocab_harmonization_status%[5]s
			FROM read_parquet('%[1]s') AS tbl
		) TO '%[2]s' %[6]s`,
		inURI, outURI, meta.ConceptColumn, model.StatusNoChange, valueColumn, copyFormat,
	)
}

// targetRemapSQL re-resolves targets that are themselves non-standard via
// "Maps to" to a standard concept. Ties across multiple mappings break on
// the maximum target id, mirroring the pivot tie-break.
func targetRemapSQL(meta route.TableMeta, inURI, vocabURI, outURI string) string {
	return remapSQL(meta, inURI, outURI, fmt.Sprintf(`
			SELECT concept_id, MAX(target_concept_id) AS new_target_concept_id
			FROM read_parquet('%s')
			WHERE relationship_id = 'Maps to'
				AND COALESCE(concept_id_standard, '') != 'S'
				AND target_concept_id_standard = 'S'
				AND target_concept_id != concept_id
			GROUP BY concept_id`, vocabURI),
		model.StatusTargetRemapped,
	)
}

// targetReplacementSQL resolves deprecated concepts via "Concept replaced
// by" to their replacement.
func targetReplacementSQL(meta route.TableMeta, inURI, vocabURI, outURI string) string {
	return remapSQL(meta, inURI, outURI, fmt.Sprintf(`
			SELECT concept_id, MAX(target_concept_id) AS new_target_concept_id
			FROM read_parquet('%s')
			WHERE relationship_id = 'Concept replaced by'
				AND target_concept_id IS NOT NULL
				AND target_concept_id != concept_id
			GROUP BY concept_id`, vocabURI),
		model.StatusTargetReplaced,
	)
}

func remapSQL(meta route.TableMeta, inURI, outURI, remapQuery, status string) string {
	return fmt.Sprintf(`
		COPY (
			WITH remap AS (%[3]s
			)
			SELECT tbl.* REPLACE (
				COALESCE(r.new_target_concept_id, tbl.%[4]s) AS %[4]s,
				CASE WHEN r.new_target_concept_id IS NOT NULL
					THEN tbl.%[4]s ELSE tbl.previous_target_concept_id END AS previous_target_concept_id,
				COALESCE(r.new_target_concept_id, tbl.target_concept_id) AS target_concept_id,
				CASE WHEN r.new_target_concept_id IS NOT NULL
					THEN '%[5]s' ELSE tbl.vocab_harmonization_status END AS vocab_harmonization_status
			)
			FROM read_parquet('%[1]s') AS tbl
			LEFT JOIN remap AS r
				ON tbl.%[4]s = r.concept_id
		) TO '%[2]s' %[6]s`,
		inURI, outURI, remapQuery, meta.ConceptColumn, status, copyFormat,
	)
}

// domainCheckSQL stamps the current target concept's domain. Unmatched
// concepts fall back to the Unknown domain and route to the originating
// table; no record is ever dropped here.
func domainCheckSQL(meta route.TableMeta, inURI, vocabURI, outURI string) string {
	return fmt.Sprintf(`
		COPY (
			WITH domains AS (
				SELECT DISTINCT concept_id, concept_id_domain
				FROM read_parquet('%[2]s')
			)
			SELECT tbl.* REPLACE (
				COALESCE(d.concept_id_domain, '%[5]s') AS target_domain,
				%[4]s AS target_table,
				CASE WHEN tbl.vocab_harmonization_status = '%[6]s'
					THEN '%[7]s' ELSE tbl.vocab_harmonization_status END AS vocab_harmonization_status
			)
			FROM read_parquet('%[1]s') AS tbl
			LEFT JOIN domains AS d
				ON tbl.%[8]s = d.concept_id
		) TO '%[3]s' %[9]s`,
		inURI, vocabURI, outURI,
		targetTableExpr(meta.Name), model.UnknownDomain,
		model.StatusNoChange, model.StatusDomainCheck,
		meta.ConceptColumn, copyFormat,
	)
}

// targetTableExpr maps the resolved domain to its owning table, with the
// originating table as the fallback for Unknown and unrouted domains.
func targetTableExpr(sourceTable string) string {
	domains := lo.Keys(model.DomainTable)
	sort.Strings(domains)

	var b strings.Builder
	b.WriteString("CASE COALESCE(d.concept_id_domain, '" + model.UnknownDomain + "')")
	for _, domain := range domains {
		fmt.Fprintf(&b, "\n\t\t\t\t\tWHEN '%s' THEN '%s'", domain, model.DomainTable[domain])
	}
	fmt.Fprintf(&b, "\n\t\t\t\tELSE '%s' END", sourceTable)
	return b.String()
}

// etlSQL projects one destination-table partition of a tagged dataset into
// the destination schema. Required columns coalesce onto typed placeholder
// defaults; surrogate keys hash the destination's business columns plus the
// site identifier.
func etlSQL(tr route.Transform, site, inURI, outURI string) string {
	exprs := make([]string, 0, len(tr.Mappings))
	for _, m := range tr.Mappings {
		exprs = append(exprs, columnExpr(tr, m, site))
	}

	return fmt.Sprintf(`
		COPY (
			SELECT
				%s
			FROM read_parquet('%s')
			WHERE target_table = '%s'
		) TO '%s' %s`,
		strings.Join(exprs, ",\n\t\t\t\t"),
		inURI, tr.TargetTable, outURI, copyFormat,
	)
}

func columnExpr(tr route.Transform, m route.ColumnMapping, site string) string {
	expr := m.Expr
	if expr == "" {
		expr = "NULL"
	}

	if tr.SurrogateKey && m.Target == tr.Mappings[0].Target && m.Expr == "" {
		return surrogateKeyExpr(tr, site) + " AS " + m.Target
	}

	if m.Required {
		return fmt.Sprintf("CAST(COALESCE(%s, %s) AS %s) AS %s", expr, route.DefaultFor(m), m.Type, m.Target)
	}
	return fmt.Sprintf("TRY_CAST(%s AS %s) AS %s", expr, m.Type, m.Target)
}

// surrogateKeyExpr derives the destination primary key from the ordered
// business-column list plus the site, so the same logical row always gets
// the same key across reruns.
func surrogateKeyExpr(tr route.Transform, site string) string {
	hashExprs := lo.Map(tr.HashExprs, func(e string, _ int) string {
		if e == "" {
			return "NULL"
		}
		return e
	})
	hashExprs = append(hashExprs, "'"+site+"'")
	return keygen.Expr(hashExprs...)
}
