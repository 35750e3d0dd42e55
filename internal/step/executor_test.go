package step

import (
	"context"
	"fmt"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
	"github.com/omophub/harmonizer/internal/route"
	"github.com/omophub/harmonizer/internal/vocab"
)

const (
	testDate    = "2026-07-01"
	testVersion = "v1"
)

// seedVocabulary writes a vocabulary snapshot with one source-to-standard
// mapping into the Measurement domain and one Meas Value mapping.
func seedVocabulary(ctx context.Context, t *testing.T, conn *duckdb.Conn, store objectstore.Store) *vocab.Index {
	t.Helper()
	require.NoError(t, store.EnsureDir(testVersion))

	require.NoError(t, conn.Exec(ctx, fmt.Sprintf(`
		COPY (
			SELECT * FROM (VALUES
				(CAST(1001 AS BIGINT), 'Condition', CAST(NULL AS VARCHAR)),
				(CAST(2001 AS BIGINT), 'Measurement', 'S'),
				(CAST(3001 AS BIGINT), 'Condition', CAST(NULL AS VARCHAR)),
				(CAST(9001 AS BIGINT), 'Meas Value', 'S'),
				(CAST(200 AS BIGINT), 'Condition', 'S')
			) AS t(concept_id, domain_id, standard_concept)
		) TO '%s' (FORMAT 'parquet')`,
		store.URI(layout.VocabConceptFile(testVersion)))))

	require.NoError(t, conn.Exec(ctx, fmt.Sprintf(`
		COPY (
			SELECT * FROM (VALUES
				(CAST(1001 AS BIGINT), CAST(2001 AS BIGINT), 'Maps to'),
				(CAST(3001 AS BIGINT), CAST(9001 AS BIGINT), 'Maps to value')
			) AS t(concept_id_1, concept_id_2, relationship_id)
		) TO '%s' (FORMAT 'parquet')`,
		store.URI(layout.VocabRelationshipFile(testVersion)))))

	mgr, err := vocab.New(config.New(), logger.NOP, stats.NOP, conn, store)
	require.NoError(t, err)
	idx, err := mgr.Ensure(ctx, testVersion)
	require.NoError(t, err)
	return idx
}

// seedConditions writes three condition_occurrence rows: one remappable
// into Measurement, one already standard, one with a Meas Value mapping.
func seedConditions(ctx context.Context, t *testing.T, conn *duckdb.Conn, store objectstore.Store) {
	t.Helper()
	require.NoError(t, store.EnsureDir(path.Dir(layout.ConvertedFile(testDate, "condition_occurrence"))))

	require.NoError(t, conn.Exec(ctx, fmt.Sprintf(`
		COPY (
			SELECT * FROM (VALUES
				(CAST(1 AS BIGINT), CAST(101 AS BIGINT), CAST(100 AS BIGINT), DATE '2020-01-05',
					CAST(NULL AS TIMESTAMP), CAST(NULL AS DATE), CAST(NULL AS TIMESTAMP),
					CAST(32817 AS BIGINT), CAST(NULL AS BIGINT), CAST(NULL AS VARCHAR),
					CAST(NULL AS BIGINT), CAST(7001 AS BIGINT), CAST(NULL AS BIGINT),
					'src-1', CAST(1001 AS BIGINT), CAST(NULL AS VARCHAR)),
				(CAST(2 AS BIGINT), CAST(102 AS BIGINT), CAST(200 AS BIGINT), DATE '2020-02-06',
					CAST(NULL AS TIMESTAMP), CAST(NULL AS DATE), CAST(NULL AS TIMESTAMP),
					CAST(32817 AS BIGINT), CAST(NULL AS BIGINT), CAST(NULL AS VARCHAR),
					CAST(NULL AS BIGINT), CAST(7002 AS BIGINT), CAST(NULL AS BIGINT),
					'src-2', CAST(0 AS BIGINT), CAST(NULL AS VARCHAR)),
				(CAST(3 AS BIGINT), CAST(103 AS BIGINT), CAST(300 AS BIGINT), DATE '2020-03-07',
					CAST(NULL AS TIMESTAMP), CAST(NULL AS DATE), CAST(NULL AS TIMESTAMP),
					CAST(32817 AS BIGINT), CAST(NULL AS BIGINT), CAST(NULL AS VARCHAR),
					CAST(NULL AS BIGINT), CAST(7003 AS BIGINT), CAST(NULL AS BIGINT),
					'src-3', CAST(3001 AS BIGINT), CAST(NULL AS VARCHAR))
			) AS t(condition_occurrence_id, person_id, condition_concept_id, condition_start_date,
				condition_start_datetime, condition_end_date, condition_end_datetime,
				condition_type_concept_id, condition_status_concept_id, stop_reason,
				provider_id, visit_occurrence_id, visit_detail_id,
				condition_source_value, condition_source_concept_id, condition_status_source_value)
		) TO '%s' (FORMAT 'parquet')`,
		store.URI(layout.ConvertedFile(testDate, "condition_occurrence")))))
}

func TestExecutorPipeline(t *testing.T) {
	ctx := context.Background()
	conf := config.New()
	root := t.TempDir()

	conn, err := duckdb.New(conf, logger.NOP)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	deliveries := objectstore.NewLocal(root, "deliveries")
	vocabStore := objectstore.NewLocal(root, "vocab")
	idx := seedVocabulary(ctx, t, conn, vocabStore)
	seedConditions(ctx, t, conn, deliveries)

	routes, err := route.New()
	require.NoError(t, err)
	executor := New(conf, logger.NOP, stats.NOP, conn, routes)

	job := &model.Job{
		ID:           "job-1",
		FilePath:     layout.ConvertedFile(testDate, "condition_occurrence"),
		Bucket:       "deliveries",
		DeliveryDate: testDate,
		Site:         "site-a",
		VocabVersion: testVersion,
		Steps:        model.PerFileSteps(),
	}

	for _, kind := range model.PerFileSteps() {
		require.NoError(t, executor.Execute(ctx, deliveries, job, idx, kind), "step %s", kind)
	}

	domainChecked := deliveries.URI(layout.StepFile(testDate, "condition_occurrence", string(model.StepDomainCheck)))

	t.Run("no record lost", func(t *testing.T) {
		count, err := conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT COUNT(*) FROM read_parquet('%s')", domainChecked))
		require.NoError(t, err)
		require.EqualValues(t, 3, count)
	})

	t.Run("statuses", func(t *testing.T) {
		statuses, err := conn.QueryStrings(ctx, fmt.Sprintf(
			"SELECT vocab_harmonization_status FROM read_parquet('%s') ORDER BY condition_occurrence_id", domainChecked))
		require.NoError(t, err)
		require.Equal(t, []string{
			model.StatusSourceTargetMapped,
			model.StatusDomainCheck,
			model.StatusMeasValuePivot,
		}, statuses)
	})

	t.Run("remapped concept and routing", func(t *testing.T) {
		concepts, err := conn.QueryStrings(ctx, fmt.Sprintf(
			"SELECT CAST(condition_concept_id AS VARCHAR) FROM read_parquet('%s') ORDER BY condition_occurrence_id", domainChecked))
		require.NoError(t, err)
		require.Equal(t, []string{"2001", "200", "300"}, concepts)

		targets, err := conn.QueryStrings(ctx, fmt.Sprintf(
			"SELECT target_table FROM read_parquet('%s') ORDER BY condition_occurrence_id", domainChecked))
		require.NoError(t, err)
		require.Equal(t, []string{"measurement", "condition_occurrence", "condition_occurrence"}, targets)
	})

	t.Run("meas value pivot", func(t *testing.T) {
		value, err := conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT value_as_concept_id FROM read_parquet('%s') WHERE condition_occurrence_id = 3", domainChecked))
		require.NoError(t, err)
		require.EqualValues(t, 9001, value)
	})

	t.Run("destination parts", func(t *testing.T) {
		conditionPart := deliveries.URI(layout.PartFile(testDate, "condition_occurrence", "condition_occurrence"))
		count, err := conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT COUNT(*) FROM read_parquet('%s')", conditionPart))
		require.NoError(t, err)
		require.EqualValues(t, 2, count)

		measurementPart := deliveries.URI(layout.PartFile(testDate, "condition_occurrence", "measurement"))
		count, err = conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT COUNT(*) FROM read_parquet('%s')", measurementPart))
		require.NoError(t, err)
		require.EqualValues(t, 1, count)

		concept, err := conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT measurement_concept_id FROM read_parquet('%s')", measurementPart))
		require.NoError(t, err)
		require.EqualValues(t, 2001, concept)

		person, err := conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT person_id FROM read_parquet('%s')", measurementPart))
		require.NoError(t, err)
		require.EqualValues(t, 101, person)
	})

	t.Run("surrogate keys are stable across reruns", func(t *testing.T) {
		measurementPart := deliveries.URI(layout.PartFile(testDate, "condition_occurrence", "measurement"))
		first, err := conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT measurement_id FROM read_parquet('%s')", measurementPart))
		require.NoError(t, err)
		require.Positive(t, first)

		require.NoError(t, executor.Execute(ctx, deliveries, job, idx, model.StepDomainETL))

		second, err := conn.QueryCount(ctx, fmt.Sprintf(
			"SELECT measurement_id FROM read_parquet('%s')", measurementPart))
		require.NoError(t, err)
		require.Equal(t, first, second)
	})
}

func TestExecutorStepOrder(t *testing.T) {
	ctx := context.Background()
	conf := config.New()
	root := t.TempDir()

	conn, err := duckdb.New(conf, logger.NOP)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	deliveries := objectstore.NewLocal(root, "deliveries")
	vocabStore := objectstore.NewLocal(root, "vocab")
	idx := seedVocabulary(ctx, t, conn, vocabStore)
	seedConditions(ctx, t, conn, deliveries)

	routes, err := route.New()
	require.NoError(t, err)
	executor := New(conf, logger.NOP, stats.NOP, conn, routes)

	job := &model.Job{
		ID:           "job-2",
		FilePath:     layout.ConvertedFile(testDate, "condition_occurrence"),
		Bucket:       "deliveries",
		DeliveryDate: testDate,
		Site:         "site-a",
		VocabVersion: testVersion,
		Steps:        model.PerFileSteps(),
	}

	// A later step without its predecessor's output is rejected.
	err = executor.Execute(ctx, deliveries, job, idx, model.StepDomainCheck)
	require.ErrorIs(t, err, model.ErrStepOutOfOrder)

	// An unknown source table has no routes.
	badJob := &model.Job{
		ID:           "job-3",
		FilePath:     layout.ConvertedFile(testDate, "death"),
		DeliveryDate: testDate,
		Site:         "site-a",
	}
	err = executor.Execute(ctx, deliveries, badJob, idx, model.StepSourceTargetRemap)
	require.ErrorIs(t, err, model.ErrNoRouteFound)
}
