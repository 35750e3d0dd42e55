package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/omophub/harmonizer/internal/duckdb"
	"github.com/omophub/harmonizer/internal/jobs"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
)

func newTestEngine(t *testing.T) (*Engine, objectstore.Factory) {
	t.Helper()
	conf := config.New()
	conf.Set("Harmonizer.Storage.backend", "local")

	conn, err := duckdb.New(conf, logger.NOP)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	stores := objectstore.NewLocalFactory(t.TempDir())
	eng, err := New(conf, logger.NOP, stats.NOP, conn, stores)
	require.NoError(t, err)
	return eng, stores
}

func TestExecuteStepArguments(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	t.Run("unknown step", func(t *testing.T) {
		_, err := eng.ExecuteStep(ctx, Request{Step: "compact"})
		require.Error(t, err)
	})

	t.Run("per-file step without file path", func(t *testing.T) {
		_, err := eng.ExecuteStep(ctx, Request{Step: model.StepSourceTargetRemap})
		require.ErrorIs(t, err, model.ErrMissingRequiredField)
	})

	t.Run("site step without delivery", func(t *testing.T) {
		_, err := eng.ExecuteStep(ctx, Request{Step: model.StepConsolidate})
		require.ErrorIs(t, err, model.ErrMissingRequiredField)
	})

	t.Run("dedup step without table config", func(t *testing.T) {
		_, err := eng.ExecuteStep(ctx, Request{Step: model.StepDeduplicateTable})
		require.ErrorIs(t, err, model.ErrMissingRequiredField)
	})
}

func TestLaterStepNeedsJobID(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	result, err := eng.ExecuteStep(ctx, Request{
		Step:     model.StepTargetRemap,
		FilePath: "gs://deliveries/2026-07-01/artifacts/converted_files/measurement.parquet",
	})
	require.NoError(t, err)
	require.Equal(t, model.StepErrored, result.Kind)
	require.Equal(t, "job_not_found", result.ErrorKind)
}

func TestResumeUnknownJob(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	result, err := eng.ExecuteStep(ctx, Request{
		Step:     model.StepTargetRemap,
		FilePath: "gs://deliveries/2026-07-01/artifacts/converted_files/measurement.parquet",
		JobID:    "missing",
	})
	require.NoError(t, err)
	require.Equal(t, model.StepErrored, result.Kind)
	require.Equal(t, "job_not_found", result.ErrorKind)
}

func TestConsolidateGatedOnJobs(t *testing.T) {
	ctx := context.Background()
	eng, stores := newTestEngine(t)

	// A delivery with a job that has not completed cannot consolidate.
	store, err := stores("deliveries")
	require.NoError(t, err)
	mgr := jobs.NewManager(jobs.NewStatusStore(store), logger.NOP)
	job, err := jobs.NewJob(
		"gs://deliveries/2026-07-01/artifacts/converted_files/measurement.parquet",
		"site-a", "v1", "5.4", "", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, job))

	result, err := eng.ExecuteStep(ctx, Request{
		Step:         model.StepConsolidate,
		Bucket:       "deliveries",
		DeliveryDate: "2026-07-01",
	})
	require.NoError(t, err)
	require.Equal(t, model.StepErrored, result.Kind)
	require.Equal(t, "step_out_of_order", result.ErrorKind)
}

func TestDiscoverWithoutConsolidation(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	result, err := eng.ExecuteStep(ctx, Request{
		Step:         model.StepDiscoverDedupTargets,
		Bucket:       "deliveries",
		DeliveryDate: "2026-07-01",
		Site:         "site-a",
	})
	require.NoError(t, err)
	require.Equal(t, model.StepErrored, result.Kind)
	require.Equal(t, "step_out_of_order", result.ErrorKind)
}

func TestStepResultSerialization(t *testing.T) {
	result := model.Advanced(2, false)
	result.TableConfigs = []model.TableConfig{{TableName: "measurement"}}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded model.StepResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, model.StepAdvanced, decoded.Kind)
	require.Equal(t, 2, decoded.NextStepIndex)
	require.Len(t, decoded.TableConfigs, 1)
}
