package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
)

const testFilePath = "gs://deliveries/2026-07-01/artifacts/converted_files/condition_occurrence.parquet"

func newTestJob(t *testing.T) *model.Job {
	t.Helper()
	job, err := NewJob(testFilePath, "site-a", "v5.4.2", "5.4", "proj", "dataset")
	require.NoError(t, err)
	return job
}

func TestNewJob(t *testing.T) {
	job := newTestJob(t)

	require.NotEmpty(t, job.ID)
	require.Equal(t, "deliveries", job.Bucket)
	require.Equal(t, "2026-07-01", job.DeliveryDate)
	require.Equal(t, "2026-07-01/artifacts/converted_files/condition_occurrence.parquet", job.FilePath)
	require.Equal(t, model.JobQueued, job.Status)
	require.Equal(t, model.PerFileSteps(), job.Steps)
	require.Zero(t, job.CurrentStepIndex)
}

func TestNewJobValidation(t *testing.T) {
	_, err := NewJob(testFilePath, "", "v5.4.2", "5.4", "", "")
	require.ErrorIs(t, err, model.ErrMissingRequiredField)

	_, err = NewJob("gs://deliveries", "site-a", "v5.4.2", "5.4", "", "")
	require.Error(t, err)
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), logger.NOP)
	job := newTestJob(t)

	require.NoError(t, mgr.Start(ctx, job))
	require.Equal(t, model.JobRunning, job.Status)

	// Starting a running job is a no-op.
	require.NoError(t, mgr.Start(ctx, job))

	for i := range job.Steps {
		require.NoError(t, mgr.Advance(ctx, job, i))
	}
	require.Equal(t, model.JobCompleted, job.Status)
	require.False(t, job.EndTime.IsZero())

	// A completed job accepts no further transitions.
	require.ErrorIs(t, mgr.Advance(ctx, job, len(job.Steps)), model.ErrStepOutOfOrder)
	require.ErrorIs(t, mgr.Start(ctx, job), model.ErrStepOutOfOrder)
}

func TestStaleAdvanceRejected(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), logger.NOP)
	job := newTestJob(t)

	require.NoError(t, mgr.Start(ctx, job))
	require.NoError(t, mgr.Advance(ctx, job, 0))

	// A retry of the already-advanced step must not double-count.
	err := mgr.Advance(ctx, job, 0)
	require.ErrorIs(t, err, model.ErrStepOutOfOrder)
	require.Equal(t, 1, job.CurrentStepIndex)

	// Nor can a caller skip ahead.
	require.ErrorIs(t, mgr.Advance(ctx, job, 3), model.ErrStepOutOfOrder)
}

func TestStaleCopyLosesAdvanceRace(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"status": NewStatusStore(objectstore.NewLocal(t.TempDir(), "deliveries")),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			mgr := NewManager(store, logger.NOP)
			job := newTestJob(t)
			require.NoError(t, mgr.Start(ctx, job))

			// Two invocations hold the same job document at step 0.
			stale, err := mgr.Get(ctx, job.DeliveryDate, job.ID)
			require.NoError(t, err)
			require.Equal(t, 0, stale.CurrentStepIndex)

			require.NoError(t, mgr.Advance(ctx, job, 0))

			// The stale copy passes the local index check but must be
			// rejected against the persisted document.
			err = mgr.Advance(ctx, stale, 0)
			require.ErrorIs(t, err, model.ErrStepOutOfOrder)
			require.Equal(t, 0, stale.CurrentStepIndex)

			loaded, err := mgr.Get(ctx, job.DeliveryDate, job.ID)
			require.NoError(t, err)
			require.Equal(t, 1, loaded.CurrentStepIndex)
		})
	}
}

func TestFailAndResume(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), logger.NOP)
	job := newTestJob(t)

	require.NoError(t, mgr.Start(ctx, job))
	require.NoError(t, mgr.Advance(ctx, job, 0))
	require.NoError(t, mgr.Fail(ctx, job, errors.New("substrate out of memory")))
	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, "substrate out of memory", job.Error)

	// Resume picks up at the failed step, not from the beginning.
	resumed, err := mgr.Resume(ctx, job.DeliveryDate, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobRunning, resumed.Status)
	require.Equal(t, 1, resumed.CurrentStepIndex)
	require.Empty(t, resumed.Error)
}

func TestResumeCompletedRejected(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), logger.NOP)
	job := newTestJob(t)

	require.NoError(t, mgr.Start(ctx, job))
	for i := range job.Steps {
		require.NoError(t, mgr.Advance(ctx, job, i))
	}

	_, err := mgr.Resume(ctx, job.DeliveryDate, job.ID)
	require.ErrorIs(t, err, model.ErrStepOutOfOrder)
}

func TestGetUnknownJob(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), logger.NOP)

	_, err := mgr.Get(ctx, "2026-07-01", "nope")
	require.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestIncomplete(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), logger.NOP)

	first := newTestJob(t)
	second := newTestJob(t)
	require.NoError(t, mgr.Start(ctx, first))
	require.NoError(t, mgr.Start(ctx, second))

	for i := range first.Steps {
		require.NoError(t, mgr.Advance(ctx, first, i))
	}

	pending, err := mgr.Incomplete(ctx, first.DeliveryDate)
	require.NoError(t, err)
	require.Equal(t, []string{second.ID}, pending)
}

func TestStatusStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStatusStore(objectstore.NewLocal(t.TempDir(), "deliveries"))
	mgr := NewManager(store, logger.NOP)
	job := newTestJob(t)

	require.NoError(t, mgr.Start(ctx, job))
	require.NoError(t, mgr.Advance(ctx, job, 0))

	loaded, err := store.Get(ctx, job.DeliveryDate, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, loaded.ID)
	require.Equal(t, 1, loaded.CurrentStepIndex)
	require.Equal(t, model.JobRunning, loaded.Status)
	require.Equal(t, job.Steps, loaded.Steps)

	all, err := store.List(ctx, job.DeliveryDate)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = store.Get(ctx, job.DeliveryDate, "missing")
	require.ErrorIs(t, err, model.ErrJobNotFound)
}
