// Package jobs tracks the lifecycle of per-file harmonization jobs. A job
// is a durable state document: it records where a file is in its step
// sequence so a failed run can resume at the step that broke instead of
// starting over. The step index is monotonic; a stale caller holding an old
// index cannot move a job backwards or skip ahead.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
)

// Store persists job state documents. Implementations must return
// model.ErrJobNotFound for unknown jobs.
type Store interface {
	Get(ctx context.Context, deliveryDate, jobID string) (*model.Job, error)
	Put(ctx context.Context, job *model.Job) error
	List(ctx context.Context, deliveryDate string) ([]*model.Job, error)
	// CompareAndAdvance persists the advanced job document only if the
	// stored document is still at fromIndex and not terminal, so a stale
	// copy of the job can never move the index. Returns
	// model.ErrStepOutOfOrder on mismatch.
	CompareAndAdvance(ctx context.Context, job *model.Job, fromIndex int) error
}

// Manager applies the job state machine on top of a Store.
type Manager struct {
	store Store
	log   logger.Logger
	now   func() time.Time
}

func NewManager(store Store, log logger.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log.Child("jobs"),
		now:   time.Now,
	}
}

// NewJob creates a queued job for one source file. filePath is the full
// file reference ("gs://<bucket>/<delivery date>/..."); the job stores the
// bucket-relative key.
func NewJob(filePath, site, vocabVersion, cdmVersion, projectID, datasetID string) (*model.Job, error) {
	bucket, deliveryDate, err := layout.ParseDeliveryPath(filePath)
	if err != nil {
		return nil, err
	}
	if site == "" || vocabVersion == "" || cdmVersion == "" {
		return nil, fmt.Errorf("%w: site, vocabulary version and cdm version are required", model.ErrMissingRequiredField)
	}

	key := strings.TrimPrefix(strings.TrimPrefix(filePath, "gs://"), bucket+"/")
	return &model.Job{
		ID:           uuid.NewString(),
		FilePath:     key,
		Bucket:       bucket,
		DeliveryDate: deliveryDate,
		Site:         site,
		VocabVersion: vocabVersion,
		CDMVersion:   cdmVersion,
		ProjectID:    projectID,
		DatasetID:    datasetID,
		Steps:        model.PerFileSteps(),
		Status:       model.JobQueued,
		StartTime:    time.Now().UTC(),
	}, nil
}

// Start moves a queued job to running and persists it. Starting a running
// job is a no-op so a resumed invocation does not need to distinguish the
// two.
func (m *Manager) Start(ctx context.Context, job *model.Job) error {
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %q is already %s", model.ErrStepOutOfOrder, job.ID, job.Status)
	}
	if job.Status == model.JobRunning {
		return nil
	}
	job.Status = model.JobRunning
	job.LastUpdated = m.now().UTC()
	if err := m.store.Put(ctx, job); err != nil {
		return fmt.Errorf("persisting job %q: %w", job.ID, err)
	}
	m.log.Infow("job started", "jobId", job.ID, "file", job.FilePath)
	return nil
}

// Advance moves the job past the step at fromIndex. The index must match
// the job's current position: a retry of an already-advanced step is
// rejected rather than double-counted. Advancing past the last step
// completes the job.
func (m *Manager) Advance(ctx context.Context, job *model.Job, fromIndex int) error {
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %q is already %s", model.ErrStepOutOfOrder, job.ID, job.Status)
	}
	if fromIndex != job.CurrentStepIndex {
		return fmt.Errorf("%w: job %q is at step %d, not %d",
			model.ErrStepOutOfOrder, job.ID, job.CurrentStepIndex, fromIndex)
	}

	updated := *job
	updated.CurrentStepIndex++
	updated.LastUpdated = m.now().UTC()
	if updated.CurrentStepIndex >= len(updated.Steps) {
		updated.Status = model.JobCompleted
		updated.EndTime = updated.LastUpdated
	}

	// The store re-checks the index against the persisted document, so a
	// stale in-memory copy loses the race instead of rewinding the job.
	if err := m.store.CompareAndAdvance(ctx, &updated, fromIndex); err != nil {
		return err
	}
	*job = updated
	m.log.Infow("job advanced",
		"jobId", job.ID, "progress", job.Progress(), "status", string(job.Status))
	return nil
}

// Fail marks the job failed with the error that broke it. The step index is
// left where it was so a later run can resume at the failed step.
func (m *Manager) Fail(ctx context.Context, job *model.Job, cause error) error {
	now := m.now().UTC()
	job.Status = model.JobFailed
	job.Error = cause.Error()
	job.EndTime = now
	job.LastUpdated = now

	if err := m.store.Put(ctx, job); err != nil {
		return fmt.Errorf("persisting job %q: %w", job.ID, err)
	}
	m.log.Warnw("job failed",
		"jobId", job.ID, "progress", job.Progress(), "error", cause.Error())
	return nil
}

// Resume reloads a job for another step invocation. A failed job is moved
// back to running; a completed job cannot be resumed.
func (m *Manager) Resume(ctx context.Context, deliveryDate, jobID string) (*model.Job, error) {
	job, err := m.store.Get(ctx, deliveryDate, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobCompleted {
		return nil, fmt.Errorf("%w: job %q is already completed", model.ErrStepOutOfOrder, jobID)
	}
	if job.Status == model.JobFailed {
		job.Status = model.JobRunning
		job.Error = ""
		job.EndTime = time.Time{}
		job.LastUpdated = m.now().UTC()
		if err := m.store.Put(ctx, job); err != nil {
			return nil, fmt.Errorf("persisting job %q: %w", jobID, err)
		}
	}
	return job, nil
}

func (m *Manager) Get(ctx context.Context, deliveryDate, jobID string) (*model.Job, error) {
	return m.store.Get(ctx, deliveryDate, jobID)
}

func (m *Manager) List(ctx context.Context, deliveryDate string) ([]*model.Job, error) {
	return m.store.List(ctx, deliveryDate)
}

// Incomplete reports whether any job of the delivery has not completed,
// used to gate the fan-in steps.
func (m *Manager) Incomplete(ctx context.Context, deliveryDate string) ([]string, error) {
	all, err := m.store.List(ctx, deliveryDate)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, job := range all {
		if job.Status != model.JobCompleted {
			pending = append(pending, job.ID)
		}
	}
	return pending, nil
}
