package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/omophub/harmonizer/internal/layout"
	"github.com/omophub/harmonizer/internal/model"
	"github.com/omophub/harmonizer/internal/objectstore"
)

// StatusStore persists each job as a JSON document in the delivery bucket,
// next to the harmonized outputs it describes. Writes replace the whole
// document, so the last writer wins; job ownership is single-writer by
// construction (one job per file, one invocation per step).
type StatusStore struct {
	store objectstore.Store
}

func NewStatusStore(store objectstore.Store) *StatusStore {
	return &StatusStore{store: store}
}

func (s *StatusStore) Get(ctx context.Context, deliveryDate, jobID string) (*model.Job, error) {
	data, err := s.store.Read(ctx, layout.JobStatusFile(deliveryDate, jobID))
	if errors.Is(err, objectstore.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", model.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %q: %w", jobID, err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %q: %w", jobID, err)
	}
	return &job, nil
}

func (s *StatusStore) Put(ctx context.Context, job *model.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job %q: %w", job.ID, err)
	}

	key := layout.JobStatusFile(job.DeliveryDate, job.ID)
	if err := s.store.EnsureDir(layout.JobStatusDir(job.DeliveryDate)); err != nil {
		return fmt.Errorf("preparing job status directory: %w", err)
	}
	if err := s.store.Write(ctx, key, data); err != nil {
		return fmt.Errorf("writing job %q: %w", job.ID, err)
	}
	return nil
}

// CompareAndAdvance re-reads the persisted document and rejects the write if
// it is no longer at fromIndex or has reached a terminal status. The object
// store offers no conditional write, so the read and the write are not one
// atomic operation; job ownership is single-writer by construction and the
// check exists to stop a stale resumption from rewinding the index.
func (s *StatusStore) CompareAndAdvance(ctx context.Context, job *model.Job, fromIndex int) error {
	stored, err := s.Get(ctx, job.DeliveryDate, job.ID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: job %q is already %s", model.ErrStepOutOfOrder, job.ID, stored.Status)
	}
	if stored.CurrentStepIndex != fromIndex {
		return fmt.Errorf("%w: job %q is at step %d, not %d",
			model.ErrStepOutOfOrder, job.ID, stored.CurrentStepIndex, fromIndex)
	}
	return s.Put(ctx, job)
}

func (s *StatusStore) List(ctx context.Context, deliveryDate string) ([]*model.Job, error) {
	keys, err := s.store.List(ctx, layout.JobStatusDir(deliveryDate))
	if err != nil {
		return nil, fmt.Errorf("listing jobs of %q: %w", deliveryDate, err)
	}

	var out []*model.Job
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := s.store.Read(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reading job document %q: %w", key, err)
		}
		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("decoding job document %q: %w", key, err)
		}
		out = append(out, &job)
	}
	return out, nil
}
