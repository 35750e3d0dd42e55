package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/omophub/harmonizer/internal/model"
)

// MemoryStore keeps job state in process, for tests and dry runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]model.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]model.Job)}
}

func memoryKey(deliveryDate, jobID string) string {
	return deliveryDate + "/" + jobID
}

func (s *MemoryStore) Get(_ context.Context, deliveryDate, jobID string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[memoryKey(deliveryDate, jobID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrJobNotFound, jobID)
	}
	copied := job
	return &copied, nil
}

func (s *MemoryStore) Put(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[memoryKey(job.DeliveryDate, job.ID)] = *job
	return nil
}

// CompareAndAdvance writes the advanced document under the lock, checking
// the stored index first, so concurrent advances of the same job serialize
// and the loser gets ErrStepOutOfOrder.
func (s *MemoryStore) CompareAndAdvance(_ context.Context, job *model.Job, fromIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(job.DeliveryDate, job.ID)
	stored, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrJobNotFound, job.ID)
	}
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: job %q is already %s", model.ErrStepOutOfOrder, job.ID, stored.Status)
	}
	if stored.CurrentStepIndex != fromIndex {
		return fmt.Errorf("%w: job %q is at step %d, not %d",
			model.ErrStepOutOfOrder, job.ID, stored.CurrentStepIndex, fromIndex)
	}
	s.jobs[key] = *job
	return nil
}

func (s *MemoryStore) List(_ context.Context, deliveryDate string) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Job
	for _, job := range s.jobs {
		if job.DeliveryDate != deliveryDate {
			continue
		}
		copied := job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
