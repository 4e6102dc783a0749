package testsupport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TFMV/clipbatch/internal/types"
)

type entry struct {
	batch    types.Batch
	recorded map[string]struct{}
}

// Registry is an in-memory batch registry. Each method holds one lock for its whole
// body, which gives it the same atomicity as the Valkey scripts.
type Registry struct {
	mu       sync.Mutex
	batches  map[string]*entry
	jobs     *MemoryQueue
	archives *MemoryQueue

	// FailRecord, when set, is returned by RecordOutcome before any state changes.
	FailRecord error
}

// NewRegistry creates a registry with its own job and archive queues.
func NewRegistry() *Registry {
	return &Registry{
		batches:  make(map[string]*entry),
		jobs:     NewMemoryQueue("video", time.Minute),
		archives: NewMemoryQueue("zip", time.Minute),
	}
}

// Jobs returns the transcode job queue.
func (r *Registry) Jobs() *MemoryQueue { return r.jobs }

// Archives returns the archive task queue.
func (r *Registry) Archives() *MemoryQueue { return r.archives }

// Seed registers a queued batch and enqueues its jobs.
func (r *Registry) Seed(ctx context.Context, batchID string, jobs []types.Job) error {
	if len(jobs) == 0 {
		return fmt.Errorf("batch %s has no jobs", batchID)
	}
	payloads := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if job.BatchID != batchID {
			return fmt.Errorf("job %s belongs to batch %s, not %s", job.JobID, job.BatchID, batchID)
		}
		data, err := job.MarshalBinary()
		if err != nil {
			return err
		}
		payloads = append(payloads, string(data))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batchID]; ok {
		return fmt.Errorf("batch %s already exists", batchID)
	}
	r.batches[batchID] = &entry{
		batch: types.Batch{
			BatchID:   batchID,
			Status:    types.BatchStatusQueued,
			Expected:  len(jobs),
			Results:   []string{},
			Failures:  []string{},
			CreatedAt: time.Now().UTC(),
		},
		recorded: make(map[string]struct{}),
	}
	for _, p := range payloads {
		if err := r.jobs.Push(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordOutcome mirrors the Valkey record script.
func (r *Registry) RecordOutcome(ctx context.Context, batchID, jobID string, outcome types.Outcome) (types.Transition, error) {
	if r.FailRecord != nil {
		return types.Transition{}, r.FailRecord
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.batches[batchID]
	if !ok {
		return types.Transition{}, fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotFound)
	}
	if _, seen := e.recorded[jobID]; seen {
		return types.Transition{Duplicate: true, Status: e.batch.Status}, nil
	}
	e.recorded[jobID] = struct{}{}

	if outcome.OK() {
		e.batch.Results = append(e.batch.Results, outcome.Reference)
		e.batch.Completed++
	} else {
		e.batch.Failures = append(e.batch.Failures, outcome.Reason)
		e.batch.Failed++
	}

	b := &e.batch
	if b.Status != types.BatchStatusQueued || b.Completed+b.Failed < b.Expected {
		return types.Transition{Status: b.Status}, nil
	}
	if b.Failed == 0 {
		b.Status = types.BatchStatusDone
		if err := r.archives.Push(ctx, batchID); err != nil {
			return types.Transition{}, err
		}
	} else {
		b.Status = types.BatchStatusFailedPartial
	}
	return types.Transition{Closed: true, Status: b.Status}, nil
}

// Snapshot returns a deep copy of the batch.
func (r *Registry) Snapshot(_ context.Context, batchID string) (*types.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotFound)
	}
	snap := e.batch
	snap.Results = append([]string{}, e.batch.Results...)
	snap.Failures = append([]string{}, e.batch.Failures...)
	return &snap, nil
}

// SetArchive mirrors the Valkey compare-and-set.
func (r *Registry) SetArchive(_ context.Context, batchID, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.batches[batchID]
	switch {
	case !ok:
		return fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotFound)
	case e.batch.Status != types.BatchStatusDone:
		return fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotDone)
	case e.batch.ArchiveReference != "":
		return fmt.Errorf("batch %s: %w", batchID, types.ErrArchiveAlreadySet)
	}
	e.batch.ArchiveReference = reference
	return nil
}
