package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/types"
)

// NewJob describes a job at acceptance time
type NewJob struct {
	AccountToken      string
	Style             string
	RequestedCount    int
	GrantedCount      int
	RequestedProvider types.Provider
}

// Registry is the job lifecycle state machine:
// pending -> processing -> {completed | partial | failed}.
// Each job has a single writer (the task processing it); Get hands out
// snapshots that pollers may read freely.
type Registry struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewRegistry creates a registry over the given store
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
	}
}

// Create stores a new pending job and returns its snapshot
func (r *Registry) Create(ctx context.Context, spec NewJob) (*models.Job, error) {
	job := &models.Job{
		JobID:          uuid.New().String(),
		AccountToken:   spec.AccountToken,
		Status:         types.JobStatusPending,
		Style:          spec.Style,
		RequestedCount: spec.RequestedCount,
		GrantedCount:   spec.GrantedCount,
		Results:        []types.CitationResult{},
		Assignment: models.ProviderAssignment{
			AccountToken:      spec.AccountToken,
			RequestedProvider: spec.RequestedProvider,
		},
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job.Clone(), nil
}

// Get returns an immutable snapshot of the job
func (r *Registry) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return r.store.Get(ctx, jobID)
}

// Transition moves a job to next, applying mutate to the stored copy first.
// Moves the lifecycle does not allow return ErrInvalidTransition.
func (r *Registry) Transition(ctx context.Context, jobID string, next types.JobStatus, mutate func(*models.Job)) (*models.Job, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s (job %s)", apperrors.ErrInvalidTransition, job.Status, next, jobID)
	}

	if mutate != nil {
		mutate(job)
	}
	job.Status = next

	now := r.now().UTC()
	switch {
	case next == types.JobStatusProcessing:
		job.StartedAt = &now
	case next.IsTerminal():
		job.CompletedAt = &now
	}

	if err := r.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job %s: %w", jobID, err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job_id": jobID,
		"status": next,
	}).Debug("Job transitioned")
	return job.Clone(), nil
}

// Update applies mutate to a running job without changing its status.
// Pollers use it to see results as batches complete.
func (r *Registry) Update(ctx context.Context, jobID string, mutate func(*models.Job)) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", apperrors.ErrInvalidTransition, jobID, job.Status)
	}

	status := job.Status
	mutate(job)
	job.Status = status

	return r.store.Put(ctx, job)
}

// StartJanitor evicts expired jobs every interval until ctx ends or Stop is called
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.stopped = make(chan struct{})
	stopCh, stopped := r.stopCh, r.stopped
	r.mu.Unlock()

	logger := logging.FromContext(ctx)
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				evicted, err := r.store.Sweep(ctx, r.now())
				if err != nil {
					logger.WithError(err).Warn("Job sweep failed")
					continue
				}
				if evicted > 0 {
					logger.WithField("evicted", evicted).Debug("Evicted expired jobs")
				}
			}
		}
	}()
}

// Stop ends the janitor and waits for it to exit
func (r *Registry) Stop() {
	r.mu.Lock()
	stopCh, stopped := r.stopCh, r.stopped
	r.stopCh, r.stopped = nil, nil
	r.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stopped
}
