// Package job tracks validation jobs from acceptance to a terminal state.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/models"
)

// Store persists job snapshots keyed by job id.
// Implementations must hand out copies: callers never share memory with the store.
type Store interface {
	Put(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	// Sweep evicts jobs whose retention expired before now and returns how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is a mutex-guarded map with TTL eviction of finished jobs.
// Jobs that have not reached a terminal state are never evicted.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

type memoryEntry struct {
	job       *models.Job
	expiresAt time.Time // zero while the job is running
}

// NewMemoryStore creates an in-process store. ttl <= 0 keeps finished jobs forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put implements Store
func (s *MemoryStore) Put(ctx context.Context, job *models.Job) error {
	entry := &memoryEntry{job: job.Clone()}
	if job.Status.IsTerminal() && s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	s.jobs[job.JobID] = entry
	s.mu.Unlock()
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	entry, ok := s.jobs[jobID]
	s.mu.RUnlock()

	if !ok || (!entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt)) {
		return nil, apperrors.NewJobNotFoundError(jobID)
	}
	return entry.job.Clone(), nil
}

// Sweep implements Store
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, entry := range s.jobs {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.jobs, id)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of stored jobs, expired or not
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// RedisStore keeps job snapshots as JSON strings with a key TTL.
// The account token is stored alongside the snapshot since the public JSON omits it.
type RedisStore struct {
	client    redis.Cmdable
	ttl       time.Duration
	keyPrefix string
}

type redisRecord struct {
	AccountToken string      `json:"account_token"`
	Job          *models.Job `json:"job"`
}

// NewRedisStore creates a Redis-backed store. Running jobs carry the same TTL
// so a crashed process cannot leak keys.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStore{
		client:    client,
		ttl:       ttl,
		keyPrefix: "job:",
	}
}

func (s *RedisStore) key(jobID string) string {
	return s.keyPrefix + jobID
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(redisRecord{AccountToken: job.AccountToken, Job: job})
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}
	if err := s.client.Set(ctx, s.key(job.JobID), data, s.ttl).Err(); err != nil {
		return apperrors.NewStorageError("put job", err)
	}
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewJobNotFoundError(jobID)
	}
	if err != nil {
		return nil, apperrors.NewStorageError("get job", err)
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	if rec.Job == nil {
		return nil, apperrors.NewJobNotFoundError(jobID)
	}
	rec.Job.AccountToken = rec.AccountToken
	rec.Job.Assignment.AccountToken = rec.AccountToken
	return rec.Job, nil
}

// Sweep implements Store. Redis expires keys itself.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
