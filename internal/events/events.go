// Package events publishes one record per finished job for observability and analytics.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/types"
)

// JobEvent is the per-job observability record
type JobEvent struct {
	JobID             string          `json:"job_id"`
	AccountHash       string          `json:"account_hash"`
	RequestedProvider types.Provider  `json:"requested_provider"`
	ActualProvider    types.Provider  `json:"actual_provider"`
	FallbackOccurred  bool            `json:"fallback_occurred"`
	CreditsConsumed   int             `json:"credits_consumed"`
	Status            types.JobStatus `json:"status"`
	RequestedCount    int             `json:"requested_count"`
	AttemptedCount    int             `json:"attempted_count"`
	Duration          time.Duration   `json:"duration"`
	CompletedAt       time.Time       `json:"completed_at"`
}

// FromJob builds the event for a job in a terminal state
func FromJob(job *models.Job) JobEvent {
	ev := JobEvent{
		JobID:             job.JobID,
		AccountHash:       HashToken(job.AccountToken),
		RequestedProvider: job.Assignment.RequestedProvider,
		ActualProvider:    job.Assignment.ActualProvider,
		FallbackOccurred:  job.Assignment.FallbackOccurred,
		CreditsConsumed:   job.CreditsConsumed,
		Status:            job.Status,
		RequestedCount:    job.RequestedCount,
		AttemptedCount:    job.GrantedCount,
		CompletedAt:       time.Now().UTC(),
	}
	if job.CompletedAt != nil {
		ev.CompletedAt = *job.CompletedAt
		ev.Duration = job.CompletedAt.Sub(job.CreatedAt)
	}
	return ev
}

// HashToken returns a stable pseudonym for an account token.
// Raw tokens are bearer credentials and never leave the ledger.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Sink receives job events
type Sink interface {
	Emit(ctx context.Context, ev JobEvent) error
}

// LogSink writes one structured log record per job
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink over logger; nil uses the global logger
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink
func (s *LogSink) Emit(ctx context.Context, ev JobEvent) error {
	logger := s.logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	logger.WithFields(map[string]interface{}{
		"event":              "job_completed",
		"job_id":             ev.JobID,
		"account_hash":       ev.AccountHash,
		"requested_provider": ev.RequestedProvider,
		"actual_provider":    ev.ActualProvider,
		"fallback_occurred":  ev.FallbackOccurred,
		"credits_consumed":   ev.CreditsConsumed,
		"status":             ev.Status,
		"requested_count":    ev.RequestedCount,
		"attempted_count":    ev.AttemptedCount,
		"duration_ms":        ev.Duration.Milliseconds(),
	}).Info("Job finished")
	return nil
}

// MultiSink fans an event out to several sinks; every sink sees every event
type MultiSink []Sink

// Emit implements Sink
func (m MultiSink) Emit(ctx context.Context, ev JobEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
