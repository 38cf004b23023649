package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/metrics"
)

// maxPendingBatches bounds the buffer, in batches, while ClickHouse is unreachable
const maxPendingBatches = 50

// ClickHouseSink buffers job events and inserts them into job_events in batches
type ClickHouseSink struct {
	conn       driver.Conn
	batchSize  int
	maxPending int
	write     func(ctx context.Context, evs []JobEvent) error

	mu     sync.Mutex
	buffer []JobEvent

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewClickHouseSink creates a sink that flushes every batchSize events
func NewClickHouseSink(conn driver.Conn, batchSize int) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 100
	}
	s := &ClickHouseSink{
		conn:       conn,
		batchSize:  batchSize,
		maxPending: batchSize * maxPendingBatches,
	}
	s.write = s.insert
	return s
}

// Emit implements Sink. The event is buffered; a full buffer is flushed inline.
func (s *ClickHouseSink) Emit(ctx context.Context, ev JobEvent) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, ev)
	s.trimLocked()
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes buffered events. Events leave the buffer when the write succeeds
// or when they are the oldest beyond maxPending.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := s.write(ctx, pending); err != nil {
		s.mu.Lock()
		s.buffer = append(pending, s.buffer...)
		s.trimLocked()
		s.mu.Unlock()
		return fmt.Errorf("failed to flush %d job events: %w", len(pending), err)
	}
	return nil
}

// trimLocked drops the oldest events beyond maxPending. s.mu must be held.
func (s *ClickHouseSink) trimLocked() {
	over := len(s.buffer) - s.maxPending
	if s.maxPending <= 0 || over <= 0 {
		return
	}
	s.buffer = append([]JobEvent(nil), s.buffer[over:]...)
	metrics.JobEventsDropped.Add(float64(over))
}

// Pending returns the number of buffered events
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *ClickHouseSink) insert(ctx context.Context, evs []JobEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO job_events (
			job_id, account_hash, requested_provider, actual_provider,
			fallback_occurred, status, requested_count, attempted_count,
			credits_consumed, duration_ms, completed_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range evs {
		var fallback uint8
		if ev.FallbackOccurred {
			fallback = 1
		}
		err := batch.Append(
			ev.JobID,
			ev.AccountHash,
			string(ev.RequestedProvider),
			string(ev.ActualProvider),
			fallback,
			string(ev.Status),
			uint32(ev.RequestedCount),
			uint32(ev.AttemptedCount),
			uint32(ev.CreditsConsumed),
			uint64(ev.Duration.Milliseconds()),
			ev.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append job event %s: %w", ev.JobID, err)
		}
	}

	return batch.Send()
}

// Start flushes every interval until ctx ends or Close is called
func (s *ClickHouseSink) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	logger := logging.FromContext(ctx)

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					logger.WithError(err).Warn("Job event flush failed")
				}
			}
		}
	}()
}

// Close stops the flusher and writes whatever is still buffered
func (s *ClickHouseSink) Close(ctx context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.stopped
		s.stopCh = nil
	}
	return s.Flush(ctx)
}
