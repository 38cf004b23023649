package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/types"
)

func finishedJob() *models.Job {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	completed := created.Add(1500 * time.Millisecond)
	return &models.Job{
		JobID:           "job-1",
		AccountToken:    "secret-token",
		Status:          types.JobStatusPartial,
		RequestedCount:  5,
		GrantedCount:    3,
		CreditsConsumed: 3,
		Assignment: models.ProviderAssignment{
			RequestedProvider: types.ProviderB,
			ActualProvider:    types.ProviderA,
			FallbackOccurred:  true,
		},
		CreatedAt:   created,
		CompletedAt: &completed,
	}
}

func TestFromJob(t *testing.T) {
	ev := FromJob(finishedJob())

	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, types.ProviderB, ev.RequestedProvider)
	assert.Equal(t, types.ProviderA, ev.ActualProvider)
	assert.True(t, ev.FallbackOccurred)
	assert.Equal(t, 3, ev.CreditsConsumed)
	assert.Equal(t, 1500*time.Millisecond, ev.Duration)
	assert.NotContains(t, ev.AccountHash, "secret")
	assert.Len(t, ev.AccountHash, 16)
	assert.Equal(t, ev.AccountHash, HashToken("secret-token"))
}

func TestLogSink_EmitsOneRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithWriter(logging.LevelInfo, logging.FormatJSON, &buf)

	require.NoError(t, NewLogSink(logger).Emit(context.Background(), FromJob(finishedJob())))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	fields, ok := entry["fields"].(map[string]interface{})
	require.True(t, ok)
	for _, key := range []string{"job_id", "requested_provider", "actual_provider", "fallback_occurred", "credits_consumed", "status"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "partial", fields["status"])
	assert.Equal(t, true, fields["fallback_occurred"])
}

type recordingSink struct {
	mu  sync.Mutex
	evs []JobEvent
	err error
}

func (r *recordingSink) Emit(ctx context.Context, ev JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return r.err
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("down")}

	err := MultiSink{failing, nil, ok}.Emit(context.Background(), FromJob(finishedJob()))

	assert.Error(t, err)
	assert.Len(t, ok.evs, 1, "a failing sink must not starve the others")
	assert.Len(t, failing.evs, 1)
}

func TestClickHouseSink_Buffering(t *testing.T) {
	var written [][]JobEvent
	fail := true
	sink := NewClickHouseSink(nil, 2)
	sink.write = func(ctx context.Context, evs []JobEvent) error {
		if fail {
			return errors.New("clickhouse down")
		}
		written = append(written, evs)
		return nil
	}
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, JobEvent{JobID: "a"}))
	assert.Equal(t, 1, sink.Pending())

	assert.Error(t, sink.Emit(ctx, JobEvent{JobID: "b"}))
	assert.Equal(t, 2, sink.Pending(), "failed flush keeps events")

	fail = false
	require.NoError(t, sink.Close(ctx))
	require.Len(t, written, 1)
	assert.Equal(t, "a", written[0][0].JobID)
	assert.Equal(t, "b", written[0][1].JobID)
	assert.Equal(t, 0, sink.Pending())
}

func TestClickHouseSink_DropsOldestWhenFull(t *testing.T) {
	sink := NewClickHouseSink(nil, 2)
	sink.maxPending = 5
	sink.write = func(ctx context.Context, evs []JobEvent) error {
		return errors.New("clickhouse down")
	}
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_ = sink.Emit(ctx, JobEvent{JobID: fmt.Sprintf("job-%02d", i)})
		assert.LessOrEqual(t, sink.Pending(), 5)
	}

	var kept []JobEvent
	sink.write = func(ctx context.Context, evs []JobEvent) error {
		kept = append(kept, evs...)
		return nil
	}
	require.NoError(t, sink.Flush(ctx))
	require.Len(t, kept, 5)
	assert.Equal(t, "job-07", kept[0].JobID)
	assert.Equal(t, "job-11", kept[4].JobID)
}

func TestNewClickHouseSink_BoundsBuffer(t *testing.T) {
	sink := NewClickHouseSink(nil, 10)
	assert.Equal(t, 10*maxPendingBatches, sink.maxPending)
}

func TestClickHouseSink_Integration(t *testing.T) {
	addr := os.Getenv("TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("TEST_CLICKHOUSE_ADDR not set")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{Addr: []string{addr}})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		t.Skipf("Skipping test: ClickHouse not available: %v", err)
	}
	if err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS job_events (
		job_id String, account_hash String, requested_provider String, actual_provider String,
		fallback_occurred UInt8, status String, requested_count UInt32, attempted_count UInt32,
		credits_consumed UInt32, duration_ms UInt64, completed_at DateTime64(3, 'UTC')
	) ENGINE = MergeTree() ORDER BY (completed_at, job_id)`); err != nil {
		t.Skipf("Skipping test: cannot create table: %v", err)
	}

	sink := NewClickHouseSink(conn, 10)
	ev := FromJob(finishedJob())
	ev.JobID = "it-" + time.Now().Format("150405.000000")
	require.NoError(t, sink.Emit(ctx, ev))
	require.NoError(t, sink.Close(ctx))

	var count uint64
	require.NoError(t, conn.QueryRow(ctx, "SELECT count() FROM job_events WHERE job_id = ?", ev.JobID).Scan(&count))
	assert.Equal(t, uint64(1), count)
}
