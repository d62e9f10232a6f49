package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sitestitch/sitestitch/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	sessionID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{SessionID: sessionID, TS: time.Now(), Stage: progress.StageSessionStart},
		{
			SessionID: sessionID,
			TS:        time.Now().Add(time.Second),
			Stage:     progress.StagePageDone,
			URL:       "https://docs.example.com/guide/intro",
			Outcome:   progress.OutcomeOK,
			Pages:     1,
		},
		{
			SessionID: sessionID,
			TS:        time.Now().Add(2 * time.Second),
			Stage:     progress.StageBatchFlush,
			Records:   1,
			Bytes:     2048,
		},
		{SessionID: sessionID, TS: time.Now().Add(3 * time.Second), Stage: progress.StageUploadDone, Bytes: 2048},
		{SessionID: sessionID, TS: time.Now().Add(4 * time.Second), Stage: progress.StageSessionDone, Dur: 4 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsActive))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.pages.WithLabelValues(string(progress.OutcomeOK))),
		1e-9,
	)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchFiles))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchRecords))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.batchBytes), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.uploads))
	require.Equal(t, 1, testutil.CollectAndCount(sink.sessionDuration, "sitestitch_session_duration_seconds"))
}

// TestPrometheusSinkTracksActiveSessions verifies the running gauge moves with session lifecycle.
func TestPrometheusSinkTracksActiveSessions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	first := progress.UUIDToBytes(uuid.New())
	second := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: first, TS: time.Now(), Stage: progress.StageSessionStart},
		{SessionID: second, TS: time.Now(), Stage: progress.StageSessionStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.sessionsActive))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: first, TS: time.Now(), Stage: progress.StageSessionError, Note: "seed unreachable"},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted.WithLabelValues("error")))
}
