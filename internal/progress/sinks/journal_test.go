package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sitestitch/sitestitch/internal/progress"
)

func TestJournalAggregatesOneSession(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	sid := progress.UUIDToBytes(id)
	start := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	finish := start.Add(42 * time.Second)

	j := NewJournal(8)
	err := j.Consume(context.Background(), []progress.Event{
		{SessionID: sid, TS: start, Stage: progress.StageSessionStart, URL: "https://docs.example.com"},
		{SessionID: sid, TS: start.Add(time.Second), Stage: progress.StagePageDone, URL: "https://docs.example.com/a", Outcome: progress.OutcomeOK, Pages: 1},
		{SessionID: sid, TS: start.Add(2 * time.Second), Stage: progress.StagePageDone, URL: "https://docs.example.com/b", Outcome: progress.OutcomeOK, Pages: 2},
		{SessionID: sid, TS: start.Add(3 * time.Second), Stage: progress.StageBatchFlush, Records: 2, Bytes: 512},
		{SessionID: sid, TS: finish, Stage: progress.StageSessionDone, Pages: 2, Records: 2, Dur: 42 * time.Second},
	})
	require.NoError(t, err)

	s, ok := j.Session(id)
	require.True(t, ok)
	require.Equal(t, "https://docs.example.com", s.URL)
	require.Equal(t, progress.StageSessionDone, s.Stage)
	require.Equal(t, start, s.Started)
	require.NotNil(t, s.Finished)
	require.Equal(t, finish, *s.Finished)
	require.EqualValues(t, 2, s.Pages)
	require.EqualValues(t, 2, s.Records)
	require.EqualValues(t, 512, s.Bytes)
	require.Equal(t, 1, s.Files)
	require.Equal(t, 42*time.Second, s.Dur)
	require.Empty(t, s.Note)
}

func TestJournalKeepsErrorNote(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	sid := progress.UUIDToBytes(id)
	now := time.Now()

	j := NewJournal(8)
	require.NoError(t, j.Consume(context.Background(), []progress.Event{
		{SessionID: sid, TS: now, Stage: progress.StageSessionStart, URL: "https://docs.example.com"},
		{SessionID: sid, TS: now.Add(time.Second), Stage: progress.StageSessionError, Note: "crawl phase: browser crashed"},
	}))

	s, ok := j.Session(id)
	require.True(t, ok)
	require.Equal(t, progress.StageSessionError, s.Stage)
	require.Equal(t, "crawl phase: browser crashed", s.Note)
	require.NotNil(t, s.Finished)
}

func TestJournalEvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()

	j := NewJournal(2)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		require.NoError(t, j.Consume(context.Background(), []progress.Event{{
			SessionID: progress.UUIDToBytes(id),
			TS:        time.Now().Add(time.Duration(i) * time.Second),
			Stage:     progress.StageSessionStart,
		}}))
	}

	_, ok := j.Session(ids[0])
	require.False(t, ok, "oldest session is evicted")
	_, ok = j.Session(ids[1])
	require.True(t, ok)
	_, ok = j.Session(ids[2])
	require.True(t, ok)
}

func TestJournalSessionsNewestFirstWithOffset(t *testing.T) {
	t.Parallel()

	j := NewJournal(8)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, j.Consume(context.Background(), []progress.Event{{
			SessionID: progress.UUIDToBytes(id),
			TS:        time.Now(),
			Stage:     progress.StageSessionStart,
		}}))
	}

	page := j.Sessions(2, 0)
	require.Len(t, page, 2)
	require.Equal(t, ids[2], page[0].ID)
	require.Equal(t, ids[1], page[1].ID)

	rest := j.Sessions(2, 2)
	require.Len(t, rest, 1)
	require.Equal(t, ids[0], rest[0].ID)

	require.Empty(t, j.Sessions(2, 5))
}
