package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitestitch/sitestitch/internal/progress"
)

const defaultJournalSize = 256

// SessionSummary aggregates the progress events of one crawl session.
type SessionSummary struct {
	ID      uuid.UUID
	URL     string
	Stage   progress.Stage
	Started time.Time
	// Finished is set once the session completed or failed.
	Finished *time.Time
	Pages    int64
	Records  int64
	Bytes    int64
	Files    int
	Dur      time.Duration
	// Note carries the error text for failed sessions.
	Note string
}

// Journal retains a bounded window of recent sessions so the API can answer
// progress queries without a database. Oldest sessions are evicted first.
type Journal struct {
	mu       sync.Mutex
	max      int
	order    []uuid.UUID
	sessions map[uuid.UUID]*SessionSummary
}

// NewJournal builds a Journal retaining up to max sessions.
func NewJournal(max int) *Journal {
	if max < 1 {
		max = defaultJournalSize
	}
	return &Journal{
		max:      max,
		sessions: make(map[uuid.UUID]*SessionSummary),
	}
}

// Consume folds the batch into the per-session summaries.
func (j *Journal) Consume(_ context.Context, batch []progress.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, evt := range batch {
		j.consumeLocked(evt)
	}
	return nil
}

func (j *Journal) consumeLocked(evt progress.Event) {
	id := evt.SessionUUID()
	s, ok := j.sessions[id]
	if !ok {
		s = &SessionSummary{ID: id, Started: evt.TS}
		j.sessions[id] = s
		j.order = append(j.order, id)
		for len(j.order) > j.max {
			delete(j.sessions, j.order[0])
			j.order = j.order[1:]
		}
	}
	s.Stage = evt.Stage
	switch evt.Stage {
	case progress.StageSessionStart:
		s.URL = evt.URL
		s.Started = evt.TS
	case progress.StagePageDone:
		// Pages is cumulative at emit time, not a per-event delta.
		s.Pages = evt.Pages
	case progress.StageBatchFlush:
		s.Files++
		s.Records += evt.Records
		s.Bytes += evt.Bytes
	case progress.StageSessionDone, progress.StageSessionError:
		ts := evt.TS
		s.Finished = &ts
		s.Dur = evt.Dur
		if evt.Pages > 0 {
			s.Pages = evt.Pages
		}
		if evt.Records > 0 {
			s.Records = evt.Records
		}
		s.Note = evt.Note
	}
}

// Sessions returns up to limit summaries, newest first, skipping offset.
func (j *Journal) Sessions(limit, offset int) []SessionSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]SessionSummary, 0, limit)
	for i := len(j.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *j.sessions[j.order[i]])
	}
	return out
}

// Session reports the summary for one session id.
func (j *Journal) Session(id uuid.UUID) (SessionSummary, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.sessions[id]
	if !ok {
		return SessionSummary{}, false
	}
	return *s, true
}

// Close implements the Sink interface; it performs no action.
func (j *Journal) Close(context.Context) error {
	return nil
}
