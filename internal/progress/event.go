package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionError Stage = "SESSION_ERROR"
	StagePageDone     Stage = "PAGE_DONE"
	StageBatchFlush   Stage = "BATCH_FLUSH"
	StageUploadDone   Stage = "UPLOAD_DONE"
)

// Outcome classifies how a single page turned out.
type Outcome string

// Supported page outcomes.
const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Event captures a single milestone of a crawl session.
type Event struct {
	// SessionID identifies the session run using the 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the page URL for page events; it should not contain credentials.
	URL string
	// Outcome classifies page completions.
	Outcome Outcome
	// Pages carries the cumulative captured-page count at emit time.
	Pages int64
	// Records carries the record count of a flushed output file.
	Records int64
	// Bytes carries the size of a flushed or uploaded file.
	Bytes int64
	// Dur captures wall time for completed sessions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone, StageSessionError, StageBatchFlush, StageUploadDone:
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page completion requires url")
		}
		if e.Outcome == "" {
			return errors.New("page completion requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
