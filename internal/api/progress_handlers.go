package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sitestitch/sitestitch/internal/progress/sinks"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// SessionDirectory answers progress queries from retained session state. The
// journal sink satisfies it.
type SessionDirectory interface {
	Sessions(limit, offset int) []sinks.SessionSummary
	Session(id uuid.UUID) (sinks.SessionSummary, bool)
}

// ProgressHandler exposes read-only session progress endpoints.
type ProgressHandler struct {
	dir SessionDirectory
}

// NewProgressHandler wires the directory.
func NewProgressHandler(dir SessionDirectory) *ProgressHandler {
	return &ProgressHandler{dir: dir}
}

// ListSessions handles GET /v1/sessions?limit=&offset=. It returns a JSON
// object {"sessions": [...]} newest first, 400 for invalid paging, or 503
// when no journal is wired.
func (h *ProgressHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.dir == nil {
		writeError(w, http.StatusServiceUnavailable, "session journal unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": toSessionDTOs(h.dir.Sessions(limit, offset)),
	})
}

// GetSession handles GET /v1/sessions/{session_id}. It returns
// {"session": {...}} on success, 400 for malformed IDs, 404 when the session
// is unknown or already evicted, or 503 when no journal is wired.
func (h *ProgressHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.dir == nil {
		writeError(w, http.StatusServiceUnavailable, "session journal unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, ok := h.dir.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(summary)})
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toSessionDTOs(in []sinks.SessionSummary) []sessionDTO {
	out := make([]sessionDTO, 0, len(in))
	for _, s := range in {
		out = append(out, toSessionDTO(s))
	}
	return out
}

func toSessionDTO(s sinks.SessionSummary) sessionDTO {
	dto := sessionDTO{
		ID:         s.ID.String(),
		URL:        s.URL,
		Stage:      string(s.Stage),
		StartedAt:  s.Started,
		Pages:      s.Pages,
		Records:    s.Records,
		Bytes:      s.Bytes,
		Files:      s.Files,
		DurationMS: s.Dur.Milliseconds(),
		Error:      s.Note,
	}
	if s.Finished != nil {
		dto.FinishedAt = s.Finished
	}
	return dto
}

type sessionDTO struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Stage      string     `json:"stage"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Pages      int64      `json:"pages"`
	Records    int64      `json:"records"`
	Bytes      int64      `json:"bytes"`
	Files      int        `json:"files"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
}
