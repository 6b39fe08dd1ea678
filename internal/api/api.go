// Package api exposes session lifecycle, checkpoint, progress, and event
// operations over a small REST surface for the serve command.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/persist"
	"github.com/mstanton/muster/internal/progress"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/sessions"
	"github.com/mstanton/muster/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	sessions *sessions.Manager
	tracker  *progress.Tracker
	events   *persist.EventLog
	logger   *slog.Logger
}

// NewServer creates a new API server.
func NewServer(mgr *sessions.Manager, tracker *progress.Tracker, events *persist.EventLog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sessions: mgr, tracker: tracker, events: events, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/pause", s.pauseSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", s.resumeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/complete", s.completeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/fail", s.failSession)

	mux.HandleFunc("GET /api/v1/sessions/{id}/checkpoints", s.listCheckpoints)
	mux.HandleFunc("POST /api/v1/sessions/{id}/checkpoints", s.createCheckpoint)
	mux.HandleFunc("POST /api/v1/sessions/{id}/checkpoints/{cpid}/restore", s.restoreCheckpoint)

	mux.HandleFunc("GET /api/v1/sessions/{id}/progress", s.sessionProgress)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.sessionEvents)

	mux.HandleFunc("GET /api/v1/healthz", s.healthz)

	return s.logMiddleware(mux)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps the fault taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case fault.IsValidation(err):
		status = http.StatusBadRequest
	case fault.IsNotFound(err):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Status:   models.SessionStatus(q.Get("status")),
		Provider: q.Get("provider"),
		Tag:      q.Get("tag"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeErr(w, fault.Validation("invalid limit: %s", limit))
			return
		}
		filter.Limit = n
	}
	list, err := s.sessions.ListSessions(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []*models.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createSessionBody struct {
	TaskID string `json:"task_id,omitempty"`
	Tag    string `json:"tag,omitempty"`

	NewTask *struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Prompt      string `json:"prompt,omitempty"`
		Tag         string `json:"tag,omitempty"`
	} `json:"new_task,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, fault.Validation("invalid JSON"))
		return
	}
	req := sessions.CreateSessionRequest{TaskID: body.TaskID, Tag: body.Tag}
	if body.NewTask != nil {
		req.NewTask = &provider.CreateTaskFields{
			Title:       body.NewTask.Title,
			Description: body.NewTask.Description,
			Prompt:      body.NewTask.Prompt,
			Tag:         body.NewTask.Tag,
		}
	}
	sess, err := s.sessions.CreateSession(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.PauseSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.ResumeSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.CompleteSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) failSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, fault.Validation("invalid JSON"))
			return
		}
	}
	sess, err := s.sessions.FailSession(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Checkpoints ---

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.sessions.ListCheckpoints(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if cps == nil {
		cps = []*models.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.sessions.CreateCheckpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) restoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.RestoreFromCheckpoint(r.Context(), r.PathValue("id"), r.PathValue("cpid"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Progress and events ---

func (s *Server) sessionProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	list := s.tracker.GetAll(id)
	if list == nil {
		list = []*models.TaskProgress{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}

	q := r.URL.Query()
	filter := persist.ReadFilter{}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeErr(w, fault.Validation("invalid since timestamp: %s", since))
			return
		}
		filter.Since = t
	}
	if typ := q.Get("type"); typ != "" {
		filter.Types = []models.EventType{models.EventType(typ)}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeErr(w, fault.Validation("invalid limit: %s", limit))
			return
		}
		filter.Limit = n
	}

	evs, err := s.events.Read(id, filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if evs == nil {
		evs = []models.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}
