package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/persist"
	"github.com/mstanton/muster/internal/progress"
	"github.com/mstanton/muster/internal/provider"
	"github.com/mstanton/muster/internal/sessions"
	"github.com/mstanton/muster/internal/store"
)

func setupTestServer(t *testing.T) (http.Handler, *sessions.Manager, provider.Provider) {
	t.Helper()
	state, err := persist.NewStateStore(t.TempDir())
	require.NoError(t, err)
	events, err := persist.NewEventLog(t.TempDir())
	require.NoError(t, err)
	idx, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, idx.Migrate(context.Background()))
	t.Cleanup(func() { _ = idx.Close() })

	prov := provider.NewLocal(idx)
	tracker := progress.NewTracker(events, nil)
	mgr := sessions.NewManager(state, events, idx, prov, nil, sessions.WithTracker(tracker))
	srv := NewServer(mgr, tracker, events, nil)
	return srv.Router(), mgr, prov
}

func createTestSession(t *testing.T, router http.Handler) models.Session {
	t.Helper()
	body := `{"new_task": {"title": "add retry logic"}}`
	req := httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sess models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return sess
}

func TestListSessions_Empty(t *testing.T) {
	router, _, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestSessionLifecycle_API(t *testing.T) {
	router, _, _ := setupTestServer(t)
	sess := createTestSession(t, router)
	assert.Equal(t, models.SessionStatusActive, sess.Status)
	assert.NotEmpty(t, sess.TaskID)

	// Get
	req := httptest.NewRequest("GET", "/api/v1/sessions/"+sess.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Pause
	req = httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/pause", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var paused models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &paused))
	assert.Equal(t, models.SessionStatusPaused, paused.Status)

	// Resume
	req = httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/resume", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Complete
	req = httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/complete", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Pausing a completed session maps a validation fault to 400.
	req = httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/pause", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// List reflects the terminal state.
	req = httptest.NewRequest("GET", "/api/v1/sessions?status=completed", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var list []*models.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)
}

func TestFailSession_API(t *testing.T) {
	router, _, _ := setupTestServer(t)
	sess := createTestSession(t, router)

	body := `{"reason": "runner host went away"}`
	req := httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/fail", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var failed models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.Equal(t, models.SessionStatusFailed, failed.Status)
	assert.Equal(t, "runner host went away", failed.FailureReason)
}

func TestCreateSession_Validation(t *testing.T) {
	router, _, _ := setupTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewBufferString(`{"task_id": "nope"}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	router, _, _ := setupTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/sessions/ghost", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckpoints_API(t *testing.T) {
	router, _, _ := setupTestServer(t)
	sess := createTestSession(t, router)

	req := httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/checkpoints", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
	var cp models.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cp))
	assert.NotEmpty(t, cp.ID)

	req = httptest.NewRequest("GET", "/api/v1/sessions/"+sess.ID+"/checkpoints", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var cps []*models.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cps))
	assert.Len(t, cps, 2, "creation checkpoint plus the explicit one")

	req = httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/checkpoints/"+cp.ID+"/restore", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/checkpoints/missing/restore", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionEvents_API(t *testing.T) {
	router, _, _ := setupTestServer(t)
	sess := createTestSession(t, router)

	req := httptest.NewRequest("POST", "/api/v1/sessions/"+sess.ID+"/pause", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/api/v1/sessions/"+sess.ID+"/events?type=session_paused", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var evs []models.SessionEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventSessionPaused, evs[0].Type)
}

func TestSessionProgress_API(t *testing.T) {
	router, _, _ := setupTestServer(t)
	sess := createTestSession(t, router)

	req := httptest.NewRequest("GET", "/api/v1/sessions/"+sess.ID+"/progress", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestDeleteSession_API(t *testing.T) {
	router, _, _ := setupTestServer(t)
	sess := createTestSession(t, router)

	req := httptest.NewRequest("DELETE", "/api/v1/sessions/"+sess.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest("GET", "/api/v1/sessions/"+sess.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
