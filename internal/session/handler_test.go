package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridcollab/internal/collab"
	"gridcollab/internal/session/model"
	"gridcollab/internal/session/repository"
	"gridcollab/internal/session/service"
)

type discard struct{}

func (discard) Subscribe(string, string, string)       {}
func (discard) Unsubscribe(string, string)             {}
func (discard) Send(string, collab.Event)              {}
func (discard) Broadcast(string, collab.Event, string) {}
func (discard) Evict(string)                           {}

func newHandler(t *testing.T, settings collab.Settings) (*SessionHandler, *collab.Dispatcher) {
	t.Helper()
	store := collab.NewStore(collab.NewColorAllocator(), collab.WithDefaultSettings(settings))
	d := collab.NewDispatcher(collab.DispatcherConfig{Store: store, Broadcaster: discard{}})
	return NewSessionHandler(service.NewSessionService(d)), d
}

func join(t *testing.T, d *collab.Dispatcher, connID, sessionID, userID string) {
	t.Helper()
	d.Connect(connID)
	require.NoError(t, d.Handle(context.Background(), connID, collab.JoinSession{SessionID: sessionID, UserID: userID}))
}

func do(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestListSessions(t *testing.T) {
	h, d := newHandler(t, collab.DefaultSettings())
	join(t, d, "c1", "s1", "alice")

	rec := do(h.ListSessions, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []model.SessionSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)
	assert.Equal(t, 1, got[0].OnlineUsers)
}

func TestGetSession(t *testing.T) {
	h, d := newHandler(t, collab.DefaultSettings())
	join(t, d, "c1", "s1", "alice")

	rec := do(h.GetSession, http.MethodGet, "/api/sessions/get?sessionId=s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sess collab.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.Equal(t, "alice", sess.ActiveUsers[0].ID)

	assert.Equal(t, http.StatusNotFound, do(h.GetSession, http.MethodGet, "/api/sessions/get?sessionId=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h.GetSession, http.MethodGet, "/api/sessions/get", "").Code)
}

func TestGetActiveUsersUnknownSession(t *testing.T) {
	h, _ := newHandler(t, collab.DefaultSettings())

	rec := do(h.GetActiveUsers, http.MethodGet, "/api/sessions/users?sessionId=nope", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestUpdateSettingsHandler(t *testing.T) {
	h, d := newHandler(t, collab.DefaultSettings())
	join(t, d, "c1", "s1", "alice")

	rec := do(h.UpdateSettings, http.MethodPut, "/api/sessions/settings?sessionId=s1", `{"enableCursorSync":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings collab.Settings
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&settings))
	assert.False(t, settings.EnableCursorSync)
	assert.True(t, settings.EnableSelectionSync)

	assert.Equal(t, http.StatusBadRequest, do(h.UpdateSettings, http.MethodPut, "/api/sessions/settings?sessionId=s1", `{"conflictResolution":"dice"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h.UpdateSettings, http.MethodPut, "/api/sessions/settings?sessionId=s1", `{`).Code)
	assert.Equal(t, http.StatusNotFound, do(h.UpdateSettings, http.MethodPut, "/api/sessions/settings?sessionId=nope", `{}`).Code)
}

func TestDestroySessionHandler(t *testing.T) {
	h, d := newHandler(t, collab.DefaultSettings())
	join(t, d, "c1", "s1", "alice")

	rec := do(h.DestroySession, http.MethodDelete, "/api/sessions/destroy?sessionId=s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessionId":"s1","destroyed":true}`, rec.Body.String())

	rec = do(h.DestroySession, http.MethodDelete, "/api/sessions/destroy?sessionId=s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessionId":"s1","destroyed":false}`, rec.Body.String())
}

func TestResolveConflictHandler(t *testing.T) {
	settings := collab.DefaultSettings()
	settings.ConflictResolution = collab.PolicyManual
	h, d := newHandler(t, settings)
	join(t, d, "c1", "s1", "alice")
	join(t, d, "c2", "s1", "bob")

	ctx := context.Background()
	cell := collab.Position{Row: 0, Col: 0}
	require.NoError(t, d.Handle(ctx, "c1", collab.ChangeCell{SessionID: "s1", Position: cell, NewValue: 1.0}))
	require.NoError(t, d.Handle(ctx, "c2", collab.ChangeCell{SessionID: "s1", Position: cell, NewValue: 2.0}))

	rec := do(h.GetPendingConflicts, http.MethodGet, "/api/sessions/conflicts?sessionId=s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []collab.EditConflict
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pending))
	require.Len(t, pending, 1)

	body := `{"sessionId":"s1","conflictId":"` + pending[0].ID + `","value":3}`
	rec = do(h.ResolveConflict, http.MethodPost, "/api/sessions/conflicts/resolve", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var res collab.ConflictResolution
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, collab.ResolutionManual, res.Resolution)
	assert.Equal(t, 3.0, res.ResolvedValue)
	assert.Equal(t, "admin", res.ResolvedBy)

	assert.Equal(t, http.StatusNotFound, do(h.ResolveConflict, http.MethodPost, "/api/sessions/conflicts/resolve", body).Code)
	assert.Equal(t, http.StatusBadRequest, do(h.ResolveConflict, http.MethodPost, "/api/sessions/conflicts/resolve", `{"sessionId":"s1"}`).Code)

	rec = do(h.GetPendingConflicts, http.MethodGet, "/api/sessions/conflicts?sessionId=s1", "")
	assert.JSONEq(t, "[]", rec.Body.String())
}

type fixedCount int

func (n fixedCount) ConnectionCount() int { return int(n) }

func TestHealth(t *testing.T) {
	h, d := newHandler(t, collab.DefaultSettings())
	join(t, d, "c1", "s1", "alice")

	health := NewHealthHandler(fixedCount(3), h.Service, nil)
	rec := do(health.Health, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":3,"sessions":1,"database":"disabled"}`, rec.Body.String())
}

func TestHealthDatabaseDown(t *testing.T) {
	h, _ := newHandler(t, collab.DefaultSettings())
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectPing().WillReturnError(errors.New("no route to host"))

	health := NewHealthHandler(fixedCount(0), h.Service, repository.NewPermissionRepository(db))
	rec := do(health.Health, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","connections":0,"sessions":0,"database":"unavailable"}`, rec.Body.String())
}
