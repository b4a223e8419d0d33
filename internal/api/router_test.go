package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voiceagent/server/internal/health"
	"voiceagent/server/internal/store"
	"voiceagent/server/internal/types"
)

type mockSessions struct {
	list    []types.SessionInfo
	removed []string
}

func (m *mockSessions) List() []types.SessionInfo { return m.list }

func (m *mockSessions) Remove(roomID, userID string) bool {
	for i, s := range m.list {
		if s.RoomID == roomID && s.UserID == userID {
			m.list = append(m.list[:i], m.list[i+1:]...)
			m.removed = append(m.removed, roomID+"/"+userID)
			return true
		}
	}
	return false
}

type mockWorker struct{}

func (mockWorker) Info() types.WorkerInfo { return types.WorkerInfo{State: "running", PID: 42, Restarts: 1} }

func newTestServer(t *testing.T, ready bool) (*httptest.Server, *mockSessions, *store.Store) {
	t.Helper()
	ms := &mockSessions{list: []types.SessionInfo{{RoomID: "r1", UserID: "alice", CreatedAt: time.Now()}}}
	st := store.New()
	st.Append(store.Key("r1", "alice"), "conversation.start", map[string]any{"msgIndex": 0})
	st.Append(store.Key("r9", "gone"), "conversation.end", nil)
	h := NewHandlers(ms, st, mockWorker{}, func(context.Context) health.HealthStatus {
		return health.HealthStatus{OK: ready, Checks: []health.CheckResult{{Name: "llm", OK: ready}}}
	}, nil)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, ms, st
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProbes(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	if resp := do(t, http.MethodGet, srv.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/metrics"); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics %d", resp.StatusCode)
	}

	down, _, _ := newTestServer(t, false)
	resp := do(t, http.MethodGet, down.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var st health.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil || st.OK || len(st.Checks) != 1 {
		t.Fatalf("unexpected body %+v (%v)", st, err)
	}
}

func TestListSessionsAndEvents(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	resp := do(t, http.MethodGet, srv.URL+"/sessions")
	var list struct {
		Sessions []types.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || len(list.Sessions) != 1 || list.Sessions[0].UserID != "alice" {
		t.Fatalf("sessions %+v (%v)", list, err)
	}

	resp = do(t, http.MethodGet, srv.URL+"/sessions/r1/alice/events")
	var ev struct {
		Session string        `json:"session"`
		Events  []types.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil || ev.Session != "r1/alice" || len(ev.Events) != 1 || ev.Events[0].Type != "conversation.start" {
		t.Fatalf("events %+v (%v)", ev, err)
	}

	// journal outlives the live session
	if resp := do(t, http.MethodGet, srv.URL+"/sessions/r9/gone/events"); resp.StatusCode != http.StatusOK {
		t.Fatalf("journal of ended session: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/sessions/nobody/here/events"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, ms, st := newTestServer(t, true)

	if resp := do(t, http.MethodDelete, srv.URL+"/sessions/r1/alice"); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete %d", resp.StatusCode)
	}
	if len(ms.removed) != 1 || len(st.List(store.Key("r1", "alice"))) != 0 {
		t.Fatalf("session not removed: %v", ms.removed)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/sessions/r1/alice"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/sessions/r1/alice"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET on session: expected 405, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/sessions/r1"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("partial path: expected 404, got %d", resp.StatusCode)
	}
}

func TestWorkerInfo(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	resp := do(t, http.MethodGet, srv.URL+"/worker")
	var info types.WorkerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil || info.State != "running" || info.PID != 42 {
		t.Fatalf("worker info %+v (%v)", info, err)
	}
}
