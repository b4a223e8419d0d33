package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"voiceagent/server/internal/health"
	"voiceagent/server/internal/store"
	"voiceagent/server/internal/types"
)

// Sessions is the agent registry as seen by the admin API.
type Sessions interface {
	List() []types.SessionInfo
	Remove(roomID, userID string) bool
}

// Worker describes the supervised worker process.
type Worker interface {
	Info() types.WorkerInfo
}

type Handlers struct {
	sessions Sessions
	journal  *store.Store
	worker   Worker
	ready    func(ctx context.Context) health.HealthStatus
	log      *slog.Logger
}

func NewHandlers(sessions Sessions, journal *store.Store, w Worker, ready func(ctx context.Context) health.HealthStatus, lg *slog.Logger) *Handlers {
	if lg == nil {
		lg = slog.Default()
	}
	return &Handlers{sessions: sessions, journal: journal, worker: w, ready: ready, log: lg.With("component", "api")}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response", "err", err)
	}
}

func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	st := h.ready(r.Context())
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, st)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	if list == nil {
		list = []types.SessionInfo{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, roomID, userID string) {
	key := store.Key(roomID, userID)
	events := h.journal.List(key)
	if len(events) == 0 && !h.live(roomID, userID) {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"session": key,
		"events":  events,
	})
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request, roomID, userID string) {
	removed := h.sessions.Remove(roomID, userID)
	dropped := h.journal.Delete(store.Key(roomID, userID))
	if !removed && !dropped {
		http.NotFound(w, r)
		return
	}
	h.log.Info("session deleted", "room", roomID, "user", userID, "was_live", removed)
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "was_live": removed})
}

func (h *Handlers) HandleWorker(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, h.worker.Info())
}

func (h *Handlers) live(roomID, userID string) bool {
	for _, s := range h.sessions.List() {
		if s.RoomID == roomID && s.UserID == userID {
			return true
		}
	}
	return false
}
