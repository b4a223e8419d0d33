package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"voiceagent/server/internal/types"
)

// ErrNoTransport is returned when a session must be created but no transport
// was supplied to bind it to.
var ErrNoTransport = errors.New("agent: no session for key and no transport to create one")

type key struct {
	room string
	user string
}

// Registry owns every agent session, keyed by (room, user).
type Registry struct {
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[key]*Session
}

func NewRegistry(deps Deps) *Registry {
	lg := deps.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Registry{
		deps:     deps,
		log:      lg.With("component", "registry"),
		sessions: make(map[key]*Session),
	}
}

// GetOrCreate returns the session for (room, user), creating and starting it
// bound to n when absent. Creation happens under the registry lock, so
// concurrent callers for one key always get the same session.
func (r *Registry) GetOrCreate(roomID, userID string, n Notifier) (*Session, error) {
	k := key{roomID, userID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[k]; ok {
		return s, nil
	}
	if n == nil {
		return nil, ErrNoTransport
	}
	s := newSession(roomID, userID, n, r.deps)
	s.Start()
	r.sessions[k] = s
	metricSessions.Inc()
	r.log.Info("agent session created", "room", roomID, "user", userID)
	return s, nil
}

func (r *Registry) Get(roomID, userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key{roomID, userID}]
	return s, ok
}

// Remove stops and forgets the session. It reports false if there was none.
func (r *Registry) Remove(roomID, userID string) bool {
	k := key{roomID, userID}
	r.mu.Lock()
	s, ok := r.sessions[k]
	delete(r.sessions, k)
	r.mu.Unlock()
	if !ok {
		return false
	}
	metricSessions.Dec()
	s.Stop()
	return true
}

// SubmitAudio routes PCM to the user's session, creating it when needed.
// A non-nil n also rebinds an existing session to that transport.
func (r *Registry) SubmitAudio(roomID, userID string, pcm []byte, n Notifier) error {
	s, err := r.GetOrCreate(roomID, userID, n)
	if err != nil {
		return err
	}
	if n != nil && s.Notifier() != n {
		s.SetNotifier(n)
	}
	s.Submit(pcm)
	return nil
}

// DropNotifier removes every session bound to n and returns how many there
// were. Called when a connection goes away.
func (r *Registry) DropNotifier(n Notifier) int {
	r.mu.Lock()
	var victims []*Session
	for k, s := range r.sessions {
		if s.Notifier() == n {
			victims = append(victims, s)
			delete(r.sessions, k)
		}
	}
	r.mu.Unlock()
	for _, s := range victims {
		metricSessions.Dec()
		s.Stop()
	}
	return len(victims)
}

// List returns a snapshot of all sessions ordered by room then user.
func (r *Registry) List() []types.SessionInfo {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]types.SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops every session in parallel. A session that fails to wind
// down before ctx ends is logged and does not hold up the others.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[key]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for k, s := range all {
		g.Go(func() error {
			metricSessions.Dec()
			if err := s.Close(ctx); err != nil {
				r.log.Error("agent session did not stop", "room", k.room, "user", k.user, "err", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	r.log.Info("agent sessions shut down", "count", len(all))
	return err
}
