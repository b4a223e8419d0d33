package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voiceagent/server/internal/types"
)

// MaxEvents caps the journal of a single session.
const MaxEvents = 200

// EventTruncated is appended when older events were dropped.
const EventTruncated = "events_truncated"

// Store is an in-memory per-session event journal keyed by Key(room, user).
type Store struct {
	mu     sync.RWMutex
	events map[string][]types.Event
}

func New() *Store {
	return &Store{events: make(map[string][]types.Event)}
}

// Key joins a room and user id into a journal key.
func Key(roomID, userID string) string { return roomID + "/" + userID }

// Append records an event and returns it.
func (s *Store) Append(key, typ string, payload map[string]any) types.Event {
	evt := types.Event{ID: uuid.NewString(), Type: typ, Ts: time.Now().UTC(), Payload: payload}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[key] = append(s.events[key], evt)
	if l := len(s.events[key]); l > MaxEvents {
		// leave room for the truncation marker so the total stays at MaxEvents
		keep := MaxEvents - 1
		dropped := l - keep
		s.events[key] = append([]types.Event(nil), s.events[key][l-keep:]...)
		warn := types.Event{
			ID:      uuid.NewString(),
			Type:    EventTruncated,
			Ts:      time.Now().UTC(),
			Payload: map[string]any{"session": key, "dropped": dropped, "kept": keep},
		}
		s.events[key] = append(s.events[key], warn)
	}
	return evt
}

// List returns a copy of the journal for key.
func (s *Store) List(key string) []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[key]
	out := make([]types.Event, len(src))
	copy(out, src)
	return out
}

// Keys returns every journal key in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.events))
	for k := range s.events {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Delete drops the journal for key. It reports whether one existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[key]
	delete(s.events, key)
	return ok
}
