package protoo

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// ServerOptions configure a Server.
type ServerOptions struct {
	// Subpath is the only accepted request path, e.g. "/voiceagent".
	Subpath        string
	ReadLimit      int64
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// Server accepts websocket connections and owns the live sessions.
type Server struct {
	opts ServerOptions
	h    Handler
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewServer(opts ServerOptions, h Handler) *Server {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if opts.Subpath == "" {
		opts.Subpath = "/"
	}
	return &Server{
		opts:     opts,
		h:        h,
		log:      lg.With("component", "protoo-server"),
		sessions: make(map[*Session]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept", "peer", r.RemoteAddr, "err", err)
		return
	}
	if r.URL.Path != s.opts.Subpath {
		metricRejected.Inc()
		s.log.Warn("rejecting connection on wrong path", "peer", r.RemoteAddr, "path", r.URL.Path, "want", s.opts.Subpath)
		_ = c.Close(websocket.StatusPolicyViolation, "invalid path")
		return
	}
	if s.opts.ReadLimit > 0 {
		c.SetReadLimit(s.opts.ReadLimit)
	}
	s.Serve(r.Context(), NewWSTransport(c), r.RemoteAddr)
}

// Serve runs a session over an already accepted transport until it ends.
func (s *Server) Serve(ctx context.Context, t Transport, peer string) {
	sess := NewSession(t, s.h, SessionOptions{
		Peer:           peer,
		RequestTimeout: s.opts.RequestTimeout,
		WriteTimeout:   s.opts.WriteTimeout,
		Logger:         s.log,
		OnClose:        s.unregister,
	})
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	metricConnections.Inc()

	if err := sess.Run(ctx); err != nil {
		s.log.Debug("session ended", "session", sess.ID(), "peer", peer, "err", err)
	}
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if ok {
		metricConnections.Dec()
	}
}

// Sessions returns the live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Broadcast notifies every live session concurrently. A failed send is
// logged and does not stop the others; all failures are returned joined.
func (s *Server) Broadcast(ctx context.Context, method string, data any) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sess := range s.Sessions() {
		g.Go(func() error {
			if err := sess.Notify(ctx, method, data); err != nil {
				s.log.Warn("broadcast send failed", "session", sess.ID(), "peer", sess.Peer(), "method", method, "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every live session.
func (s *Server) Close() {
	for _, sess := range s.Sessions() {
		sess.Close()
	}
}
