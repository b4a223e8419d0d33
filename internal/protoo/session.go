package protoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds Request when no other timeout is configured.
const DefaultRequestTimeout = 10 * time.Second

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Request ids are drawn uniformly from this range.
const (
	minRequestID = 10000000
	maxRequestID = 99999999
)

// Handler reacts to inbound traffic on a session. HandleRequest returns the
// response data, or an error: a *StatusError picks the response code, any
// other error is answered with 500. HandleNotification runs on the read loop,
// so notifications of one session are handled in arrival order. Closed is
// called once when the session ends.
type Handler interface {
	HandleRequest(ctx context.Context, s *Session, req *Request) (any, error)
	HandleNotification(ctx context.Context, s *Session, n *Notification)
	Closed(s *Session)
}

// SessionOptions configure a Session.
type SessionOptions struct {
	Peer           string
	RequestTimeout time.Duration
	// WriteTimeout bounds each frame write. The caller's context only
	// decides whether a write starts; a transport may drop the whole
	// connection when a write is interrupted, so it never sees that context.
	WriteTimeout time.Duration
	Logger       *slog.Logger
	// OnClose runs before Handler.Closed; the server uses it to unregister.
	OnClose func(*Session)
}

type result struct {
	data json.RawMessage
	err  error
}

// Session is one protocol connection.
type Session struct {
	id      string
	peer    string
	t       Transport
	h       Handler
	log     *slog.Logger
	timeout time.Duration
	wtime   time.Duration
	onClose func(*Session)

	mu      sync.Mutex
	pending map[int64]chan result
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	handlers  sync.WaitGroup
}

func NewSession(t Transport, h Handler, opts SessionOptions) *Session {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	wtime := opts.WriteTimeout
	if wtime <= 0 {
		wtime = DefaultWriteTimeout
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		peer:    opts.Peer,
		t:       t,
		h:       h,
		log:     lg.With("component", "protoo", "session", id, "peer", opts.Peer),
		timeout: timeout,
		wtime:   wtime,
		onClose: opts.OnClose,
		pending: make(map[int64]chan result),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Peer() string { return s.peer }

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run reads frames until the transport fails or ctx ends, then closes the
// session.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info("session opened")
	var err error
	for {
		var frame []byte
		frame, err = s.t.Read(ctx)
		if err != nil {
			break
		}
		s.handleFrame(ctx, frame)
	}
	s.Close()
	s.handlers.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	msg, err := Parse(frame)
	if err != nil {
		metricMessagesIn.WithLabelValues("invalid").Inc()
		s.log.Debug("dropping unparsable frame", "err", err, "frame", truncate(frame, 200))
		return
	}
	switch m := msg.(type) {
	case *Request:
		metricMessagesIn.WithLabelValues("request").Inc()
		// requests may block on outbound requests answered by this same
		// read loop, so they run off it
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleRequest(ctx, m)
		}()
	case *Response:
		metricMessagesIn.WithLabelValues("response").Inc()
		s.handleResponse(m)
	case *Notification:
		metricMessagesIn.WithLabelValues("notification").Inc()
		s.handleNotification(ctx, m)
	}
}

func (s *Session) handleRequest(ctx context.Context, req *Request) {
	if err := ValidateRequest(req); err != nil {
		s.respondError(ctx, req, err)
		return
	}
	data, err := s.dispatchRequest(ctx, req)
	if err != nil {
		s.respondError(ctx, req, err)
		return
	}
	b, err := EncodeResponseOK(req.ID, data)
	if err != nil {
		s.respondError(ctx, req, fmt.Errorf("encode response: %w", err))
		return
	}
	s.send(ctx, "response", b)
}

func (s *Session) dispatchRequest(ctx context.Context, req *Request) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("request handler panicked", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return s.h.HandleRequest(ctx, s, req)
}

func (s *Session) respondError(ctx context.Context, req *Request, err error) {
	code, reason := 500, "Internal error"
	var se *StatusError
	if errors.As(err, &se) {
		code, reason = se.Code, se.Reason
	} else {
		s.log.Error("request failed", "method", req.Method, "id", string(req.ID), "err", err)
	}
	metricRequestErrors.WithLabelValues(strconv.Itoa(code)).Inc()
	b, encErr := EncodeResponseError(req.ID, code, reason)
	if encErr != nil {
		s.log.Error("encode error response", "err", encErr)
		return
	}
	s.send(ctx, "response", b)
}

func (s *Session) handleResponse(res *Response) {
	id, ok := res.NumericID()
	if !ok {
		s.log.Debug("response with non-numeric id", "id", string(res.ID))
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("response for unknown request id", "id", id)
		return
	}
	r := result{data: res.Data}
	if !res.OK {
		reason := res.ErrorReason
		if reason == "" {
			reason = "Unknown error"
		}
		r = result{err: &StatusError{Code: res.ErrorCode, Reason: reason}}
	}
	select {
	case ch <- r:
	default:
		s.log.Debug("duplicate response", "id", id)
	}
}

func (s *Session) handleNotification(ctx context.Context, n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("notification handler panicked", "method", n.Method, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.h.HandleNotification(ctx, s, n)
}

// Request sends method to the peer and waits for its response. It fails
// with an error wrapping ErrTimeout when no response arrives in time, a
// *StatusError on ok:false, or ErrClosed if the session closes first. The
// pending entry is removed in every case.
func (s *Session) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	ch := make(chan result, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var id int64
	for {
		id = minRequestID + rand.Int64N(maxRequestID-minRequestID+1)
		if _, taken := s.pending[id]; !taken {
			break
		}
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	b, err := EncodeRequest(id, method, data)
	if err != nil {
		return nil, fmt.Errorf("protoo: encode request %s: %w", method, err)
	}
	if err := s.write(ctx, "request", b); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		metricTimeouts.Inc()
		return nil, fmt.Errorf("protoo: request %s (id=%d) after %s: %w", method, id, s.timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// Pending is the number of outbound requests awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Notify sends a notification.
func (s *Session) Notify(ctx context.Context, method string, data any) error {
	b, err := EncodeNotification(method, data)
	if err != nil {
		return fmt.Errorf("protoo: encode notification %s: %w", method, err)
	}
	return s.write(ctx, "notification", b)
}

func (s *Session) write(ctx context.Context, kind string, b []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.wtime)
	defer cancel()
	if err := s.t.Write(wctx, b); err != nil {
		return err
	}
	metricMessagesOut.WithLabelValues(kind).Inc()
	return nil
}

// send writes a frame the peer does not acknowledge; failures are only
// logged.
func (s *Session) send(ctx context.Context, kind string, b []byte) {
	if err := s.write(ctx, kind, b); err != nil {
		s.log.Debug("send failed", "kind", kind, "err", err)
	}
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		if err := s.t.Close(CloseNormal, "closed"); err != nil {
			s.log.Debug("transport close", "err", err)
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		if s.h != nil {
			s.h.Closed(s)
		}
		s.log.Info("session closed")
	})
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
