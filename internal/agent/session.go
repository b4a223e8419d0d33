// Package agent runs the per-user voice pipeline: buffered PCM is segmented
// into utterances, each utterance is transcribed and answered, and progress is
// reported to the client as notifications.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"voiceagent/server/internal/asr"
	"voiceagent/server/internal/store"
	"voiceagent/server/internal/types"
	"voiceagent/server/internal/vad"
)

// Notification types emitted to the client.
const (
	TypeConversationStart = "conversation.start"
	TypeConversationEnd   = "conversation.end"
	TypeInputTranscript   = "input.transcript"
	TypeResponseText      = "response.text"
)

// DefaultPollInterval bounds how long buffered audio can wait when no wake-up
// arrives.
const DefaultPollInterval = 100 * time.Millisecond

// Notifier delivers a notification to the client that represents a user.
type Notifier interface {
	Notify(ctx context.Context, method string, data any) error
}

// Relay forwards reply text to the speech synthesis worker.
type Relay interface {
	RelayResponseText(ctx context.Context, roomID, userID, text string) error
}

// Chat answers recognized text within one session's conversation.
type Chat interface {
	Ask(ctx context.Context, text string) (string, error)
}

// Deps are the collaborators shared by every session of a registry.
type Deps struct {
	VAD           vad.Config
	NewClassifier func() vad.Classifier
	Transcriber   asr.Transcriber
	NewChat       func() Chat
	Relay         Relay
	Journal       *store.Store
	Logger        *slog.Logger
	PollInterval  time.Duration
	Now           func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Notification is the payload of every message a session emits.
type Notification struct {
	Type           string  `json:"type"`
	RoomID         string  `json:"roomId"`
	UserID         string  `json:"userId"`
	MsgIndex       int64   `json:"msgIndex"`
	ConversationID string  `json:"conversationId"`
	Ts             string  `json:"ts"`
	Ms             float64 `json:"ms"`
	Text           *string `json:"text,omitempty"`
}

// Session is the actor for one (room, user) pair.
type Session struct {
	RoomID string
	UserID string

	deps    Deps
	log     *slog.Logger
	seg     *vad.Segmenter
	chat    Chat
	created time.Time

	mu             sync.Mutex
	buf            []byte
	notifier       Notifier
	conversationID string
	started        bool
	closed         bool
	inSpeech       bool
	framesSeen     int64

	// emitMu keeps wire order equal to msgIndex order.
	emitMu   sync.Mutex
	msgIndex int64

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

func newSession(roomID, userID string, n Notifier, deps Deps) *Session {
	lg := deps.Logger
	if lg == nil {
		lg = slog.Default()
	}
	var cls vad.Classifier
	if deps.NewClassifier != nil {
		cls = deps.NewClassifier()
	} else {
		cls = vad.NewEnergyClassifier(0)
	}
	var chat Chat
	if deps.NewChat != nil {
		chat = deps.NewChat()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		RoomID:   roomID,
		UserID:   userID,
		deps:     deps,
		log:      lg.With("component", "agent", "room", roomID, "user", userID),
		seg:      vad.NewSegmenter(deps.VAD, cls),
		chat:     chat,
		created:  deps.now(),
		notifier: n,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
}

// Start launches the processing loop. Calling it again, or after Stop, does
// nothing.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.loop()
	s.log.Info("agent session started")
}

// Stop ends the session and waits for the loop, including a segment still
// being transcribed or answered. It is safe to call more than once.
func (s *Session) Stop() {
	_ = s.Close(context.Background())
}

// Close is Stop bounded by ctx. It returns ctx.Err() if ctx ends before the
// session has wound down; the session is closed either way.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	first := !s.closed
	s.closed = true
	started := s.started
	s.buf = nil
	s.mu.Unlock()

	if first {
		s.log.Info("stopping agent session")
	}
	s.cancel()

	if started {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
	if first {
		s.log.Info("agent session stopped")
	}
	return nil
}

// Submit appends PCM to the inbound buffer and wakes the loop. It reports
// false if the session is closed.
func (s *Session) Submit(audio []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metricRejectedAudio.Inc()
		s.log.Warn("ignoring audio, session is closed", "bytes", len(audio))
		return false
	}
	s.buf = append(s.buf, audio...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Notifier returns the transport currently bound to the session.
func (s *Session) Notifier() Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifier
}

// SetNotifier rebinds the session to another transport.
func (s *Session) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// Buffered is the number of bytes waiting for the loop.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Running reports whether the loop is alive.
func (s *Session) Running() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.loopDone:
		return false
	default:
		return true
	}
}

// Info returns a snapshot for listings.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	info := types.SessionInfo{
		RoomID:         s.RoomID,
		UserID:         s.UserID,
		ConversationID: s.conversationID,
		InSpeech:       s.inSpeech,
		FramesSeen:     s.framesSeen,
		CreatedAt:      s.created,
		Closed:         s.closed,
	}
	s.mu.Unlock()
	s.emitMu.Lock()
	info.MsgIndex = s.msgIndex
	s.emitMu.Unlock()
	return info
}

func (s *Session) loop() {
	defer close(s.loopDone)
	defer func() {
		if r := recover(); r != nil {
			metricLoopPanics.Inc()
			s.log.Error("processing loop panicked, session needs restart", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	poll := s.deps.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-t.C:
		}
		s.drain()
	}
}

// drain processes everything buffered so far as one chunk.
func (s *Session) drain() {
	s.mu.Lock()
	chunk := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(chunk) == 0 {
		return
	}

	events, err := s.seg.Process(chunk)
	for _, ev := range events {
		switch ev.Kind {
		case vad.EventSpeechStart:
			s.onSpeechStart(ev)
		case vad.EventSpeechEnd:
			s.onSpeechEnd(ev)
		}
	}
	if err != nil {
		metricPipelineErrors.WithLabelValues("vad").Inc()
		s.log.Error("audio chunk processing failed", "bytes", len(chunk), "err", err)
	}

	st := s.seg.State()
	s.mu.Lock()
	s.inSpeech = st.InSpeech
	s.framesSeen = s.seg.FramesSeen()
	s.mu.Unlock()
}

func (s *Session) onSpeechStart(ev vad.Event) {
	now := s.deps.now()
	id := fmt.Sprintf("%s_%s_%d", s.RoomID, s.UserID, now.UnixMilli())
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
	s.log.Info("speech start", "frame", ev.Frame, "pos", ev.Pos, "conversation", id)
	s.emit(TypeConversationStart, id, nil)
}

func (s *Session) onSpeechEnd(ev vad.Event) {
	seg := ev.Segment
	s.mu.Lock()
	id := s.conversationID
	s.mu.Unlock()
	s.log.Info("speech end", "frame", ev.Frame, "pos", ev.Pos,
		"duration_ms", seg.Duration.Milliseconds(), "frames", len(seg.Frames))
	s.emit(TypeConversationEnd, id, nil)
	s.runPipeline(seg, id)
}

// runPipeline transcribes one segment and answers it on the loop goroutine,
// so segments of one session are handled strictly in order. Failures are
// logged and end the segment quietly.
func (s *Session) runPipeline(seg *vad.Segment, conversationID string) {
	defer func() {
		if r := recover(); r != nil {
			metricPipelineErrors.WithLabelValues("panic").Inc()
			s.log.Error("segment pipeline panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	ctx := s.ctx
	if s.deps.Transcriber == nil {
		s.fail("asr", conversationID, fmt.Errorf("agent: no transcriber configured"))
		return
	}

	began := time.Now()
	text, err := s.deps.Transcriber.Transcribe(ctx, seg.Samples())
	metricASRLatency.Observe(time.Since(began).Seconds())
	if err != nil {
		s.fail("asr", conversationID, err)
		return
	}
	s.log.Info("recognized text", "conversation", conversationID, "text", text)
	s.emit(TypeInputTranscript, conversationID, &text)
	if text == "" || s.chat == nil {
		return
	}

	began = time.Now()
	reply, err := s.chat.Ask(ctx, text)
	metricLLMLatency.Observe(time.Since(began).Seconds())
	if err != nil {
		s.fail("llm", conversationID, err)
		return
	}
	if reply == "" {
		return
	}
	s.log.Info("llm response", "conversation", conversationID, "text", reply)
	s.emit(TypeResponseText, conversationID, &reply)

	if s.deps.Relay != nil && ctx.Err() == nil {
		if err := s.deps.Relay.RelayResponseText(ctx, s.RoomID, s.UserID, reply); err != nil {
			s.fail("relay", conversationID, err)
		}
	}
}

func (s *Session) fail(stage, conversationID string, err error) {
	if s.ctx.Err() != nil {
		// session is stopping; cancellation is not a backend failure
		return
	}
	metricPipelineErrors.WithLabelValues(stage).Inc()
	s.log.Error("segment pipeline failed", "stage", stage, "conversation", conversationID, "err", err)
	if s.deps.Journal != nil {
		s.deps.Journal.Append(store.Key(s.RoomID, s.UserID), "pipeline.error", map[string]any{
			"stage":          stage,
			"conversationId": conversationID,
			"error":          err.Error(),
		})
	}
}

// emit assigns the next message index and sends the notification. Index
// assignment and send happen under emitMu so indices reach the client in
// increasing order. Nothing is emitted once the session is stopping.
func (s *Session) emit(typ, conversationID string, text *string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.ctx.Err() != nil {
		s.log.Debug("session stopping, notification dropped", "type", typ)
		return
	}

	now := s.deps.now()
	n := Notification{
		Type:           typ,
		RoomID:         s.RoomID,
		UserID:         s.UserID,
		MsgIndex:       s.msgIndex,
		ConversationID: conversationID,
		Ts:             now.Format("2006-01-02 15:04:05.000"),
		Ms:             float64(now.UnixMicro()) / 1000,
		Text:           text,
	}
	s.msgIndex++
	metricNotifications.WithLabelValues(typ).Inc()

	if s.deps.Journal != nil {
		payload := map[string]any{"msgIndex": n.MsgIndex, "conversationId": conversationID}
		if text != nil {
			payload["text"] = *text
		}
		s.deps.Journal.Append(store.Key(s.RoomID, s.UserID), typ, payload)
	}

	notifier := s.Notifier()
	if notifier == nil {
		metricNotifyErrors.Inc()
		s.log.Warn("no transport bound, notification dropped", "type", typ)
		return
	}
	if err := notifier.Notify(s.ctx, typ, n); err != nil {
		metricNotifyErrors.Inc()
		s.log.Warn("notification failed", "type", typ, "err", err)
	}
}
