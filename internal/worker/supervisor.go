// Package worker supervises the external transcoding/synthesis worker and
// relays audio and text between clients and the worker's protocol session.
package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"voiceagent/server/internal/auth"
	"voiceagent/server/internal/types"
)

// DefaultRestartDelay is the fixed pause between an exit and the next launch.
const DefaultRestartDelay = 5 * time.Second

// Subject is the echo type the worker announces itself with and the subject
// of its token.
const Subject = "voiceagent_worker"

// TokenEnv carries the worker token into the child environment.
const TokenEnv = "VOICEAGENT_WORKER_TOKEN"

// ErrNoWorker is returned by relays while no worker session is known.
var ErrNoWorker = errors.New("worker: no worker session")

// Peer is a protocol session the supervisor can address.
type Peer interface {
	ID() string
	Notify(ctx context.Context, method string, data any) error
}

type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateExited
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Options configure a Supervisor.
type Options struct {
	Bin          string
	ConfigPath   string
	RestartDelay time.Duration
	TokenSecret  string
	TokenTTL     time.Duration
	Logger       *slog.Logger
}

// Supervisor keeps exactly one worker process alive and tracks which
// protocol sessions speak for the worker and for each user.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	// OnStart and OnExit are optional hooks run on the supervision goroutine.
	OnStart func(pid int)
	OnExit  func(code int, err error)

	after func(time.Duration) <-chan time.Time

	mu           sync.Mutex
	state        State
	pid          int
	starts       int
	lastExitCode int
	lastExitAt   time.Time
	aliveMs      int64
	aliveAt      time.Time
	worker       Peer
	users        map[string]Peer
}

func New(opts Options) *Supervisor {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Supervisor{
		opts:  opts,
		log:   lg.With("component", "worker"),
		after: time.After,
		users: make(map[string]Peer),
	}
}

// Run launches the worker and relaunches it after every exit until ctx is
// cancelled. Worker failures never end Run.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}
		s.log.Info("restarting worker process", "delay", s.opts.RestartDelay)
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return nil
		case <-s.after(s.opts.RestartDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) {
	s.setState(StateStarting)
	cmd := exec.CommandContext(ctx, s.opts.Bin, s.opts.ConfigPath)
	cmd.Env = os.Environ()
	if s.opts.TokenSecret != "" {
		tok := auth.IssueWorkerToken(s.opts.TokenSecret, Subject, s.opts.TokenTTL, time.Now())
		cmd.Env = append(cmd.Env, TokenEnv+"="+tok)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.exited(-1, err)
		return
	}
	defer stdin.Close()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.exited(-1, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.exited(-1, err)
		return
	}
	if err := cmd.Start(); err != nil {
		s.log.Error("worker start failed", "bin", s.opts.Bin, "err", err)
		s.exited(-1, err)
		return
	}
	metricStarts.Inc()

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.state = StateRunning
	s.pid = pid
	s.starts++
	s.mu.Unlock()
	s.log.Info("worker process started", "cmd", s.opts.Bin+" "+s.opts.ConfigPath, "pid", pid)
	if s.OnStart != nil {
		s.OnStart(pid)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.stream(stdout, slog.LevelInfo, "stdout")
	}()
	go func() {
		defer wg.Done()
		s.stream(stderr, slog.LevelError, "stderr")
	}()
	// pipes must be drained before Wait
	wg.Wait()
	err = cmd.Wait()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	s.exited(code, err)
}

func (s *Supervisor) exited(code int, err error) {
	s.mu.Lock()
	s.state = StateExited
	s.pid = 0
	s.lastExitCode = code
	s.lastExitAt = time.Now()
	s.mu.Unlock()

	if code != 0 {
		metricExits.WithLabelValues("failure").Inc()
		s.log.Error("worker process exited", "exit_code", code, "err", err)
	} else {
		metricExits.WithLabelValues("success").Inc()
		s.log.Info("worker process exited", "exit_code", code)
	}
	if s.OnExit != nil {
		s.OnExit(code, err)
	}
}

func (s *Supervisor) stream(r io.Reader, level slog.Level, name string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.log.Log(context.Background(), level, "worker "+name, "line", sc.Text())
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Keepalive records a liveness ping from the worker and makes peer the
// session that speaks for it.
func (s *Supervisor) Keepalive(ts int64, peer Peer) {
	metricKeepalives.Inc()
	s.mu.Lock()
	s.aliveMs = ts
	s.aliveAt = time.Now()
	s.worker = peer
	s.mu.Unlock()
	s.log.Debug("worker keepalive", "ts", ts, "session", peer.ID())
}

// LastKeepalive returns when the last keepalive arrived and the timestamp it
// carried. The zero time means none has arrived yet.
func (s *Supervisor) LastKeepalive() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveAt, s.aliveMs
}

// WorkerPeer returns the session currently speaking for the worker.
func (s *Supervisor) WorkerPeer() (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker, s.worker != nil
}

// OpusData is relayed to the worker for decoding.
type OpusData struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	OpusBase64 string `json:"opus_base64"`
}

// ResponseText is relayed to the worker for speech synthesis.
type ResponseText struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// RelayOpus remembers client as the session for userID and forwards the
// opus payload to the worker.
func (s *Supervisor) RelayOpus(ctx context.Context, roomID, userID, opusB64 string, client Peer) error {
	s.mu.Lock()
	w := s.worker
	if w == nil {
		s.mu.Unlock()
		metricRelayDropped.WithLabelValues("opus_data").Inc()
		s.log.Error("no worker session, dropping opus data", "room", roomID, "user", userID)
		return ErrNoWorker
	}
	s.users[userID] = client
	s.mu.Unlock()

	err := w.Notify(ctx, "opus_data", OpusData{Type: "opus_data", RoomID: roomID, UserID: userID, OpusBase64: opusB64})
	if err != nil {
		s.log.Error("send opus data to worker", "room", roomID, "user", userID, "err", err)
		return err
	}
	metricRelayed.WithLabelValues("opus_data").Inc()
	return nil
}

// RelayResponseText forwards reply text to the worker.
func (s *Supervisor) RelayResponseText(ctx context.Context, roomID, userID, text string) error {
	w, ok := s.WorkerPeer()
	if !ok {
		metricRelayDropped.WithLabelValues("response.text").Inc()
		s.log.Error("no worker session, dropping response text", "room", roomID, "user", userID)
		return ErrNoWorker
	}
	s.log.Info("send response text to worker", "room", roomID, "user", userID, "text", text)
	err := w.Notify(ctx, "response.text", ResponseText{Type: "response.text", RoomID: roomID, UserID: userID, Text: text})
	if err != nil {
		return err
	}
	metricRelayed.WithLabelValues("response.text").Inc()
	return nil
}

// LookupSession returns the client session last seen for userID.
func (s *Supervisor) LookupSession(userID string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	return p, ok
}

// Forget drops every reference to peer, typically after its connection
// closed.
func (s *Supervisor) Forget(peer Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == peer {
		s.worker = nil
	}
	for u, p := range s.users {
		if p == peer {
			delete(s.users, u)
		}
	}
}

// Info returns a snapshot for the admin API.
func (s *Supervisor) Info() types.WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := types.WorkerInfo{
		State:        s.state.String(),
		PID:          s.pid,
		LastExitCode: s.lastExitCode,
	}
	if s.starts > 0 {
		info.Restarts = s.starts - 1
	}
	if !s.lastExitAt.IsZero() {
		at := s.lastExitAt
		info.LastExitAt = &at
	}
	if !s.aliveAt.IsZero() {
		at := s.aliveAt
		info.LastKeepalive = &at
	}
	return info
}
