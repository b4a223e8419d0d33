package protoo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"voiceagent/server/internal/agent"
	"voiceagent/server/internal/auth"
	"voiceagent/server/internal/worker"
)

// Worker is the part of the worker supervisor the gateway drives.
type Worker interface {
	Keepalive(ts int64, peer worker.Peer)
	RelayOpus(ctx context.Context, roomID, userID, opusB64 string, client worker.Peer) error
	LookupSession(userID string) (worker.Peer, bool)
	Forget(peer worker.Peer)
}

// Sessions is the part of the agent registry the gateway drives.
type Sessions interface {
	SubmitAudio(roomID, userID string, pcm []byte, n agent.Notifier) error
	DropNotifier(n agent.Notifier) int
}

// Gateway is the voice-agent Handler: it answers echo keepalives, routes
// client opus to the worker, worker PCM to the agent pipeline and worker
// synthesized audio back to clients.
type Gateway struct {
	Worker   Worker
	Sessions Sessions
	// TokenSecret, when set, requires worker echoes to carry a valid token.
	TokenSecret string
	TokenSkew   time.Duration
	Logger      *slog.Logger
}

func (g *Gateway) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// EchoData is the payload of an echo request.
type EchoData struct {
	Type  string
	Ts    int64
	Token string
}

// AudioAppend is the payload of input_audio_buffer.append.
type AudioAppend struct {
	RoomID string
	UserID string
	Audio  string
	Codec  string
}

// PCMData is the payload of pcm_data: base64 PCM decoded by the worker.
type PCMData struct {
	RoomID string
	UserID string
	Msg    string
}

// TTSOpusData is the payload of tts_opus_data: synthesized speech from the
// worker, TaskIndex correlating it with one reply.
type TTSOpusData struct {
	RoomID    string
	UserID    string
	Msg       string
	TaskIndex int64
}

// TTSOut is what clients receive for synthesized speech.
type TTSOut struct {
	Type           string `json:"type"`
	RoomID         string `json:"roomId"`
	UserID         string `json:"userId"`
	Msg            string `json:"msg"`
	Ms             int64  `json:"ms"`
	ConversationID string `json:"conversationId"`
}

func (g *Gateway) HandleRequest(ctx context.Context, s *Session, req *Request) (any, error) {
	switch req.Method {
	case "echo":
		return g.echo(s, req)
	case "register":
		f, err := fields(req.Data)
		if err != nil {
			return nil, BadRequest("Invalid data")
		}
		var id string
		if !str(f, "id", &id) || id == "" {
			return nil, BadRequest("Invalid id")
		}
		g.log().Warn("register requested, not supported", "id", id, "peer", s.Peer())
		return nil, NotImplemented("MSU registration not supported")
	case "join":
		g.log().Debug("join requested, not supported", "peer", s.Peer(), "data", string(req.Data))
		return nil, NotImplemented("Room join not supported")
	}
	return nil, NotFound("Unknown method: " + req.Method)
}

func (g *Gateway) echo(s *Session, req *Request) (any, error) {
	f, err := fields(req.Data)
	if err != nil {
		return nil, BadRequest("Invalid data")
	}
	var d EchoData
	if !str(f, "type", &d.Type) {
		return nil, BadRequest("Invalid type")
	}
	if !integer(f, "ts", &d.Ts) {
		return nil, BadRequest("Invalid ts")
	}
	str(f, "token", &d.Token)
	g.log().Debug("echo", "type", d.Type, "ts", d.Ts, "peer", s.Peer())

	if d.Type == worker.Subject && g.Worker != nil {
		if g.TokenSecret != "" {
			if _, _, err := auth.ValidateWorkerToken(g.TokenSecret, d.Token, worker.Subject, time.Now(), g.TokenSkew); err != nil {
				g.log().Warn("worker keepalive with bad token", "peer", s.Peer(), "err", err)
				return nil, Unauthorized("Invalid token")
			}
		}
		g.Worker.Keepalive(d.Ts, s)
	}
	return map[string]json.RawMessage{"echo": req.Data}, nil
}

func (g *Gateway) HandleNotification(ctx context.Context, s *Session, n *Notification) {
	lg := g.log().With("method", n.Method, "peer", s.Peer())
	f, err := fields(n.Data)
	if err != nil {
		lg.Error("notification without object data", "err", err)
		return
	}

	switch n.Method {
	case "input_audio_buffer.append":
		var m AudioAppend
		if !str(f, "roomId", &m.RoomID) || !str(f, "userId", &m.UserID) || !str(f, "audio", &m.Audio) || !str(f, "codec", &m.Codec) {
			lg.Error("invalid audio buffer notification", "data", truncate(n.Data, 200))
			return
		}
		if m.Codec != "opus" {
			lg.Error("unsupported codec in audio buffer notification", "codec", m.Codec)
			return
		}
		if g.Worker == nil {
			lg.Error("no worker relay configured")
			return
		}
		// the target is another connection; it must not inherit this read loop's lifetime
		_ = g.Worker.RelayOpus(context.WithoutCancel(ctx), m.RoomID, m.UserID, m.Audio, s)

	case "pcm_data":
		var m PCMData
		if !str(f, "roomId", &m.RoomID) || !str(f, "userId", &m.UserID) || !str(f, "msg", &m.Msg) {
			lg.Error("invalid pcm data notification", "data", truncate(n.Data, 200))
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(m.Msg)
		if err != nil {
			lg.Error("pcm data is not base64", "room", m.RoomID, "user", m.UserID, "err", err)
			return
		}
		client, ok := g.lookup(m.UserID)
		if !ok {
			lg.Error("no client session for user, dropping pcm data", "room", m.RoomID, "user", m.UserID)
			return
		}
		if g.Sessions == nil {
			return
		}
		if err := g.Sessions.SubmitAudio(m.RoomID, m.UserID, pcm, client); err != nil {
			lg.Error("submit pcm", "room", m.RoomID, "user", m.UserID, "err", err)
		}

	case "tts_opus_data":
		var m TTSOpusData
		if !str(f, "roomId", &m.RoomID) || !str(f, "userId", &m.UserID) || !str(f, "msg", &m.Msg) || !integer(f, "taskIndex", &m.TaskIndex) {
			lg.Error("invalid tts opus data notification", "data", truncate(n.Data, 200))
			return
		}
		client, ok := g.lookup(m.UserID)
		if !ok {
			lg.Error("no client session for user, dropping tts opus data", "room", m.RoomID, "user", m.UserID)
			return
		}
		out := TTSOut{
			Type:           "tts_opus_data",
			RoomID:         m.RoomID,
			UserID:         m.UserID,
			Msg:            m.Msg,
			Ms:             time.Now().UnixMilli(),
			ConversationID: strconv.FormatInt(m.TaskIndex, 10),
		}
		if err := client.Notify(context.WithoutCancel(ctx), "tts_opus_data", out); err != nil {
			lg.Error("relay tts opus data", "user", m.UserID, "err", err)
		}

	case "sfuheartbeat":
		lg.Info("sfu heartbeat", "data", truncate(n.Data, 200))

	default:
		lg.Error("unhandled notification method")
	}
}

// Closed drops every route and agent session that pointed at s.
func (g *Gateway) Closed(s *Session) {
	if g.Worker != nil {
		g.Worker.Forget(s)
	}
	if g.Sessions != nil {
		if n := g.Sessions.DropNotifier(s); n > 0 {
			g.log().Info("dropped agent sessions of closed connection", "count", n, "peer", s.Peer())
		}
	}
}

func (g *Gateway) lookup(userID string) (worker.Peer, bool) {
	if g.Worker == nil {
		return nil, false
	}
	return g.Worker.LookupSession(userID)
}

// fields splits a JSON object into its members.
func fields(data json.RawMessage) (map[string]json.RawMessage, error) {
	var f map[string]json.RawMessage
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNotObject
	}
	return f, nil
}

func str(f map[string]json.RawMessage, key string, dst *string) bool {
	raw, ok := f[key]
	if !ok || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func integer(f map[string]json.RawMessage, key string, dst *int64) bool {
	raw, ok := f[key]
	if !ok || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
