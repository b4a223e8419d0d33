package protoo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"voiceagent/server/internal/agent"
	"voiceagent/server/internal/auth"
	"voiceagent/server/internal/worker"
)

type fakeWorker struct {
	mu         sync.Mutex
	keepalives []int64
	keeper     worker.Peer
	opus       []string
	routes     map[string]worker.Peer
	forgot     []worker.Peer
}

func (w *fakeWorker) Keepalive(ts int64, peer worker.Peer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keepalives = append(w.keepalives, ts)
	w.keeper = peer
}

func (w *fakeWorker) RelayOpus(ctx context.Context, roomID, userID, opusB64 string, client worker.Peer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opus = append(w.opus, roomID+"/"+userID+"/"+opusB64)
	if w.routes == nil {
		w.routes = make(map[string]worker.Peer)
	}
	w.routes[userID] = client
	return nil
}

func (w *fakeWorker) LookupSession(userID string) (worker.Peer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.routes[userID]
	return p, ok
}

func (w *fakeWorker) Forget(peer worker.Peer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.forgot = append(w.forgot, peer)
}

type submitted struct {
	room, user string
	pcm        []byte
	n          agent.Notifier
}

type fakeSessions struct {
	mu      sync.Mutex
	submits []submitted
	dropped []agent.Notifier
}

func (f *fakeSessions) SubmitAudio(roomID, userID string, pcm []byte, n agent.Notifier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, submitted{roomID, userID, pcm, n})
	return nil
}

func (f *fakeSessions) DropNotifier(n agent.Notifier) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, n)
	return 1
}

type recordingPeer struct {
	id     string
	mu     sync.Mutex
	method []string
	data   []any
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Notify(_ context.Context, method string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.method = append(p.method, method)
	p.data = append(p.data, data)
	return nil
}

func newGateway(secret string) (*Gateway, *fakeWorker, *fakeSessions, *Session) {
	w := &fakeWorker{}
	ss := &fakeSessions{}
	g := &Gateway{Worker: w, Sessions: ss, TokenSecret: secret}
	s := NewSession(newPipe(), g, SessionOptions{Peer: "sfu"})
	return g, w, ss, s
}

func request(method, data string) *Request {
	return &Request{ID: json.RawMessage(`1`), Method: method, Data: json.RawMessage(data)}
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func TestEchoValidation(t *testing.T) {
	g, w, _, s := newGateway("")
	ctx := context.Background()
	cases := []struct {
		data string
		code int
	}{
		{`{"type":"client","ts":1700000000000}`, 0},
		{`{"type":"client","ts":1700000000000,"extra":[1]}`, 0},
		{`{"ts":1}`, 400},
		{`{"type":null,"ts":1}`, 400},
		{`{"type":1,"ts":1}`, 400},
		{`{"type":"client"}`, 400},
		{`{"type":"client","ts":"1"}`, 400},
		{`{"type":"client","ts":null}`, 400},
		{`[1]`, 400},
		{`null`, 400},
	}
	for _, tc := range cases {
		res, err := g.HandleRequest(ctx, s, request("echo", tc.data))
		if code := statusOf(err); code != tc.code {
			t.Errorf("echo %s: code %d (err %v), want %d", tc.data, code, err, tc.code)
			continue
		}
		if tc.code != 0 {
			continue
		}
		b, _ := json.Marshal(res)
		if string(b) != `{"echo":`+tc.data+`}` {
			t.Errorf("echo %s: response %s", tc.data, b)
		}
	}
	if len(w.keepalives) != 0 {
		t.Fatalf("client echo treated as worker keepalive")
	}
}

func TestEchoWorkerKeepalive(t *testing.T) {
	g, w, _, s := newGateway("")
	if _, err := g.HandleRequest(context.Background(), s, request("echo", `{"type":"voiceagent_worker","ts":42}`)); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if len(w.keepalives) != 1 || w.keepalives[0] != 42 || w.keeper != worker.Peer(s) {
		t.Fatalf("keepalive not recorded: %v", w.keepalives)
	}
}

func TestEchoWorkerToken(t *testing.T) {
	g, w, _, s := newGateway("s3cret")
	ctx := context.Background()

	_, err := g.HandleRequest(ctx, s, request("echo", `{"type":"voiceagent_worker","ts":1}`))
	if statusOf(err) != 401 {
		t.Fatalf("missing token: %v", err)
	}
	bad := auth.IssueWorkerToken("other", worker.Subject, time.Hour, time.Now())
	_, err = g.HandleRequest(ctx, s, request("echo", `{"type":"voiceagent_worker","ts":1,"token":"`+bad+`"}`))
	if statusOf(err) != 401 {
		t.Fatalf("bad token: %v", err)
	}
	if len(w.keepalives) != 0 {
		t.Fatal("keepalive recorded for unauthenticated worker")
	}

	good := auth.IssueWorkerToken("s3cret", worker.Subject, time.Hour, time.Now())
	if _, err := g.HandleRequest(ctx, s, request("echo", `{"type":"voiceagent_worker","ts":2,"token":"`+good+`"}`)); err != nil {
		t.Fatalf("good token: %v", err)
	}
	if len(w.keepalives) != 1 {
		t.Fatal("keepalive not recorded")
	}
}

func TestUnsupportedRequests(t *testing.T) {
	g, _, _, s := newGateway("")
	ctx := context.Background()
	cases := []struct {
		method, data string
		code         int
		reason       string
	}{
		{"register", `{"id":"msu-1"}`, 501, "MSU registration not supported"},
		{"register", `{"id":""}`, 400, "Invalid id"},
		{"register", `{"id":3}`, 400, "Invalid id"},
		{"register", `{}`, 400, "Invalid id"},
		{"join", `{"roomId":"r"}`, 501, "Room join not supported"},
		{"foo", `{}`, 404, "Unknown method: foo"},
	}
	for _, tc := range cases {
		_, err := g.HandleRequest(ctx, s, request(tc.method, tc.data))
		var se *StatusError
		if !errors.As(err, &se) || se.Code != tc.code || se.Reason != tc.reason {
			t.Errorf("%s %s: got %v, want %d %q", tc.method, tc.data, err, tc.code, tc.reason)
		}
	}
}

func TestAudioAppendRelaysOpus(t *testing.T) {
	g, w, _, s := newGateway("")
	ctx := context.Background()
	g.HandleNotification(ctx, s, &Notification{Method: "input_audio_buffer.append",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","audio":"T1BVUw==","codec":"opus"}`)})
	g.HandleNotification(ctx, s, &Notification{Method: "input_audio_buffer.append",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","audio":"AAAA","codec":"pcm"}`)})
	g.HandleNotification(ctx, s, &Notification{Method: "input_audio_buffer.append",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","codec":"opus"}`)})

	if len(w.opus) != 1 || w.opus[0] != "r1/u1/T1BVUw==" {
		t.Fatalf("relayed %v", w.opus)
	}
	if p, ok := w.LookupSession("u1"); !ok || p != worker.Peer(s) {
		t.Fatal("client session not routed")
	}
}

func TestPCMDataFeedsAgent(t *testing.T) {
	g, w, ss, s := newGateway("")
	ctx := context.Background()
	client := &recordingPeer{id: "client"}

	// without a routed client the audio is dropped
	g.HandleNotification(ctx, s, &Notification{Method: "pcm_data",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","msg":"AQIDBA=="}`)})
	if len(ss.submits) != 0 {
		t.Fatal("pcm submitted without a client session")
	}

	w.routes = map[string]worker.Peer{"u1": client}
	g.HandleNotification(ctx, s, &Notification{Method: "pcm_data",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","msg":"AQIDBA=="}`)})
	g.HandleNotification(ctx, s, &Notification{Method: "pcm_data",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","msg":"not base64!"}`)})
	if len(ss.submits) != 1 {
		t.Fatalf("submits = %d", len(ss.submits))
	}
	sub := ss.submits[0]
	if sub.room != "r1" || sub.user != "u1" || string(sub.pcm) != "\x01\x02\x03\x04" || sub.n != agent.Notifier(client) {
		t.Fatalf("unexpected submit %+v", sub)
	}
}

func TestTTSOpusDataToClient(t *testing.T) {
	g, w, _, s := newGateway("")
	client := &recordingPeer{id: "client"}
	w.routes = map[string]worker.Peer{"u1": client}

	g.HandleNotification(context.Background(), s, &Notification{Method: "tts_opus_data",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","msg":"T1BVUw==","taskIndex":7}`)})
	g.HandleNotification(context.Background(), s, &Notification{Method: "tts_opus_data",
		Data: json.RawMessage(`{"roomId":"r1","userId":"u1","msg":"T1BVUw==","taskIndex":"7"}`)})

	if len(client.method) != 1 || client.method[0] != "tts_opus_data" {
		t.Fatalf("client got %v", client.method)
	}
	out := client.data[0].(TTSOut)
	if out.ConversationID != "7" || out.Msg != "T1BVUw==" || out.Type != "tts_opus_data" || out.Ms == 0 {
		t.Fatalf("unexpected payload %+v", out)
	}
}

func TestUnknownNotificationIgnored(t *testing.T) {
	g, w, ss, s := newGateway("")
	ctx := context.Background()
	g.HandleNotification(ctx, s, &Notification{Method: "sfuheartbeat", Data: json.RawMessage(`{"ts":1}`)})
	g.HandleNotification(ctx, s, &Notification{Method: "mystery", Data: json.RawMessage(`{}`)})
	g.HandleNotification(ctx, s, &Notification{Method: "pcm_data", Data: json.RawMessage(`"x"`)})
	if len(w.opus) != 0 || len(ss.submits) != 0 {
		t.Fatal("unexpected side effects")
	}
}

func TestClosedReleasesRoutes(t *testing.T) {
	_, w, ss, s := newGateway("")
	s.Close()
	if len(w.forgot) != 1 || w.forgot[0] != worker.Peer(s) {
		t.Fatalf("worker routes not forgotten: %v", w.forgot)
	}
	if len(ss.dropped) != 1 || ss.dropped[0] != agent.Notifier(s) {
		t.Fatalf("agent sessions not dropped: %v", ss.dropped)
	}
}

func TestRelaySurvivesOriginClose(t *testing.T) {
	client, cp := startSession(t, &testHandler{}, time.Second)
	w := &fakeWorker{routes: map[string]worker.Peer{"u1": client}}
	g := &Gateway{Worker: w, Sessions: &fakeSessions{}}

	op := newPipe()
	origin := NewSession(op, g, SessionOptions{Peer: "worker"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := make(chan struct{})
	go func() {
		origin.Run(ctx)
		close(ran)
	}()

	cp.mu.Lock()
	cp.onWrite = func(context.Context) {
		cancel()
		origin.Close()
	}
	cp.mu.Unlock()

	op.feed(`{"notification":true,"method":"tts_opus_data","data":{"roomId":"r1","userId":"u1","msg":"T1BVUw==","taskIndex":3}}`)
	m := cp.next(t)
	if string(m["method"]) != `"tts_opus_data"` {
		t.Fatalf("client got %v", m)
	}
	<-ran

	select {
	case <-client.Done():
		t.Fatal("client session closed with the worker connection")
	default:
	}
	cp.mu.Lock()
	closes := cp.closes
	cp.mu.Unlock()
	if closes != 0 {
		t.Fatal("client transport closed with the worker connection")
	}
	if err := client.Notify(context.Background(), "still.open", nil); err != nil {
		t.Fatalf("client unusable after relay: %v", err)
	}
}
