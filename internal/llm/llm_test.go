package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	info, err := Resolve("Qwen", "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.Model != "qwen-plus" || !strings.HasPrefix(info.BaseURL, "https://dashscope") {
		t.Fatalf("unexpected info %+v", info)
	}
	info, err = Resolve("deepseek", "deepseek-chat", "http://localhost:9000/v1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.Model != "deepseek-chat" || info.BaseURL != "http://localhost:9000/v1/" {
		t.Fatalf("overrides not applied: %+v", info)
	}
	if _, err := Resolve("gemini", "", ""); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func fakeEndpoint(t *testing.T, reply string, got *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
			return
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "qwen-plus",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
}

func TestOpenAIProviderComplete(t *testing.T) {
	var req chatRequest
	srv := fakeEndpoint(t, "你好，我是助手", &req)
	defer srv.Close()

	info, _ := Resolve("qwen", "", srv.URL+"/v1")
	p, err := NewOpenAIProvider(info, "sk-test", time.Second)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	out, err := p.Complete(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "again"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "你好，我是助手" {
		t.Fatalf("unexpected reply %q", out)
	}
	if req.Model != "qwen-plus" || len(req.Messages) != 3 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Messages[1].Role != "assistant" || req.Messages[1].Content != "hello" {
		t.Fatalf("assistant turn not forwarded: %+v", req.Messages[1])
	}
}

func TestOpenAIProviderErrors(t *testing.T) {
	srv := fakeEndpoint(t, "x", nil)
	defer srv.Close()

	info, _ := Resolve("openai", "", srv.URL+"/v1")
	if _, err := NewOpenAIProvider(info, "", time.Second); err == nil {
		t.Fatal("expected error for empty key")
	}
	p, _ := NewOpenAIProvider(info, "sk-wrong", time.Second)
	if _, err := p.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error for rejected key")
	}
	p, _ = NewOpenAIProvider(info, "sk-test", time.Second)
	if _, err := p.Complete(context.Background(), []Message{{Role: "tool", Content: "x"}}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

type fakeProvider struct {
	calls [][]Message
	reply string
	err   error
}

func (f *fakeProvider) Complete(_ context.Context, msgs []Message) (string, error) {
	f.calls = append(f.calls, msgs)
	return f.reply, f.err
}

func TestConversationWindow(t *testing.T) {
	fp := &fakeProvider{reply: "ok"}
	c := NewConversation(fp, "", 4)
	for i := 0; i < 5; i++ {
		if _, err := c.Ask(context.Background(), "q"); err != nil {
			t.Fatalf("ask: %v", err)
		}
	}
	h := c.History()
	if len(h) != 4 {
		t.Fatalf("history length %d, want 4", len(h))
	}
	if h[0].Role != RoleUser || h[3].Role != RoleAssistant {
		t.Fatalf("unexpected window %+v", h)
	}
	last := fp.calls[len(fp.calls)-1]
	if len(last) > 4 {
		t.Fatalf("request carried %d messages", len(last))
	}
	if !strings.Contains(last[len(last)-1].Content, "用户说: q") {
		t.Fatalf("prompt wrapper missing: %q", last[len(last)-1].Content)
	}
}

func TestConversationErrorKeepsUserTurn(t *testing.T) {
	fp := &fakeProvider{err: errors.New("upstream down")}
	c := NewConversation(fp, "be brief", 0)
	if _, err := c.Ask(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	h := c.History()
	if len(h) != 1 || h[0].Role != RoleUser || !strings.HasPrefix(h[0].Content, "be brief") {
		t.Fatalf("unexpected history %+v", h)
	}
}
