package llm

import (
	"context"
	"fmt"
	"sync"
)

// DefaultPrompt asks for answers that read well through text-to-speech.
const DefaultPrompt = "请以纯文本格式回答，严禁使用 Markdown 语法, 如 **、#、-、` 等。不要返回任何表格或代码块，回复文字会被使用在语音中"

// DefaultMaxMessages is the default history window.
const DefaultMaxMessages = 20

// Conversation keeps the last MaxMessages user/assistant turns of one
// session and sends them with every request.
type Conversation struct {
	provider    Provider
	prompt      string
	maxMessages int

	mu      sync.Mutex
	history []Message
}

// NewConversation returns an empty conversation. Empty prompt and
// non-positive maxMessages take the defaults.
func NewConversation(p Provider, prompt string, maxMessages int) *Conversation {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Conversation{provider: p, prompt: prompt, maxMessages: maxMessages}
}

// Ask sends the recognized text and returns the assistant reply. The user
// turn stays in the history even when the request fails.
func (c *Conversation) Ask(ctx context.Context, text string) (string, error) {
	wrapped := fmt.Sprintf("%s\n用户说: %s\n请作为智能助手进行回答:", c.prompt, text)

	c.mu.Lock()
	c.push(Message{Role: RoleUser, Content: wrapped})
	msgs := append([]Message(nil), c.history...)
	c.mu.Unlock()

	reply, err := c.provider.Complete(ctx, msgs)
	if err != nil {
		return "", err
	}
	if reply != "" {
		c.mu.Lock()
		c.push(Message{Role: RoleAssistant, Content: reply})
		c.mu.Unlock()
	}
	return reply, nil
}

// History returns a copy of the retained messages.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

func (c *Conversation) push(m Message) {
	c.history = append(c.history, m)
	if over := len(c.history) - c.maxMessages; over > 0 {
		c.history = append([]Message(nil), c.history[over:]...)
	}
}
