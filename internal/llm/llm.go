// Package llm wraps OpenAI-compatible chat completion endpoints and keeps a
// bounded per-session conversation history.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Provider completes a chat and returns the assistant text.
type Provider interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
}

// TypeInfo describes a supported hosted model family.
type TypeInfo struct {
	Type    string
	BaseURL string
	Model   string
}

var types = map[string]TypeInfo{
	"qwen":     {Type: "qwen", BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1/", Model: "qwen-plus"},
	"yuanbao":  {Type: "yuanbao", BaseURL: "https://api.hunyuan.cloud.tencent.com/v1/", Model: "hunyuan-turbo"},
	"openai":   {Type: "openai", BaseURL: "https://api.openai.com/v1/", Model: "gpt-3.5-turbo"},
	"deepseek": {Type: "deepseek", BaseURL: "https://api.deepseek.cn/v1/", Model: "deepseek-turbo"},
}

// SupportedTypes lists the known llm types.
func SupportedTypes() []string {
	out := make([]string, 0, len(types))
	for k := range types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve looks up typ and applies non-empty overrides for model and base URL.
func Resolve(typ, model, baseURL string) (TypeInfo, error) {
	info, ok := types[strings.ToLower(typ)]
	if !ok {
		return TypeInfo{}, fmt.Errorf("llm: unsupported type %q (supported: %s)", typ, strings.Join(SupportedTypes(), ", "))
	}
	if model != "" {
		info.Model = model
	}
	if baseURL != "" {
		info.BaseURL = baseURL
	}
	if !strings.HasSuffix(info.BaseURL, "/") {
		info.BaseURL += "/"
	}
	return info, nil
}
