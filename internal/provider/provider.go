package provider

import (
	"context"

	"chatrelay/internal/domain/stream"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message LLM 对话消息
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest 发往上游的补全请求
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

// Streamer 流式补全客户端。
// 返回的 channel 上先出现若干 Delta，最后恰好一个 Done 或 Error；
// ctx 取消时可能不发送终止事件，channel 总会被关闭。
type Streamer interface {
	Stream(ctx context.Context, endpoint Endpoint, req *CompletionRequest) <-chan stream.Event
}
