package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/domain/stream"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

// Config HTTP 传输配置
type Config struct {
	ConnectTimeoutSeconds        int `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `json:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `json:"response_header_timeout_seconds"`
}

// Client OpenAI 兼容的流式补全客户端。
// 同一个客户端服务所有端点，端点地址与密钥按请求传入。
type Client struct {
	client *http.Client
}

// New 创建客户端
func New(config Config) *Client {
	connectTimeout := time.Duration(config.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tlsHandshakeTimeout := time.Duration(config.TLSHandshakeTimeoutSeconds) * time.Second
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 30 * time.Second
	}

	// Go 默认 Transport 的 TLS 握手超时为 10s，弱网下容易触发 handshake timeout。
	// 整体请求生命周期由 ctx 控制，这里不设置 http.Client.Timeout（会截断长流）。
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout
	if config.ResponseHeaderTimeoutSeconds > 0 {
		transport.ResponseHeaderTimeout = time.Duration(config.ResponseHeaderTimeoutSeconds) * time.Second
	}

	return &Client{client: &http.Client{Transport: transport}}
}

// NewWithHTTPClient 使用自定义 http.Client（测试用）
func NewWithHTTPClient(c *http.Client) *Client {
	return &Client{client: c}
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Stream      bool         `json:"stream"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream 发起流式补全。返回的 channel 在终止事件之后（或 ctx 取消后）关闭。
func (c *Client) Stream(ctx context.Context, endpoint provider.Endpoint, req *provider.CompletionRequest) <-chan stream.Event {
	out := make(chan stream.Event, 32)

	go func() {
		defer close(out)

		body, err := json.Marshal(buildAPIRequest(req))
		if err != nil {
			emit(ctx, out, stream.Failure(&stream.Error{
				Code:    stream.CodeStreamRead,
				Message: fmt.Sprintf("failed to marshal request: %v", err),
				Err:     err,
			}))
			return
		}

		url := strings.TrimRight(endpoint.BaseURL, "/") + "/chat/completions"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			emit(ctx, out, stream.Failure(&stream.Error{
				Code:    stream.CodeConnection,
				Message: fmt.Sprintf("failed to create request: %v", err),
				Err:     err,
			}))
			return
		}
		setHeaders(httpReq, endpoint.APIKey)

		applog.Debug("[Upstream] Sending request",
			"endpoint", endpoint.Name,
			"model", req.Model,
			"messages", len(req.Messages),
		)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			streamErr := stream.ClassifyTransportError(err, stream.CodeConnection)
			applog.Warn("[Upstream] ❌ Request failed", "endpoint", endpoint.Name, "code", streamErr.Code, "error", err)
			emit(ctx, out, stream.Failure(streamErr))
			return
		}
		defer resp.Body.Close()

		stream.FromResponse(ctx, resp, out)
	}()

	return out
}

func buildAPIRequest(req *provider.CompletionRequest) apiRequest {
	messages := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = apiMessage{Role: m.Role, Content: m.Content}
	}

	apiReq := apiRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}

	// temperature 允许为 0
	t := req.Temperature
	apiReq.Temperature = &t
	if req.MaxTokens > 0 {
		m := req.MaxTokens
		apiReq.MaxTokens = &m
	}
	if req.TopP > 0 {
		tp := req.TopP
		apiReq.TopP = &tp
	}
	return apiReq
}

func setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func emit(ctx context.Context, out chan<- stream.Event, ev stream.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
