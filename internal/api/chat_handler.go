package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/domain/memory"
	"chatrelay/internal/domain/stream"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

const maxFormMemory = 1 << 20

// ChatHandler 对话 API 处理器
type ChatHandler struct {
	svc *chat.Service
}

// NewChatHandler 创建处理器
func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.Chat)
}

// chatRequest 请求体。history 缺省时使用服务端保存的会话历史，显式传 [] 表示无历史。
type chatRequest struct {
	Model          string        `json:"model"`
	Message        string        `json:"message"`
	ConversationID string        `json:"conversation_id"`
	History        []memory.Turn `json:"history"`
	MemorySummary  string        `json:"memory_summary"`
	WorldState     any           `json:"world_state"`
	SystemPrompt   string        `json:"system_prompt"`
	Temperature    *float64      `json:"temperature"`
}

// Chat 以 SSE 返回模型输出：delta* 之后跟一个 error 或 done
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	streamID := uuid.NewString()
	events, err := h.svc.Chat(r.Context(), chat.Request{
		StreamID:       streamID,
		ModelID:        req.Model,
		UserText:       req.Message,
		PriorTurns:     req.History,
		MemorySummary:  req.MemorySummary,
		WorldState:     req.WorldState,
		ConversationID: req.ConversationID,
		SystemPrompt:   req.SystemPrompt,
		Temperature:    req.Temperature,
	})
	if err != nil {
		status, code := chatErrorStatus(err)
		writeErrorCode(w, status, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", streamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	applog.Debug("[API] Chat stream opened", "stream_id", streamID, "request_id", middleware.GetReqID(r.Context()))

	for ev := range events {
		switch ev.Kind {
		case stream.KindDelta:
			sseWriteEvent(w, flusher, "delta", map[string]string{"text": ev.Text})
		case stream.KindError:
			sseWriteEvent(w, flusher, "error", map[string]any{
				"code":    ev.Err.Code,
				"status":  ev.Err.Status,
				"message": ev.Err.Message,
			})
		case stream.KindDone:
			sseWriteEvent(w, flusher, "done", map[string]any{
				"stream_id": streamID,
				"text":      ev.FullText,
				"sentinel":  ev.TerminatedBySentinel,
			})
		}
	}
}

func chatErrorStatus(err error) (int, string) {
	var cfgErr *provider.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		if cfgErr.ClientFault() {
			return http.StatusBadRequest, cfgErr.Reason
		}
		return http.StatusInternalServerError, cfgErr.Reason
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest, "empty_input"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func decodeChatRequest(r *http.Request) (*chatRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return &req, nil
	}
	return decodeChatForm(r)
}

// decodeChatForm 表单提交：history 与 world_state 字段为 JSON 字符串
func decodeChatForm(r *http.Request) (*chatRequest, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, fmt.Errorf("invalid form: %w", err)
	}
	if r.Form == nil {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form: %w", err)
		}
	}

	req := &chatRequest{
		Model:          r.FormValue("model"),
		Message:        r.FormValue("message"),
		ConversationID: r.FormValue("conversation_id"),
		MemorySummary:  r.FormValue("memory_summary"),
		SystemPrompt:   r.FormValue("system_prompt"),
	}
	if raw := strings.TrimSpace(r.FormValue("history")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.History); err != nil {
			return nil, fmt.Errorf("invalid history: %w", err)
		}
		if req.History == nil {
			req.History = []memory.Turn{}
		}
	}
	if raw := strings.TrimSpace(r.FormValue("world_state")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.WorldState); err != nil {
			return nil, fmt.Errorf("invalid world_state: %w", err)
		}
	}
	if raw := strings.TrimSpace(r.FormValue("temperature")); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid temperature: %w", err)
		}
		req.Temperature = &t
	}
	return req, nil
}

func sseWriteEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(jsonData))
	flusher.Flush()
}
