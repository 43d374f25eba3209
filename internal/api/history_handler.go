package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/domain/history"
	applog "chatrelay/internal/platform/log"
)

// HistoryHandler 会话历史 API
type HistoryHandler struct {
	histories *history.Manager
}

// NewHistoryHandler 创建处理器
func NewHistoryHandler(histories *history.Manager) *HistoryHandler {
	return &HistoryHandler{histories: histories}
}

// RegisterRoutes 注册路由
func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/history", func(r chi.Router) {
		r.Get("/", h.GetHistory)
		r.Delete("/", h.ClearHistory)
		r.Delete("/last", h.RemoveLast)
	})
}

// GetHistory 返回条目列表；format=text 时返回最近 n 条的文本形式
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	store := h.histories.Get(r.URL.Query().Get("conversation_id"))

	if r.URL.Query().Get("format") == "text" {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		if n <= 0 {
			n = 5
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation_id": store.ID(),
			"text":            store.Format(r.Context(), n),
		})
		return
	}

	entries := store.Load(r.Context())
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": store.ID(),
		"entries":         entries,
	})
}

// ClearHistory 清空会话
func (h *HistoryHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	store := h.histories.Get(r.URL.Query().Get("conversation_id"))
	if err := store.Clear(r.Context()); err != nil {
		applog.Error("[API] ❌ Clear history failed", "conversation_id", store.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": store.ID(), "cleared": true})
}

// RemoveLast 撤销最近一轮
func (h *HistoryHandler) RemoveLast(w http.ResponseWriter, r *http.Request) {
	store := h.histories.Get(r.URL.Query().Get("conversation_id"))
	removed, err := store.RemoveLast(r.Context())
	if err != nil {
		applog.Error("[API] ❌ Remove last history entry failed", "conversation_id", store.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove last entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": store.ID(), "removed": removed})
}
