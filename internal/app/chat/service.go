// Package chat 编排一次对话请求：解析模型路由、组装上下文、限流、转发上游流并写回历史。
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"chatrelay/internal/domain/history"
	"chatrelay/internal/domain/memory"
	"chatrelay/internal/domain/stream"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

// ErrEmptyInput 用户输入为空
var ErrEmptyInput = errors.New("user input is empty")

// Resolver 模型路由解析
type Resolver interface {
	Resolve(modelID string) (provider.Route, error)
}

// Request 一次对话请求
type Request struct {
	StreamID       string // 为空时自动生成
	ModelID        string
	UserText       string
	PriorTurns     []memory.Turn // nil 时使用会话中保存的历史
	MemorySummary  string
	WorldState     any
	ConversationID string
	SystemPrompt   string   // 为空时使用服务默认值
	Temperature    *float64 // 为空时使用模型默认值
}

// Options 服务配置
type Options struct {
	SystemPrompt         string
	MaxOutputTokens      int
	TopP                 float64
	MinTemperature       float64
	MaxTemperature       float64
	MaxConcurrentStreams int64
	StreamTimeout        time.Duration // 0 表示只受调用方 ctx 控制
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		MaxOutputTokens:      800,
		TopP:                 1.0,
		MinTemperature:       0,
		MaxTemperature:       1.5,
		MaxConcurrentStreams: 2,
	}
}

// Service 对话服务
type Service struct {
	resolver  Resolver
	streamer  provider.Streamer
	packer    *memory.Packer
	histories *history.Manager
	metrics   *metrics.Recorder
	sem       *semaphore.Weighted
	opts      Options
}

// NewService 创建对话服务。histories / recorder 可为 nil。
func NewService(resolver Resolver, streamer provider.Streamer, packer *memory.Packer, histories *history.Manager, recorder *metrics.Recorder, opts Options) *Service {
	if opts.MaxConcurrentStreams <= 0 {
		opts.MaxConcurrentStreams = DefaultOptions().MaxConcurrentStreams
	}
	if opts.MaxTemperature <= 0 {
		opts.MaxTemperature = DefaultOptions().MaxTemperature
	}
	return &Service{
		resolver:  resolver,
		streamer:  streamer,
		packer:    packer,
		histories: histories,
		metrics:   recorder,
		sem:       semaphore.NewWeighted(opts.MaxConcurrentStreams),
		opts:      opts,
	}
}

// Chat 校验请求并启动流式转发。
// 配置错误（*provider.ConfigurationError）与空输入在发起任何网络请求前同步返回。
// 返回的 channel 上是若干 Delta 加恰好一个终止事件；调用方取消 ctx 时可能没有终止事件。
func (s *Service) Chat(ctx context.Context, req Request) (<-chan stream.Event, error) {
	route, err := s.resolver.Resolve(req.ModelID)
	if err != nil {
		applog.Warn("[Chat] ❌ Route resolve failed", "model", applog.Preview(req.ModelID, 64), "error", err)
		s.metrics.Finished(metrics.UnknownModel, "rejected", "")
		return nil, err
	}
	if strings.TrimSpace(req.UserText) == "" {
		s.metrics.Finished(req.ModelID, "rejected", "")
		return nil, ErrEmptyInput
	}
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}

	var store *history.Store
	if s.histories != nil {
		store = s.histories.Get(req.ConversationID)
	}
	turns := req.PriorTurns
	if turns == nil && store != nil {
		turns = store.Turns(ctx)
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = s.opts.SystemPrompt
	}
	built := s.packer.BuildContext(memory.ContextInput{
		SystemPrompt:  systemPrompt,
		MemorySummary: req.MemorySummary,
		WorldState:    req.WorldState,
		Turns:         turns,
		UserText:      req.UserText,
	})
	s.metrics.ObserveContext(req.ModelID, built.EstimatedTokens, built.ForcedSummary)

	creq := &provider.CompletionRequest{
		Model:       route.Model.Label,
		Messages:    built.Messages,
		Temperature: s.temperature(req.Temperature, route.Model.DefaultTemperature),
		MaxTokens:   s.opts.MaxOutputTokens,
		TopP:        s.opts.TopP,
		Stream:      true,
	}

	applog.Info("[Chat] 🚀 Stream accepted",
		"stream_id", req.StreamID,
		"model", req.ModelID,
		"endpoint", route.Endpoint.Name,
		"messages", len(creq.Messages),
		"history_turns", len(turns),
		"selected_turns", built.SelectedTurns,
		"estimated_tokens", built.EstimatedTokens,
		"forced_summary", built.ForcedSummary,
		"temperature", creq.Temperature,
	)

	out := make(chan stream.Event, 32)
	go s.relay(ctx, req, route, creq, store, out)
	return out, nil
}

func (s *Service) relay(ctx context.Context, req Request, route provider.Route, creq *provider.CompletionRequest, store *history.Store, out chan<- stream.Event) {
	defer close(out)

	if s.opts.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StreamTimeout)
		defer cancel()
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		applog.Info("[Chat] Caller left while waiting for a stream slot", "stream_id", req.StreamID)
		s.metrics.Finished(req.ModelID, "canceled", "")
		return
	}
	defer s.sem.Release(1)

	finish := s.metrics.StreamStarted(req.ModelID)
	defer finish()

	start := time.Now()
	deltas := 0
	terminal := false
	outcome, errCode := "canceled", ""

	for ev := range s.streamer.Stream(ctx, route.Endpoint, creq) {
		switch ev.Kind {
		case stream.KindDelta:
			deltas++
			s.metrics.Delta(req.ModelID)
		case stream.KindError:
			terminal = true
			outcome, errCode = "error", string(ev.Err.Code)
			applog.Warn("[Chat] ❌ Stream failed",
				"stream_id", req.StreamID,
				"code", ev.Err.Code,
				"status", ev.Err.Status,
				"deltas", deltas,
				"message", applog.Preview(ev.Err.Message, 200),
			)
		case stream.KindDone:
			terminal = true
			outcome = "ok"
			s.persist(ctx, req, store, ev.FullText)
			applog.Info("[Chat] ✅ Stream completed",
				"stream_id", req.StreamID,
				"deltas", deltas,
				"chars", len([]rune(ev.FullText)),
				"sentinel", ev.TerminatedBySentinel,
				"elapsed", time.Since(start),
			)
		}

		if !forward(ctx, out, ev) {
			outcome = "canceled"
			break
		}
		if terminal {
			break
		}
	}

	if !terminal && ctx.Err() == nil {
		// 上游 channel 提前关闭，补一个终止事件
		outcome, errCode = "error", string(stream.CodeStreamRead)
		forward(ctx, out, stream.Failure(&stream.Error{Code: stream.CodeStreamRead, Message: "upstream stream closed without terminal event"}))
	}
	if ctx.Err() != nil && outcome != "ok" {
		applog.Info("[Chat] Stream canceled by caller", "stream_id", req.StreamID, "deltas", deltas)
	}
	s.metrics.Finished(req.ModelID, outcome, errCode)
}

// persist 只在调用方仍然在线且回复非空时写入历史；写入失败不影响响应
func (s *Service) persist(ctx context.Context, req Request, store *history.Store, reply string) {
	if store == nil || ctx.Err() != nil || strings.TrimSpace(reply) == "" {
		return
	}
	if err := store.Append(ctx, req.UserText, reply); err != nil {
		s.metrics.HistoryFailure("append")
		applog.Error("[Chat] ❌ Failed to persist history", "stream_id", req.StreamID, "conversation_id", store.ID(), "error", err)
	}
}

func (s *Service) temperature(requested *float64, modelDefault float64) float64 {
	t := modelDefault
	if requested != nil {
		t = *requested
	}
	return min(max(t, s.opts.MinTemperature), s.opts.MaxTemperature)
}

func forward(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
