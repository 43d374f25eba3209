package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain/history"
	"chatrelay/internal/domain/memory"
	"chatrelay/internal/domain/stream"
	"chatrelay/internal/platform/metrics"
	"chatrelay/internal/provider"
)

type scriptedStreamer struct {
	mu       sync.Mutex
	requests []*provider.CompletionRequest
	events   []stream.Event
	gate     chan struct{} // 非 nil 时在发送第一个事件前等待
	active   atomic.Int32
	peak     atomic.Int32
}

func (s *scriptedStreamer) Stream(ctx context.Context, ep provider.Endpoint, req *provider.CompletionRequest) <-chan stream.Event {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		n := s.active.Add(1)
		released := false
		release := func() {
			if !released {
				released = true
				s.active.Add(-1)
			}
		}
		defer release()
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				return
			}
		}
		for i, ev := range s.events {
			if i == len(s.events)-1 {
				// 终止事件送达后下一路流可能立即开始
				release()
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *scriptedStreamer) lastRequest() *provider.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func testCatalog() *provider.Catalog {
	c := provider.NewCatalog()
	c.RegisterModel(provider.ModelSpec{ID: "deepseek-chat", Label: "deepseek-chat-label", SupportsStreaming: true, DefaultTemperature: 0.6, Endpoint: "deepseek"})
	c.RegisterModel(provider.ModelSpec{ID: "no-stream", Label: "no-stream", Endpoint: "deepseek"})
	c.RegisterModel(provider.ModelSpec{ID: "orphan", Label: "orphan", SupportsStreaming: true, Endpoint: "missing"})
	c.RegisterEndpoint(provider.Endpoint{Name: "deepseek", BaseURL: "http://upstream.invalid", APIKey: "k"})
	return c
}

func newTestService(t *testing.T, streamer provider.Streamer, opts Options) (*Service, *history.Manager) {
	t.Helper()
	manager := history.NewManager(history.FileBackendFactory(t.TempDir()), history.Options{})
	packer := memory.NewPacker(memory.DefaultBudgetConfig(), nil)
	return NewService(testCatalog(), streamer, packer, manager, metrics.NewRecorder(), opts), manager
}

func collect(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
			return events
		}
	}
}

func TestChatRejectsConfigurationErrors(t *testing.T) {
	streamer := &scriptedStreamer{}
	svc, _ := newTestService(t, streamer, DefaultOptions())

	tests := []struct {
		model  string
		reason string
	}{
		{model: "nope", reason: provider.ReasonUnknownModel},
		{model: "no-stream", reason: provider.ReasonStreamingUnsupported},
		{model: "orphan", reason: provider.ReasonMissingEndpoint},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			ch, err := svc.Chat(context.Background(), Request{ModelID: tt.model, UserText: "hi"})

			assert.Nil(t, ch)
			var cfgErr *provider.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.reason, cfgErr.Reason)
		})
	}
	assert.Empty(t, streamer.requests, "no upstream call on configuration errors")
}

func TestChatRejectsEmptyInput(t *testing.T) {
	svc, _ := newTestService(t, &scriptedStreamer{}, DefaultOptions())

	_, err := svc.Chat(context.Background(), Request{ModelID: "deepseek-chat", UserText: "  \n"})

	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestChatRelaysAndPersists(t *testing.T) {
	streamer := &scriptedStreamer{events: []stream.Event{
		stream.Delta("在"),
		stream.Delta("的"),
		stream.Done("在的", true),
	}}
	opts := DefaultOptions()
	opts.SystemPrompt = "你是一个助手"
	svc, manager := newTestService(t, streamer, opts)

	hot := 3.0
	ch, err := svc.Chat(context.Background(), Request{
		ModelID:        "deepseek-chat",
		UserText:       "在吗",
		ConversationID: "room-1",
		PriorTurns:     []memory.Turn{{Role: "user", Content: "你好"}, {Role: "assistant", Content: "嗨"}},
		Temperature:    &hot,
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 3)
	assert.Equal(t, "在", events[0].Text)
	assert.Equal(t, stream.KindDone, events[2].Kind)

	req := streamer.lastRequest()
	assert.Equal(t, "deepseek-chat-label", req.Model)
	assert.Equal(t, 1.5, req.Temperature)
	assert.Equal(t, 800, req.MaxTokens)
	assert.Equal(t, 1.0, req.TopP)
	assert.True(t, req.Stream)
	assert.Equal(t, []provider.Message{
		{Role: "system", Content: "你是一个助手"},
		{Role: "user", Content: "你好"},
		{Role: "assistant", Content: "嗨"},
		{Role: "user", Content: "在吗"},
	}, req.Messages)

	entries := manager.Get("room-1").Load(context.Background())
	require.Len(t, entries, 1)
	assert.Equal(t, "在吗", entries[0].User)
	assert.Equal(t, "在的", entries[0].Assistant)
}

func TestChatUsesStoredHistoryWhenNoPriorTurns(t *testing.T) {
	streamer := &scriptedStreamer{events: []stream.Event{stream.Done("ok", false)}}
	svc, manager := newTestService(t, streamer, DefaultOptions())
	ctx := context.Background()
	require.NoError(t, manager.Get("room-2").Append(ctx, "旧问题", "旧回答"))

	ch, err := svc.Chat(ctx, Request{ModelID: "deepseek-chat", UserText: "新问题", ConversationID: "room-2"})
	require.NoError(t, err)
	collect(t, ch)

	req := streamer.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "旧问题", req.Messages[0].Content)
	assert.Equal(t, "旧回答", req.Messages[1].Content)
	assert.Equal(t, 0.6, req.Temperature, "model default temperature")
	assert.Len(t, manager.Get("room-2").Load(ctx), 2)
}

func TestChatDoesNotPersistOnError(t *testing.T) {
	streamer := &scriptedStreamer{events: []stream.Event{
		stream.Delta("partial"),
		stream.Failure(&stream.Error{Code: stream.CodeTimeout, Message: "read timeout"}),
	}}
	svc, manager := newTestService(t, streamer, DefaultOptions())

	ch, err := svc.Chat(context.Background(), Request{ModelID: "deepseek-chat", UserText: "hi", ConversationID: "room-3"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, stream.KindError, events[1].Kind)
	assert.Equal(t, stream.CodeTimeout, events[1].Err.Code)
	assert.Empty(t, manager.Get("room-3").Load(context.Background()))
}

func TestChatDoesNotPersistBlankReply(t *testing.T) {
	streamer := &scriptedStreamer{events: []stream.Event{stream.Done("  ", false)}}
	svc, manager := newTestService(t, streamer, DefaultOptions())

	ch, err := svc.Chat(context.Background(), Request{ModelID: "deepseek-chat", UserText: "hi", ConversationID: "room-4"})
	require.NoError(t, err)
	collect(t, ch)

	assert.Empty(t, manager.Get("room-4").Load(context.Background()))
}

func TestChatCanceledSkipsPersistence(t *testing.T) {
	gate := make(chan struct{})
	streamer := &scriptedStreamer{gate: gate, events: []stream.Event{stream.Done("late", true)}}
	svc, manager := newTestService(t, streamer, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.Chat(ctx, Request{ModelID: "deepseek-chat", UserText: "hi", ConversationID: "room-5"})
	require.NoError(t, err)

	cancel()
	close(gate)
	for _, ev := range collect(t, ch) {
		assert.NotEqual(t, stream.KindDelta, ev.Kind)
	}

	assert.Empty(t, manager.Get("room-5").Load(context.Background()))
}

func TestChatUpstreamClosedWithoutTerminal(t *testing.T) {
	streamer := &scriptedStreamer{events: []stream.Event{stream.Delta("a")}}
	svc, _ := newTestService(t, streamer, DefaultOptions())

	ch, err := svc.Chat(context.Background(), Request{ModelID: "deepseek-chat", UserText: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, stream.KindError, events[1].Kind)
	assert.Equal(t, stream.CodeStreamRead, events[1].Err.Code)
}

func TestChatLimitsConcurrentStreams(t *testing.T) {
	gate := make(chan struct{})
	streamer := &scriptedStreamer{gate: gate, events: []stream.Event{stream.Done("x", true)}}
	opts := DefaultOptions()
	opts.MaxConcurrentStreams = 1
	svc, _ := newTestService(t, streamer, opts)

	var chans []<-chan stream.Event
	for i := 0; i < 3; i++ {
		ch, err := svc.Chat(context.Background(), Request{ModelID: "deepseek-chat", UserText: "hi"})
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	for _, ch := range chans {
		events := collect(t, ch)
		require.Len(t, events, 1)
		assert.Equal(t, stream.KindDone, events[0].Kind)
	}
	assert.Equal(t, int32(1), streamer.peak.Load())
}

func TestTemperatureClamp(t *testing.T) {
	svc, _ := newTestService(t, &scriptedStreamer{}, DefaultOptions())
	f := func(v float64) *float64 { return &v }

	assert.Equal(t, 0.4, svc.temperature(nil, 0.4))
	assert.Equal(t, 0.0, svc.temperature(f(-1), 0.4))
	assert.Equal(t, 1.5, svc.temperature(f(9), 0.4))
	assert.Equal(t, 0.9, svc.temperature(f(0.9), 0.4))
}

func TestChatRejectedModelsShareOneMetricSeries(t *testing.T) {
	recorder := metrics.NewRecorder()
	manager := history.NewManager(history.FileBackendFactory(t.TempDir()), history.Options{})
	svc := NewService(testCatalog(), &scriptedStreamer{}, memory.NewPacker(memory.DefaultBudgetConfig(), nil), manager, recorder, DefaultOptions())

	for i := 0; i < 100; i++ {
		_, err := svc.Chat(context.Background(), Request{ModelID: fmt.Sprintf("bogus-%d", i), UserText: "hi"})
		require.Error(t, err)
	}

	count, err := testutil.GatherAndCount(recorder.Registry(), "chatrelay_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
