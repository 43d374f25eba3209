package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain/memory"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

// Store 单个会话的对话记录。
//
// 所有写操作在 mu 下串行执行，并在返回前全量写回后端。
// 配置了 Locker 时视为共享后端：每次访问都重新从后端读取，写操作额外持有跨进程锁。
type Store struct {
	id      string
	backend Backend
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	entries []Entry
	loaded  bool
}

// NewStore 创建会话记录，首次访问时才从后端加载
func NewStore(conversationID string, backend Backend, opts Options) *Store {
	return &Store{
		id:      conversationID,
		backend: backend,
		opts:    opts.withDefaults(),
		log:     applog.Component("history", "conversation_id", conversationID),
	}
}

// ID 会话 ID
func (s *Store) ID() string { return s.id }

// Append 追加一轮对话并写回后端。超过 MaxEntries 时淘汰最旧的条目。
// 写回失败时返回 ErrPersistence，内存中的记录仍然保留这条对话。
func (s *Store) Append(ctx context.Context, user, assistant string) error {
	entry := Entry{
		Timestamp: s.opts.Now().Format(TimestampLayout),
		User:      strings.TrimSpace(user),
		Assistant: strings.TrimSpace(s.assistantText(assistant)),
	}

	return s.mutate(ctx, func(entries []Entry) []Entry {
		entries = append(entries, entry)
		if over := len(entries) - s.opts.MaxEntries; over > 0 {
			s.log.Debug("[History] Evicting oldest entries", "evicted", over)
			entries = append([]Entry(nil), entries[over:]...)
		}
		return entries
	}, "append")
}

// RemoveLast 删除最后一条记录；没有记录时返回 false
func (s *Store) RemoveLast(ctx context.Context) (bool, error) {
	removed := false
	err := s.mutate(ctx, func(entries []Entry) []Entry {
		if len(entries) == 0 {
			return entries
		}
		last := entries[len(entries)-1]
		removed = true
		s.log.Info("[History] 🗑️ Removed last entry",
			"timestamp", last.Timestamp,
			"user_preview", applog.Preview(last.User, 30),
		)
		return entries[:len(entries)-1]
	}, "remove_last")
	if !removed && err == nil {
		s.log.Warn("[History] Nothing to remove")
	}
	return removed, err
}

// Clear 清空记录并删除持久化数据
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.entries = nil
	s.loaded = true
	if err := s.backend.Delete(ctx); err != nil {
		s.log.Error("[History] ❌ Delete failed", "error", err)
		return fmt.Errorf("%w: delete: %w", ErrPersistence, err)
	}
	s.log.Info("[History] ✅ Cleared")
	return nil
}

// Load 返回当前记录的副本（按时间顺序）。读取失败时视为空。
func (s *Store) Load(ctx context.Context) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLoaded(ctx)
	return append([]Entry(nil), s.entries...)
}

// Reload 丢弃内存状态，重新从后端读取
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.entries)
	s.loaded = false
	err := s.refresh(ctx)
	s.log.Info("[History] 🔄 Reloaded", "before", before, "after", len(s.entries))
	return err
}

// IsEmpty 是否没有任何记录
func (s *Store) IsEmpty(ctx context.Context) bool {
	return len(s.Load(ctx)) == 0
}

// Turns 把记录展开为交替的 user / assistant 历史轮次，用于上下文组装
func (s *Store) Turns(ctx context.Context) []memory.Turn {
	entries := s.Load(ctx)
	turns := make([]memory.Turn, 0, len(entries)*2)
	for _, e := range entries {
		ts, _ := time.ParseInLocation(TimestampLayout, e.Timestamp, time.Local)
		if e.User != "" {
			turns = append(turns, memory.Turn{Role: provider.RoleUser, Content: e.User, Timestamp: ts})
		}
		if e.Assistant != "" {
			turns = append(turns, memory.Turn{Role: provider.RoleAssistant, Content: e.Assistant, Timestamp: ts})
		}
	}
	return turns
}

// Format 把最近 maxEntries 条记录格式化为可拼接进 prompt 的文本；maxEntries ≤ 0 表示全部
func (s *Store) Format(ctx context.Context, maxEntries int) string {
	entries := s.Load(ctx)
	if len(entries) == 0 {
		return "无历史记录。"
	}
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}

	lines := make([]string, 0, len(entries))
	for i, e := range entries {
		lines = append(lines, fmt.Sprintf("%d. 用户: %s\n   助手: %s", i+1, e.User, e.Assistant))
	}
	return strings.Join(lines, "\n")
}

// assistantText 摘要模式下只保留标记开始的尾部段落；找不到标记时保留全文
func (s *Store) assistantText(assistant string) string {
	if !s.opts.SummaryOnly {
		return assistant
	}
	if tail := s.opts.Marker.FindString(assistant); tail != "" {
		return tail
	}
	s.log.Warn("[History] ⚠️ Summary marker not found, storing full reply",
		"reply_preview", applog.Preview(assistant, 60),
	)
	return assistant
}

func (s *Store) mutate(ctx context.Context, fn func([]Entry) []Entry, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	// 读取失败时不写回，避免用空列表覆盖后端中的记录
	if s.opts.Locker != nil || !s.loaded {
		if err := s.refresh(ctx); err != nil {
			s.log.Error("[History] ❌ Load before write failed, write skipped", "op", op, "error", err)
			return err
		}
	}

	s.entries = fn(s.entries)
	if err := s.backend.Save(ctx, s.entries); err != nil {
		s.log.Error("[History] ❌ Save failed", "op", op, "entries", len(s.entries), "error", err)
		return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
	s.log.Debug("[History] Saved", "op", op, "entries", len(s.entries))
	return nil
}

// ensureLoaded 调用方需持有 mu
func (s *Store) ensureLoaded(ctx context.Context) {
	if s.loaded && s.opts.Locker == nil {
		return
	}
	_ = s.refresh(ctx)
}

// refresh 调用方需持有 mu。读取失败时本次视为空，且保持未加载状态，下次访问重试。
func (s *Store) refresh(ctx context.Context) error {
	entries, err := s.backend.Load(ctx)
	if err != nil {
		s.log.Warn("[History] ⚠️ Load failed, treating as empty", "error", err)
		s.entries = nil
		s.loaded = false
		return fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	s.entries = entries
	s.loaded = true
	return nil
}

// lock 获取跨进程写锁，返回释放函数。调用方需持有 mu。
func (s *Store) lock(ctx context.Context) (func(), error) {
	if s.opts.Locker == nil {
		return func() {}, nil
	}

	timeout := time.NewTimer(s.opts.LockWait)
	defer timeout.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := s.opts.Locker.Acquire(ctx, s.id)
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock: %w", ErrPersistence, err)
		}
		if ok {
			return func() {
				if err := s.opts.Locker.Release(context.WithoutCancel(ctx), s.id); err != nil {
					s.log.Warn("[History] ⚠️ Failed to release lock", "error", err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			s.log.Warn("[History] ⚠️ Lock wait timed out", "wait", s.opts.LockWait)
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}
