package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/provider"
)

type memBackend struct {
	mu        sync.Mutex
	entries   []Entry
	saves     int
	loadErr   error
	loadFails int // 前 loadFails 次 Load 返回错误
	saveErr   error
}

func (b *memBackend) Load(ctx context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.loadFails > 0 {
		b.loadFails--
		return nil, errors.New("connection reset")
	}
	return append([]Entry(nil), b.entries...), nil
}

func (b *memBackend) Save(ctx context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saves++
	b.entries = append([]Entry(nil), entries...)
	return nil
}

func (b *memBackend) Delete(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	return nil
}

func fixedNow() time.Time {
	return time.Date(2025, 3, 1, 9, 30, 0, 0, time.Local)
}

func TestStoreAppendAndEvict(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	s := NewStore("c1", backend, Options{MaxEntries: 3, Now: fixedNow})

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, fmt.Sprintf("  u%d  ", i), fmt.Sprintf("a%d\n", i)))
	}

	got := s.Load(ctx)
	require.Len(t, got, 3)
	assert.Equal(t, Entry{Timestamp: "2025-03-01 09:30:00", User: "u3", Assistant: "a3"}, got[0])
	assert.Equal(t, "u5", got[2].User)
	assert.Equal(t, got, backend.entries)
	assert.Equal(t, 5, backend.saves)
}

func TestStoreSummaryOnly(t *testing.T) {
	ctx := context.Background()
	s := NewStore("c1", &memBackend{}, Options{SummaryOnly: true, Now: fixedNow})

	withMarker := "正文内容……\n\n动态角色状态机-2025-03-01 09:30\n- 角色: 旅人\n- 状态: 疲惫\n"
	require.NoError(t, s.Append(ctx, "继续", withMarker))
	require.NoError(t, s.Append(ctx, "再来", "没有任何标记的回复"))

	got := s.Load(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, "动态角色状态机-2025-03-01 09:30\n- 角色: 旅人\n- 状态: 疲惫", got[0].Assistant)
	assert.Equal(t, "没有任何标记的回复", got[1].Assistant, "missing marker falls back to full text")
}

func TestStoreRemoveLastAndClear(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	s := NewStore("c1", backend, Options{Now: fixedNow})

	removed, err := s.RemoveLast(ctx)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, s.Append(ctx, "u1", "a1"))
	require.NoError(t, s.Append(ctx, "u2", "a2"))

	removed, err = s.RemoveLast(ctx)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{"u1"}, users(s.Load(ctx)))
	assert.Len(t, backend.entries, 1)

	require.NoError(t, s.Clear(ctx))
	assert.True(t, s.IsEmpty(ctx))
	assert.Empty(t, backend.entries)
}

func TestStoreSaveFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{saveErr: errors.New("disk full")}
	s := NewStore("c1", backend, Options{Now: fixedNow})

	err := s.Append(ctx, "u", "a")

	require.ErrorIs(t, err, ErrPersistence)
	assert.Len(t, s.Load(ctx), 1)
}

func TestStoreLoadFailureTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{loadErr: errors.New("unreadable")}
	s := NewStore("c1", backend, Options{Now: fixedNow})

	assert.Empty(t, s.Load(ctx))

	backend.loadErr = nil
	require.NoError(t, s.Append(ctx, "u", "a"))
	assert.Len(t, backend.entries, 1)
}

func TestStoreTransientLoadFailureKeepsPersistedEntries(t *testing.T) {
	ctx := context.Background()
	persisted := make([]Entry, 20)
	for i := range persisted {
		persisted[i] = Entry{Timestamp: "2025-03-01 09:00:00", User: fmt.Sprintf("u%d", i), Assistant: "a"}
	}

	tests := []struct {
		name   string
		mutate func(s *Store) error
	}{
		{name: "append", mutate: func(s *Store) error { return s.Append(ctx, "new", "reply") }},
		{name: "remove last", mutate: func(s *Store) error { _, err := s.RemoveLast(ctx); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &memBackend{entries: append([]Entry(nil), persisted...), loadFails: 1}
			s := NewStore("c1", backend, Options{Now: fixedNow})

			err := tt.mutate(s)

			require.ErrorIs(t, err, ErrPersistence)
			assert.Equal(t, 0, backend.saves, "nothing written after a failed load")
			assert.Len(t, backend.entries, 20)

			require.NoError(t, s.Append(ctx, "new", "reply"), "next access retries the load")
			assert.Len(t, backend.entries, 21)
			assert.Equal(t, "u0", backend.entries[0].User)
		})
	}
}

func TestStoreReadAfterFailedLoadRetries(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{entries: []Entry{{User: "u1", Assistant: "a1"}}, loadFails: 1}
	s := NewStore("c1", backend, Options{})

	assert.Empty(t, s.Load(ctx))
	assert.Equal(t, []string{"u1"}, users(s.Load(ctx)))
}

func TestStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	s := NewStore("c1", backend, Options{MaxEntries: 50})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, fmt.Sprintf("u%d", i), "a"))
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Load(ctx), 40)
	assert.Len(t, backend.entries, 40)
	assert.Equal(t, 40, backend.saves)
}

func TestStoreReload(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	s := NewStore("c1", backend, Options{Now: fixedNow})
	require.NoError(t, s.Append(ctx, "u1", "a1"))

	backend.entries = append(backend.entries, Entry{Timestamp: "2025-03-01 10:00:00", User: "external", Assistant: "x"})
	assert.Len(t, s.Load(ctx), 1, "cached until reload")

	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, []string{"u1", "external"}, users(s.Load(ctx)))
}

func TestStoreTurnsAndFormat(t *testing.T) {
	ctx := context.Background()
	s := NewStore("c1", &memBackend{}, Options{Now: fixedNow})

	assert.Equal(t, "无历史记录。", s.Format(ctx, 0))

	require.NoError(t, s.Append(ctx, "你好", "嗨"))
	require.NoError(t, s.Append(ctx, "在吗", "在"))

	turns := s.Turns(ctx)
	require.Len(t, turns, 4)
	assert.Equal(t, provider.RoleUser, turns[0].Role)
	assert.Equal(t, "你好", turns[0].Content)
	assert.Equal(t, provider.RoleAssistant, turns[3].Role)
	assert.True(t, turns[0].Timestamp.Equal(fixedNow()))

	assert.Equal(t, "1. 用户: 你好\n   助手: 嗨\n2. 用户: 在吗\n   助手: 在", s.Format(ctx, 0))
	assert.Equal(t, "1. 用户: 在吗\n   助手: 在", s.Format(ctx, 1))
}

type stubLocker struct {
	mu       sync.Mutex
	denials  int
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denials > 0 {
		l.denials--
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *stubLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestStoreDistributedLock(t *testing.T) {
	ctx := context.Background()

	t.Run("waits for lock and rereads shared backend", func(t *testing.T) {
		backend := &memBackend{entries: []Entry{{Timestamp: "t", User: "other-process", Assistant: "x"}}}
		locker := &stubLocker{denials: 2}
		s := NewStore("c1", backend, Options{Locker: locker, Now: fixedNow})

		require.NoError(t, s.Append(ctx, "mine", "y"))

		assert.Equal(t, []string{"other-process", "mine"}, users(backend.entries))
		assert.Equal(t, 1, locker.acquired)
		assert.Equal(t, 1, locker.released)
	})

	t.Run("times out", func(t *testing.T) {
		locker := &stubLocker{denials: 1 << 30}
		s := NewStore("c1", &memBackend{}, Options{Locker: locker, LockWait: 120 * time.Millisecond})

		err := s.Append(ctx, "u", "a")

		require.ErrorIs(t, err, ErrLockTimeout)
		assert.Zero(t, locker.released)
	})
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "chat_history.json")

	s := NewStore("default", NewFileBackend(path), Options{Now: fixedNow})
	require.NoError(t, s.Append(ctx, "<你好>", "嗨 & 欢迎"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[\n  {\n    \"timestamp\": \"2025-03-01 09:30:00\",\n    \"user\": \"<你好>\",\n    \"assistant\": \"嗨 & 欢迎\"\n  }\n]", string(raw))

	reopened := NewStore("default", NewFileBackend(path), Options{})
	assert.Equal(t, s.Load(ctx), reopened.Load(ctx))

	require.NoError(t, reopened.Clear(ctx))
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, reopened.Clear(ctx), "clearing a missing file is fine")
}

func TestFileBackendCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat_history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore("default", NewFileBackend(path), Options{Now: fixedNow})
	assert.Empty(t, s.Load(ctx))

	require.NoError(t, s.Append(ctx, "u", "a"))
	entries, err := NewFileBackend(path).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManager(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(FileBackendFactory(dir), Options{})

	a := m.Get("")
	b := m.Get("default")
	assert.Same(t, a, b)
	assert.Equal(t, DefaultConversationID, a.ID())

	other := m.Get("room/../42")
	assert.NotSame(t, a, other)
	assert.True(t, strings.HasPrefix(other.ID(), "room_.._42-"), other.ID())
	assert.Same(t, other, m.Get("room/../42"))

	require.NoError(t, other.Append(context.Background(), "u", "a"))
	_, err := os.Stat(filepath.Join(dir, "chat_history_"+other.ID()+".json"))
	assert.NoError(t, err)
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "default"},
		{in: "   ", want: "default"},
		{in: "default", want: "default"},
		{in: "abc-123_x.y", want: "abc-123_x.y"},
		{in: strings.Repeat("x", 128), want: strings.Repeat("x", 128)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeID(tt.in))
		})
	}

	rewritten := []struct {
		in     string
		prefix string
	}{
		{in: "a b/c", prefix: "a_b_c-"},
		{in: "..", prefix: "conv-"},
		{in: "会话", prefix: "__-"},
		{in: strings.Repeat("x", 300), prefix: strings.Repeat("x", 100)},
	}
	for _, tt := range rewritten {
		t.Run("rewritten "+tt.in, func(t *testing.T) {
			got := SanitizeID(tt.in)
			assert.True(t, strings.HasPrefix(got, tt.prefix), got)
			assert.LessOrEqual(t, len(got), maxConversationIDLen)
			assert.Equal(t, got, SanitizeID(tt.in), "stable across calls")
			assert.Equal(t, got, SanitizeID(got), "already sanitized IDs are kept")
		})
	}
}

func TestSanitizeIDKeepsDistinctConversationsApart(t *testing.T) {
	ids := []string{"a/b", "a?b", "a b", "a_b", strings.Repeat("y", 200) + "1", strings.Repeat("y", 200) + "2"}

	seen := make(map[string]string)
	for _, id := range ids {
		got := SanitizeID(id)
		if prev, ok := seen[got]; ok {
			t.Fatalf("%q and %q both map to %q", prev, id, got)
		}
		seen[got] = id
	}

	dir := t.TempDir()
	m := NewManager(FileBackendFactory(dir), Options{})
	ctx := context.Background()
	require.NoError(t, m.Get("a/b").Append(ctx, "from a/b", "x"))
	require.NoError(t, m.Get("a?b").Append(ctx, "from a?b", "y"))
	assert.Equal(t, []string{"from a/b"}, users(m.Get("a/b").Load(ctx)))
	assert.Equal(t, []string{"from a?b"}, users(m.Get("a?b").Load(ctx)))
}

func users(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.User)
	}
	return out
}
