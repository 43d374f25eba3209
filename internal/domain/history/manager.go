package history

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	applog "chatrelay/internal/platform/log"
)

// DefaultConversationID 未指定会话时使用的 ID
const DefaultConversationID = "default"

const (
	maxConversationIDLen = 128
	idDigestBytes        = 6
)

// Manager 按会话 ID 管理 Store。启动时创建一次并注入到使用方。
type Manager struct {
	factory BackendFactory
	opts    Options

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager 创建会话管理器
func NewManager(factory BackendFactory, opts Options) *Manager {
	opts = opts.withDefaults()
	applog.Info("[History] Manager initialized",
		"max_entries", opts.MaxEntries,
		"summary_only", opts.SummaryOnly,
		"distributed_lock", opts.Locker != nil,
	)
	return &Manager{
		factory: factory,
		opts:    opts,
		stores:  make(map[string]*Store),
	}
}

// Get 返回会话对应的 Store（不存在则创建）。ID 会先做规范化。
func (m *Manager) Get(conversationID string) *Store {
	id := SanitizeID(conversationID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[id]; ok {
		return s
	}
	s := NewStore(id, m.factory(id), m.opts)
	m.stores[id] = s
	return s
}

// SanitizeID 把会话 ID 规范化为可安全用作文件名/key 的形式。
// 只含字母、数字、'-'、'_'、'.' 且长度合法的 ID 原样保留；其余字符替换为 '_'，
// 并追加原始 ID 的摘要，保证不同 ID 不会落到同一个会话。空值回落到 default。
func SanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultConversationID
	}

	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}

	out := strings.Trim(sb.String(), ".")
	if out == id && len(out) <= maxConversationIDLen {
		return out
	}

	sum := blake3.Sum256([]byte(id))
	suffix := "-" + hex.EncodeToString(sum[:idDigestBytes])
	if out == "" {
		out = "conv"
	}
	if limit := maxConversationIDLen - len(suffix); len(out) > limit {
		out = out[:limit]
	}
	return out + suffix
}
