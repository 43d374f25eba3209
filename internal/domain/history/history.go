// Package history 持久化的有界对话记录：追加、淘汰最旧、摘要提取与多后端存储。
package history

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// TimestampLayout 条目时间戳格式（本地时间，秒级）
const TimestampLayout = "2006-01-02 15:04:05"

// DefaultMaxEntries 默认保留的最大条目数
const DefaultMaxEntries = 50

// DefaultSummaryMarker 摘要模式下从助手回复中截取的尾部段落起始标记
const DefaultSummaryMarker = `动态角色状态机-\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}[\s\S]*$`

var (
	// ErrPersistence 后端读写失败。写失败不影响内存中的记录。
	ErrPersistence = errors.New("chat history persistence failed")
	// ErrLockTimeout 等待分布式写锁超时
	ErrLockTimeout = errors.New("chat history lock wait timed out")
)

// Entry 一轮完整对话（用户输入 + 助手回复）
type Entry struct {
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Backend 历史记录存储后端。每次写入都是全量覆盖。
type Backend interface {
	// Load 读取全部条目；不存在时返回 (nil, nil)
	Load(ctx context.Context) ([]Entry, error)
	// Save 全量覆盖写入
	Save(ctx context.Context, entries []Entry) error
	// Delete 删除持久化数据
	Delete(ctx context.Context) error
}

// BackendFactory 按会话 ID 创建后端
type BackendFactory func(conversationID string) Backend

// Locker 跨进程写锁。共享后端（Redis / PostgreSQL）下多个实例同时写同一会话时使用。
type Locker interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Options Store 行为配置
type Options struct {
	MaxEntries  int
	SummaryOnly bool           // 只保存助手回复中标记之后的摘要段落
	Marker      *regexp.Regexp // 为 nil 时使用 DefaultSummaryMarker
	Locker      Locker         // 可选
	LockWait    time.Duration  // 等待写锁的上限，默认 5s
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Marker == nil {
		o.Marker = regexp.MustCompile(DefaultSummaryMarker)
	}
	if o.LockWait <= 0 {
		o.LockWait = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
