package redisdb

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	applog "chatrelay/internal/platform/log"
)

// releaseScript 仅当锁仍由自己持有时才删除，避免误删过期后被他人重新获取的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// HistoryLock 基于 Redis SETNX 的会话级写锁
type HistoryLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewHistoryLock 创建写锁；ttl ≤ 0 时取 30s
func NewHistoryLock(client *redis.Client, ttl time.Duration) *HistoryLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HistoryLock{
		client: client,
		prefix: "chat:history:lock:",
		ttl:    ttl,
		tokens: make(map[string]string),
	}
}

// Acquire 尝试获取锁，已被占用时返回 false
func (l *HistoryLock) Acquire(ctx context.Context, conversationID string) (bool, error) {
	key := l.prefix + conversationID
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		applog.Warn("[HistoryLock] Failed to acquire lock", "conversation_id", conversationID, "error", err)
		return false, err
	}
	if !acquired {
		applog.Debug("[HistoryLock] Lock already held", "conversation_id", conversationID)
		return false, nil
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	applog.Debug("[HistoryLock] Lock acquired", "conversation_id", conversationID)
	return true, nil
}

// Release 释放锁
func (l *HistoryLock) Release(ctx context.Context, conversationID string) error {
	key := l.prefix + conversationID

	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		applog.Warn("[HistoryLock] Failed to release lock", "conversation_id", conversationID, "error", err)
		return err
	}
	applog.Debug("[HistoryLock] Lock released", "conversation_id", conversationID)
	return nil
}
