package redisdb

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain/history"
	applog "chatrelay/internal/platform/log"
)

// HistoryCache PostgreSQL 历史记录的读缓存：读时回填，写时失效
type HistoryCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewHistoryCache 创建读缓存；ttl ≤ 0 时取 30 分钟
func NewHistoryCache(client *redis.Client, ttl time.Duration) *HistoryCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &HistoryCache{
		client: client,
		prefix: "chat:history:cache:",
		ttl:    ttl,
	}
}

// Get 命中时返回条目
func (c *HistoryCache) Get(ctx context.Context, conversationID string) ([]history.Entry, bool) {
	key := c.prefix + conversationID
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			applog.Warn("[HistoryCache] GET failed", "key", key, "error", err)
		}
		return nil, false
	}
	entries, err := history.DecodeEntries(raw)
	if err != nil {
		applog.Warn("[HistoryCache] Cache data corrupted, ignoring", "key", key, "error", err)
		return nil, false
	}
	applog.Debug("[HistoryCache] 🎯 Cache HIT", "key", key, "entries", len(entries))
	return entries, true
}

// Set 回填缓存，失败只记日志
func (c *HistoryCache) Set(ctx context.Context, conversationID string, entries []history.Entry) {
	key := c.prefix + conversationID
	data, err := history.EncodeEntries(entries)
	if err != nil {
		applog.Warn("[HistoryCache] Failed to encode entries", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[HistoryCache] ⚠️ Failed to set cache", "key", key, "error", err)
	}
}

// Invalidate 删除缓存，失败只记日志
func (c *HistoryCache) Invalidate(ctx context.Context, conversationID string) {
	key := c.prefix + conversationID
	if err := c.client.Del(ctx, key).Err(); err != nil {
		applog.Warn("[HistoryCache] ⚠️ Failed to invalidate cache", "key", key, "error", err)
	}
}
