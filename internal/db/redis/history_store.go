package redisdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain/history"
	applog "chatrelay/internal/platform/log"
)

// HistoryStoreConfig Redis 历史记录后端配置
type HistoryStoreConfig struct {
	Client    *redis.Client
	KeyPrefix string        // 默认 "chat:history:"
	TTL       time.Duration // 0 表示不过期
}

// HistoryStore 以单个 JSON 字符串保存一个会话的全部条目，格式与文件后端一致
type HistoryStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewHistoryStoreFactory 返回按会话创建 Redis 后端的工厂
func NewHistoryStoreFactory(cfg HistoryStoreConfig) history.BackendFactory {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chat:history:"
	}
	applog.Info("[History/Redis] Initialized", "key_prefix", cfg.KeyPrefix, "ttl", cfg.TTL)
	return func(conversationID string) history.Backend {
		return &HistoryStore{
			client: cfg.Client,
			key:    cfg.KeyPrefix + conversationID,
			ttl:    cfg.TTL,
		}
	}
}

// Key Redis key
func (s *HistoryStore) Key() string { return s.key }

func (s *HistoryStore) Load(ctx context.Context) ([]history.Entry, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		applog.Debug("[History/Redis] No history found", "key", s.key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", s.key, err)
	}
	entries, err := history.DecodeEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("redis key %s: %w", s.key, err)
	}
	applog.Debug("[History/Redis] Loaded", "key", s.key, "entries", len(entries))
	return entries, nil
}

func (s *HistoryStore) Save(ctx context.Context, entries []history.Entry) error {
	data, err := history.EncodeEntries(entries)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", s.key, err)
	}
	applog.Debug("[History/Redis] Saved", "key", s.key, "entries", len(entries))
	return nil
}

func (s *HistoryStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", s.key, err)
	}
	return nil
}
