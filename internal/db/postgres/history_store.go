package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/domain/history"
	applog "chatrelay/internal/platform/log"
)

// HistoryCache 可选的读缓存（Redis 实现见 redisdb.HistoryCache）
type HistoryCache interface {
	Get(ctx context.Context, conversationID string) ([]history.Entry, bool)
	Set(ctx context.Context, conversationID string, entries []history.Entry)
	Invalidate(ctx context.Context, conversationID string)
}

// HistoryStoreConfig PostgreSQL 历史记录后端配置
type HistoryStoreConfig struct {
	DB    *sql.DB
	Cache HistoryCache // 可为 nil（无缓存模式）
}

// HistoryStore 一个会话一行，entries 列保存完整条目数组（JSONB）
type HistoryStore struct {
	db             *sql.DB
	cache          HistoryCache
	conversationID string
}

// EnsureHistoryTable 确保 chat_histories 表存在
func EnsureHistoryTable(ctx context.Context, db *sql.DB) error {
	applog.Info("[History/PG] Ensuring chat_histories table exists...")
	ddl := `
	CREATE TABLE IF NOT EXISTS chat_histories (
		conversation_id VARCHAR(128) PRIMARY KEY,
		entries         JSONB NOT NULL DEFAULT '[]'::jsonb,
		entry_count     INTEGER NOT NULL DEFAULT 0,
		updated_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	`
	_, err := db.ExecContext(ctx, ddl)
	if err != nil {
		applog.Error("[History/PG] ❌ Failed to create table", "error", err)
	} else {
		applog.Info("[History/PG] ✅ Table ready")
	}
	return err
}

// NewHistoryStoreFactory 返回按会话创建 PostgreSQL 后端的工厂
func NewHistoryStoreFactory(cfg HistoryStoreConfig) history.BackendFactory {
	applog.Info("[History/PG] Initialized", "has_redis_cache", cfg.Cache != nil)
	return func(conversationID string) history.Backend {
		return &HistoryStore{db: cfg.DB, cache: cfg.Cache, conversationID: conversationID}
	}
}

// Load 先查缓存，miss 则查 PG 并回填缓存
func (s *HistoryStore) Load(ctx context.Context) ([]history.Entry, error) {
	if s.cache != nil {
		if entries, ok := s.cache.Get(ctx, s.conversationID); ok {
			return entries, nil
		}
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT entries FROM chat_histories WHERE conversation_id = $1`,
		s.conversationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		applog.Debug("[History/PG] No history found", "conversation_id", s.conversationID)
		return nil, nil
	}
	if err != nil {
		applog.Error("[History/PG] ❌ PG query failed", "conversation_id", s.conversationID, "error", err)
		return nil, fmt.Errorf("pg load history: %w", err)
	}

	entries, err := history.DecodeEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("pg load history: %w", err)
	}
	applog.Debug("[History/PG] 📥 Loaded from PG", "conversation_id", s.conversationID, "entries", len(entries))

	if s.cache != nil {
		s.cache.Set(ctx, s.conversationID, entries)
	}
	return entries, nil
}

// Save 写 PG + 失效缓存
func (s *HistoryStore) Save(ctx context.Context, entries []history.Entry) error {
	data, err := history.EncodeEntries(entries)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_histories (conversation_id, entries, entry_count, updated_at)
		 VALUES ($1, $2::jsonb, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET entries = EXCLUDED.entries,
		     entry_count = EXCLUDED.entry_count,
		     updated_at = EXCLUDED.updated_at`,
		s.conversationID, string(data), len(entries), time.Now(),
	)
	if err != nil {
		applog.Error("[History/PG] ❌ PG save failed", "conversation_id", s.conversationID, "error", err)
		return fmt.Errorf("pg save history: %w", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, s.conversationID)
	}
	return nil
}

// Delete 删除会话行 + 失效缓存
func (s *HistoryStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_histories WHERE conversation_id = $1`,
		s.conversationID,
	); err != nil {
		return fmt.Errorf("pg delete history: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, s.conversationID)
	}
	return nil
}
