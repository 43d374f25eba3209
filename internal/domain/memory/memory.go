// Package memory 负责在固定的 token 预算内组装发往模型的上下文：
// 估算、截断、历史挑选、摘要、世界状态切片与最终消息拼装。
package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/provider"
)

// Turn 一条历史对话（按时间顺序排列，最旧在前）
type Turn struct {
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// turnTimeLayouts 可接受的字符串时间格式；无时区的按本地时间解析（与历史文件一致）
var turnTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON 时间戳兼容 RFC3339、历史文件格式 "2006-01-02 15:04:05" 以及 Unix 秒/毫秒
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := parseTurnTime(raw.Timestamp)
	if err != nil {
		return err
	}
	*t = Turn{Role: raw.Role, Content: raw.Content, Timestamp: ts}
	return nil
}

func parseTurnTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range turnTimeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized turn timestamp %q", s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("unrecognized turn timestamp %s", raw)
	}
	sec, err := n.Float64()
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized turn timestamp %s", raw)
	}
	// 超过 1e12 视为毫秒
	if sec > 1e12 {
		return time.UnixMilli(int64(sec)), nil
	}
	return time.Unix(int64(sec), 0), nil
}

// BudgetConfig 上下文预算配置。进程级，运行期不修改。
type BudgetConfig struct {
	TotalBudget            int     `json:"total_budget"`              // 整体消息预算
	UserReserve            int     `json:"user_reserve"`              // 为当前用户输入额外预留
	MinHistoryBudget       int     `json:"min_history_budget"`        // 历史预算下限
	MaxSingleMessageTokens int     `json:"max_single_message_tokens"` // 单条历史消息上限
	TokensPerChar          float64 `json:"tokens_per_char"`
	SummaryTurnThreshold   int     `json:"summary_turn_threshold"` // 超过此条数开始摘要较早的历史
}

// DefaultBudgetConfig 默认预算（偏向中文文本：1 字符 ≈ 1 token）
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		TotalBudget:            3000,
		UserReserve:            128,
		MinHistoryBudget:       512,
		MaxSingleMessageTokens: 600,
		TokensPerChar:          1.0,
		SummaryTurnThreshold:   10,
	}
}

// Normalize 非正数字段回落到默认值
func (c BudgetConfig) Normalize() BudgetConfig {
	d := DefaultBudgetConfig()
	if c.TotalBudget <= 0 {
		c.TotalBudget = d.TotalBudget
	}
	if c.UserReserve <= 0 {
		c.UserReserve = d.UserReserve
	}
	if c.MinHistoryBudget <= 0 {
		c.MinHistoryBudget = d.MinHistoryBudget
	}
	if c.MaxSingleMessageTokens <= 0 {
		c.MaxSingleMessageTokens = d.MaxSingleMessageTokens
	}
	if c.TokensPerChar <= 0 {
		c.TokensPerChar = d.TokensPerChar
	}
	if c.SummaryTurnThreshold <= 0 {
		c.SummaryTurnThreshold = d.SummaryTurnThreshold
	}
	return c
}

// Packer 上下文打包器，持有预算配置与 token 估算策略。并发安全（无可变状态）。
type Packer struct {
	cfg       BudgetConfig
	estimator TokenEstimator
}

// NewPacker 创建打包器；estimator 为 nil 时使用按字符估算。
func NewPacker(cfg BudgetConfig, estimator TokenEstimator) *Packer {
	cfg = cfg.Normalize()
	if estimator == nil {
		estimator = NewApproxEstimator(cfg.TokensPerChar)
	}
	return &Packer{cfg: cfg, estimator: estimator}
}

// Config 返回生效的预算配置
func (p *Packer) Config() BudgetConfig { return p.cfg }

// Estimate 估算文本 token 数（≥ 1）
func (p *Packer) Estimate(text string) int {
	return p.estimator.EstimateTokens(text)
}

func roleOrUser(role string) string {
	if role == "" {
		return provider.RoleUser
	}
	return role
}
