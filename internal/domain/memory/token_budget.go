package memory

import (
	"math"
)

// TokenEstimator Token 估算器接口
type TokenEstimator interface {
	// EstimateTokens 估算文本的 Token 数，结果至少为 1
	EstimateTokens(text string) int
}

// ApproxEstimator 按字符估算：ceil(rune 数 * tokensPerChar)，至少 1
type ApproxEstimator struct {
	tokensPerChar float64
}

// NewApproxEstimator 创建字符估算器，tokensPerChar ≤ 0 时取 1.0
func NewApproxEstimator(tokensPerChar float64) *ApproxEstimator {
	if tokensPerChar <= 0 {
		tokensPerChar = 1.0
	}
	return &ApproxEstimator{tokensPerChar: tokensPerChar}
}

// EstimateTokens 估算文本的 Token 数
func (e *ApproxEstimator) EstimateTokens(text string) int {
	n := int(math.Ceil(float64(runeCount(text)) * e.tokensPerChar))
	if n < 1 {
		return 1
	}
	return n
}

// truncationMarker 截断时插入头尾之间的标记
const truncationMarker = "\n…(内容过长，已截断)…\n"

// Truncate 把文本限制在 maxTokens 以内：保留开头 60% 与结尾 30% 的字符，中间插入截断标记。
// 标记本身不计入预算，结果可能略超 maxTokens。幂等。
func (p *Packer) Truncate(text string, maxTokens int) string {
	if p.Estimate(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	maxChars := int(math.Floor(float64(maxTokens) / p.cfg.TokensPerChar))
	if maxChars < 1 {
		maxChars = 1
	}
	head := max(1, int(0.6*float64(maxChars)))
	tail := max(1, int(0.3*float64(maxChars)))
	if head+tail >= len(runes) {
		return text
	}
	return string(runes[:head]) + truncationMarker + string(runes[len(runes)-tail:])
}

// AllocateHistoryBudget 计算留给历史消息的预算：
// total - Σ(非空头部文本) - (用户输入 + reserve)，且不低于 minHistory。
func (p *Packer) AllocateHistoryBudget(total int, headTexts []string, userText string, reserve, minHistory int) int {
	used := p.headTokens(headTexts)
	userCost := p.Estimate(userText) + reserve
	return max(minHistory, total-used-userCost)
}

// ShouldSummarize 当头部文本、用户输入与全部历史的总估算超过 total 时返回 true，
// 调用方应先以阈值 0 强制摘要，再走正常组装。
func (p *Packer) ShouldSummarize(headTexts []string, turns []Turn, userText string, total int) bool {
	used := p.headTokens(headTexts) + p.Estimate(userText) + p.cfg.UserReserve
	for _, t := range turns {
		used += p.Estimate(t.Content)
	}
	return used > total
}

func (p *Packer) headTokens(headTexts []string) int {
	used := 0
	for _, h := range headTexts {
		if h != "" {
			used += p.Estimate(h)
		}
	}
	return used
}

func runeCount(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
