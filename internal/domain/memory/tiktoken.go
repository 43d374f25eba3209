package memory

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	applog "chatrelay/internal/platform/log"
)

// TiktokenEstimator 基于 BPE 编码的估算器。编码失败时回落到字符估算。
type TiktokenEstimator struct {
	codec    tokenizer.Codec
	fallback *ApproxEstimator
}

// NewTiktokenEstimator 创建估算器。上游模型各异，统一近似为 GPT-4 编码。
func NewTiktokenEstimator(model string, fallbackTokensPerChar float64) (*TiktokenEstimator, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TiktokenEstimator{
		codec:    codec,
		fallback: NewApproxEstimator(fallbackTokensPerChar),
	}, nil
}

// EstimateTokens 估算文本的 Token 数
func (e *TiktokenEstimator) EstimateTokens(text string) int {
	if e.codec == nil {
		return e.fallback.EstimateTokens(text)
	}
	count, err := e.codec.Count(text)
	if err != nil {
		applog.Debug("[Estimator] tiktoken count failed, using char estimate", "error", err)
		return e.fallback.EstimateTokens(text)
	}
	if count < 1 {
		return 1
	}
	return count
}
