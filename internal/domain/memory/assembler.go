package memory

import (
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

// ContextInput 一次请求的上下文原料
type ContextInput struct {
	SystemPrompt  string
	MemorySummary string
	WorldState    any
	Turns         []Turn // 按时间顺序
	UserText      string
}

// ContextResult 组装结果及诊断信息
type ContextResult struct {
	Messages        []provider.Message
	MemoryText      string
	WorldText       string
	HistoryBudget   int
	SelectedTurns   int
	EstimatedTokens int
	ForcedSummary   bool
}

// Assemble 按固定顺序组装消息：
// system -> memory -> world -> 预算内的最近历史 -> 当前用户输入（原文，始终最后）。
// 空的头部文本不产生消息。
func (p *Packer) Assemble(systemText, memoryText, worldText string, turns []Turn, userText string) []provider.Message {
	return p.assemble(systemText, memoryText, worldText, turns, userText).Messages
}

func (p *Packer) assemble(systemText, memoryText, worldText string, turns []Turn, userText string) ContextResult {
	heads := []string{systemText, memoryText, worldText}
	messages := make([]provider.Message, 0, len(turns)+4)
	for _, h := range heads {
		if h != "" {
			messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: h})
		}
	}

	budget := p.AllocateHistoryBudget(p.cfg.TotalBudget, heads, userText, p.cfg.UserReserve, p.cfg.MinHistoryBudget)
	recent := p.SelectHistory(turns, budget)
	messages = append(messages, recent...)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: userText})

	total := 0
	for _, m := range messages {
		total += p.Estimate(m.Content)
	}

	applog.Debug("[Context] Messages assembled",
		"messages", len(messages),
		"history_budget", budget,
		"selected_turns", len(recent),
		"estimated_tokens", total,
	)
	if total > p.cfg.TotalBudget {
		// 历史预算下限可能把总量推过上限，由上游自行截断
		applog.Warn("[Context] ⚠️ Assembled context exceeds total budget",
			"estimated_tokens", total,
			"total_budget", p.cfg.TotalBudget,
		)
	}

	return ContextResult{
		Messages:        messages,
		MemoryText:      memoryText,
		WorldText:       worldText,
		HistoryBudget:   budget,
		SelectedTurns:   len(recent),
		EstimatedTokens: total,
	}
}

// BuildContext 请求级流程：
//  1. 切片世界状态；
//  2. 若整体估算超预算，先以阈值 0 强制摘要全部历史；
//  3. 按轮次阈值摘要较早历史；
//  4. 组装消息。
func (p *Packer) BuildContext(in ContextInput) ContextResult {
	worldText, _ := SliceWorldState(in.WorldState)
	memoryText := in.MemorySummary

	forced := false
	if p.ShouldSummarize([]string{in.SystemPrompt, memoryText, worldText}, in.Turns, in.UserText, p.cfg.TotalBudget) {
		memoryText = p.Summarize(in.Turns, memoryText, 0)
		forced = true
		applog.Info("[Context] 📝 Context over budget, summarized all prior turns",
			"turns", len(in.Turns),
			"summary_preview", applog.Preview(memoryText, 80),
		)
	}
	memoryText = p.Summarize(in.Turns, memoryText, p.cfg.SummaryTurnThreshold)

	res := p.assemble(in.SystemPrompt, memoryText, worldText, in.Turns, in.UserText)
	res.ForcedSummary = forced
	return res
}
