package memory

import (
	"chatrelay/internal/provider"
)

// lastResortFloor 尚未选中任何历史时，剩余预算高于此值才尝试再缩一轮
const lastResortFloor = 50

// SelectHistory 从最近往前挑选历史，返回按时间顺序排列的消息。
// 每条先截断到 MaxSingleMessageTokens；放不下即停止（不跳过），
// 若此时一条都没选中，则尝试把这一条缩到剩余预算内，保证历史不完全缺失。
func (p *Packer) SelectHistory(turns []Turn, budget int) []provider.Message {
	if budget <= 0 || len(turns) == 0 {
		return nil
	}

	remaining := budget
	picked := make([]provider.Message, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		content := p.Truncate(turn.Content, p.cfg.MaxSingleMessageTokens)
		cost := p.Estimate(content)

		if cost <= remaining {
			picked = append(picked, provider.Message{Role: roleOrUser(turn.Role), Content: content})
			remaining -= cost
			continue
		}

		if len(picked) == 0 && remaining > lastResortFloor {
			shrunk := p.Truncate(content, max(remaining, lastResortFloor))
			if p.Estimate(shrunk) <= remaining {
				picked = append(picked, provider.Message{Role: roleOrUser(turn.Role), Content: shrunk})
			}
		}
		break
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}
