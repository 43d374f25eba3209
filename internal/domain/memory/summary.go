package memory

import (
	"strings"

	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/provider"
)

const (
	summaryHeader      = "要点（历史摘要）:\n- "
	summaryLineSep     = "\n- "
	summaryMaxLines    = 12
	summaryLineMaxRune = 100
)

// Summarize 将超出阈值的较早历史压缩为要点列表。
// len(turns) ≤ threshold 时原样返回 existing；否则对 turns[:len-threshold]
// 每条取 "U:"/"A:" 前缀加前 100 个字符（换行替换为空格），最多 12 行，
// 结果替换（而非追加）existing。没有有效文本时返回 existing。
func (p *Packer) Summarize(turns []Turn, existing string, threshold int) string {
	if threshold < 0 {
		threshold = 0
	}
	if len(turns) <= threshold {
		return existing
	}

	older := turns[:len(turns)-threshold]
	lines := make([]string, 0, summaryMaxLines)
	for _, turn := range older {
		text := strings.TrimSpace(strings.ReplaceAll(turn.Content, "\n", " "))
		if text == "" {
			continue
		}
		tag := "A"
		if turn.Role == provider.RoleUser {
			tag = "U"
		}
		lines = append(lines, tag+": "+truncateRunes(text, summaryLineMaxRune))
		if len(lines) == summaryMaxLines {
			break
		}
	}

	if len(lines) == 0 {
		applog.Debug("[Summary] Older turns carry no text, keeping existing summary", "older_turns", len(older))
		return existing
	}

	applog.Debug("[Summary] Condensed older turns",
		"older_turns", len(older),
		"lines", len(lines),
		"threshold", threshold,
	)
	return summaryHeader + strings.Join(lines, summaryLineSep)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
