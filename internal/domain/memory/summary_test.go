package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func numberedTurns(n int) []Turn {
	turns := make([]Turn, 0, n)
	for i := 1; i <= n; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		turns = append(turns, Turn{Role: role, Content: fmt.Sprintf("第%d轮", i)})
	}
	return turns
}

func TestSummarizeThreshold(t *testing.T) {
	p := newTestPacker()

	t.Run("at threshold keeps existing", func(t *testing.T) {
		assert.Equal(t, "old", p.Summarize(numberedTurns(10), "old", 10))
	})

	t.Run("above threshold replaces existing", func(t *testing.T) {
		got := p.Summarize(numberedTurns(11), "old", 10)
		assert.Equal(t, "要点（历史摘要）:\n- U: 第1轮", got)
	})

	t.Run("negative threshold behaves as zero", func(t *testing.T) {
		got := p.Summarize(numberedTurns(2), "", -3)
		assert.Equal(t, "要点（历史摘要）:\n- U: 第1轮\n- A: 第2轮", got)
	})
}

func TestSummarizeLineShaping(t *testing.T) {
	p := newTestPacker()
	turns := []Turn{
		{Role: "user", Content: "  第一行\n第二行  "},
		{Role: "assistant", Content: "   "},
		{Role: "system", Content: strings.Repeat("长", 150)},
	}

	got := p.Summarize(turns, "", 0)

	lines := strings.Split(strings.TrimPrefix(got, summaryHeader), summaryLineSep)
	assert.Equal(t, []string{"U: 第一行 第二行", "A: " + strings.Repeat("长", 100)}, lines)
}

func TestSummarizeCapsLines(t *testing.T) {
	p := newTestPacker()

	got := p.Summarize(numberedTurns(30), "", 0)

	assert.Equal(t, 12, strings.Count(got, "\n- "))
	assert.Contains(t, got, "第12轮")
	assert.NotContains(t, got, "第13轮")
}

func TestSummarizeWithoutTextKeepsExisting(t *testing.T) {
	p := newTestPacker()
	turns := []Turn{{Role: "user", Content: ""}, {Role: "assistant", Content: "\n"}}

	assert.Equal(t, "keep", p.Summarize(turns, "keep", 0))
}
