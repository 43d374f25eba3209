package stream

import (
	"encoding/json"
	"strings"
)

// chunkEnvelope 上游数据行的封闭联合体：
// OpenAI 兼容格式使用 choices，Gemini 风格使用 candidates。
// 指针切片用于区分“字段缺失”和“字段为空数组”。
type chunkEnvelope struct {
	Choices    *[]choiceChunk    `json:"choices"`
	Candidates *[]candidateChunk `json:"candidates"`
}

type choiceChunk struct {
	Delta        *contentChunk `json:"delta"`
	Message      *contentChunk `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type contentChunk struct {
	Content string `json:"content"`
}

type candidateChunk struct {
	Content struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
}

// Shape 已识别的数据格式
type Shape string

const (
	ShapeChoices    Shape = "choices"
	ShapeCandidates Shape = "candidates"
)

// decodeChunk 从单个 data 负载中提取文本增量。
// 返回空文本表示该行合法但不携带内容（例如只有 finish_reason）。
func decodeChunk(payload []byte) (string, Shape, error) {
	var env chunkEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", ErrMalformedChunk
	}

	switch {
	case env.Choices != nil:
		choices := *env.Choices
		if len(choices) == 0 {
			return "", ShapeChoices, nil
		}
		first := choices[0]
		if first.Delta != nil {
			return first.Delta.Content, ShapeChoices, nil
		}
		if first.Message != nil {
			return first.Message.Content, ShapeChoices, nil
		}
		return "", ShapeChoices, nil

	case env.Candidates != nil:
		candidates := *env.Candidates
		if len(candidates) == 0 {
			return "", ShapeCandidates, nil
		}
		var sb strings.Builder
		for _, part := range candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		return sb.String(), ShapeCandidates, nil
	}

	return "", "", ErrUnrecognizedChunk
}
