package memory

import (
	"bytes"
	"encoding/json"
	"strings"
)

const worldStateHeader = "[World State]\n"

// worldStateKeys 允许进入上下文的世界状态字段（按输出顺序）
var worldStateKeys = []string{"scene", "location", "time", "weather", "inventory", "quests", "flags"}

// SliceWorldState 提取世界状态中的白名单字段，渲染为 "[World State]\n{...}"。
// state 不是字符串键映射，或不含任何白名单字段时返回 false。
// 输出保持白名单顺序，不转义 HTML 与非 ASCII 字符。
func SliceWorldState(state any) (string, bool) {
	m, ok := state.(map[string]any)
	if !ok {
		return "", false
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	n := 0
	for _, key := range worldStateKeys {
		value, present := m[key]
		if !present {
			continue
		}
		encoded, err := marshalNoEscape(value)
		if err != nil {
			continue
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		keyJSON, _ := marshalNoEscape(key)
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(encoded)
		n++
	}
	if n == 0 {
		return "", false
	}
	buf.WriteByte('}')
	return worldStateHeader + buf.String(), true
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(buf.String(), "\n")), nil
}
