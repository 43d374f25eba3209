package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnUnmarshalTimestamp(t *testing.T) {
	tests := []struct {
		name string
		json string
		want time.Time
	}{
		{name: "rfc3339", json: `{"role":"user","content":"hi","timestamp":"2025-03-01T09:30:00Z"}`, want: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)},
		{name: "history file layout", json: `{"role":"user","content":"hi","timestamp":"2025-03-01 09:30:00"}`, want: time.Date(2025, 3, 1, 9, 30, 0, 0, time.Local)},
		{name: "unix seconds", json: `{"role":"user","content":"hi","timestamp":1740821400}`, want: time.Unix(1740821400, 0)},
		{name: "unix millis", json: `{"role":"user","content":"hi","timestamp":1740821400000}`, want: time.Unix(1740821400, 0)},
		{name: "missing", json: `{"role":"user","content":"hi"}`},
		{name: "null", json: `{"role":"user","content":"hi","timestamp":null}`},
		{name: "empty string", json: `{"role":"user","content":"hi","timestamp":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var turn Turn
			require.NoError(t, json.Unmarshal([]byte(tt.json), &turn))

			assert.Equal(t, "user", turn.Role)
			assert.Equal(t, "hi", turn.Content)
			assert.True(t, tt.want.Equal(turn.Timestamp), "got %v want %v", turn.Timestamp, tt.want)
		})
	}
}

func TestTurnUnmarshalRejectsGarbageTimestamp(t *testing.T) {
	for _, raw := range []string{`"yesterday"`, `true`, `{}`} {
		var turn Turn
		err := json.Unmarshal([]byte(`{"role":"user","content":"hi","timestamp":`+raw+`}`), &turn)
		assert.Error(t, err, raw)
	}
}

func TestTurnSliceUnmarshal(t *testing.T) {
	var turns []Turn
	require.NoError(t, json.Unmarshal([]byte(`[{"role":"user","content":"你好","timestamp":"2025-03-01 09:30:00"},{"role":"assistant","content":"嗨"}]`), &turns))

	require.Len(t, turns, 2)
	assert.Equal(t, "嗨", turns[1].Content)
	assert.True(t, turns[1].Timestamp.IsZero())
}
