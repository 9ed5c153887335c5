package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesEventLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(t.TempDir())
	l.SetOutput(&buf)

	l.Log(Event{Type: EventTypeStep, ChatID: "t1", Step: 3, Data: map[string]any{"action": "run_sql"}})
	l.LogHeartbeat()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var evt Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, EventTypeStep, evt.Type)
	assert.Equal(t, 3, evt.Step)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Contains(t, lines[1], `"heartbeat"`)
}

func TestLLMExchangesGoToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l := NewLogger(dir)
	l.SetOutput(&buf)
	l.maxSize = 10

	l.LogLLM("t1", 1, "prompt", `{"action":"list_tables"}`, time.Millisecond)
	l.LogLLM("t1", 2, "prompt", `{"action":"finish"}`, time.Millisecond)

	assert.Empty(t, buf.String())
	current, err := os.ReadFile(filepath.Join(dir, "llm.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(current), `"step":2`)
	old, err := os.ReadFile(filepath.Join(dir, "llm.jsonl.old"))
	require.NoError(t, err)
	assert.Contains(t, string(old), `"step":1`)
}
