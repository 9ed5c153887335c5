package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/dbagent/internal/tools"
)

func TestSummarizeBoundsKnowledge(t *testing.T) {
	s := NewSessionState("t", "q", 20)
	var tables []string
	for i := 0; i < 5; i++ {
		tables = append(tables, fmt.Sprintf("t%d", i))
	}
	s.KnownTables = append(tables, "t0")
	s.RecordSchema("t1", []tools.Column{{Name: "a", Type: "INT"}, {Name: "b", Type: "INT"}, {Name: "c", Type: "INT"}})
	s.LastError = tools.CodeUnknownColumn

	sum := Summarize(s, SummaryLimits{MaxTables: 3, MaxColsPerTable: 2, MaxPreviewChars: 10, MaxSteps: 2})
	assert.Equal(t, []string{"t0", "t1", "t2", ellipsis}, sum.KnownTables)
	assert.Equal(t, []string{"a", "b", ellipsis}, sum.KnownSchemas["t1"])
	assert.Equal(t, tools.CodeUnknownColumn, sum.LastErrorCode)
	assert.Empty(t, sum.RecentSteps)

	// state is untouched
	assert.Len(t, s.KnownTables, 6)
	assert.Len(t, s.KnownSchemas["t1"], 3)
}

func TestSummarizeMarksDroppedSchemas(t *testing.T) {
	s := NewSessionState("t", "q", 20)
	for i := 0; i < 5; i++ {
		s.RecordSchema(fmt.Sprintf("t%d", i), []tools.Column{{Name: "id", Type: "INT"}})
	}

	sum := Summarize(s, SummaryLimits{MaxTables: 3})
	require.Len(t, sum.KnownSchemas, 4)
	assert.Contains(t, sum.KnownSchemas, "t2")
	assert.NotContains(t, sum.KnownSchemas, "t3")
	assert.Equal(t, []string{"2 more tables"}, sum.KnownSchemas[ellipsis])

	exact := Summarize(s, SummaryLimits{MaxTables: 5})
	assert.Len(t, exact.KnownSchemas, 5)
	assert.NotContains(t, exact.KnownSchemas, ellipsis)
}

func TestSummarizeDigestsRecentSteps(t *testing.T) {
	s := NewSessionState("t", "q", 20)
	s.AppendStep(actionStep(ActionListTables, true))
	s.AppendStep(Step{
		Kind:        StepAction,
		Thought:     strings.Repeat("x", 300),
		Action:      ActionRunSQL,
		Args:        map[string]any{"sql": strings.Repeat("s", 200), "limit": 5.0},
		Observation: &Observation{OK: true, Preview: []map[string]any{{"name": strings.Repeat("n", 50)}}},
	})
	s.AppendStep(Step{
		Kind:        StepAction,
		Action:      ActionDescribeTable,
		Args:        map[string]any{"table": "ghosts"},
		Observation: failedObservation(tools.CodeUnknownTable, "no such table"),
	})

	sum := Summarize(s, SummaryLimits{MaxPreviewChars: 20, MaxSteps: 2})
	require.Len(t, sum.RecentSteps, 2)

	sqlStep := sum.RecentSteps[0]
	assert.Equal(t, 2, sqlStep.Index)
	assert.Equal(t, maxThoughtChars+1, len([]rune(sqlStep.Thought)))
	assert.True(t, strings.HasSuffix(sqlStep.Thought, ellipsis))
	assert.Equal(t, maxArgChars+1, len([]rune(sqlStep.Args["sql"].(string))))
	assert.Equal(t, 5.0, sqlStep.Args["limit"])
	assert.True(t, sqlStep.OK)
	assert.Equal(t, 21, len([]rune(sqlStep.Preview)))

	failed := sum.RecentSteps[1]
	assert.False(t, failed.OK)
	assert.Equal(t, tools.CodeUnknownTable, failed.ErrorCode)

	// the original args are not modified
	assert.Len(t, s.Steps[1].Args["sql"].(string), 200)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(sum.JSON()), &decoded))
	assert.Contains(t, decoded, "recent_steps")
}

func TestTruncateTextIsRuneAware(t *testing.T) {
	assert.Equal(t, "多少"+ellipsis, truncateText("多少颗卫星", 2))
	assert.Equal(t, "short", truncateText("short", 10))
}
