package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/dbagent/internal/tools"
)

var finishDecision = Decision{
	Thought: "I know enough",
	Action:  ActionFinish,
	Args:    map[string]any{"answer": "probably 42"},
	Kind:    StepFinish,
}

func evidenceStep(a Action, rows []map[string]any) Step {
	return Step{
		Kind:        StepAction,
		Action:      a,
		Args:        map[string]any{"sql": "SELECT * FROM `orders` LIMIT 5"},
		Observation: &Observation{OK: true, Preview: rows, SQL: "SELECT * FROM `orders` LIMIT 5"},
	}
}

func TestRewriteCountQuestionWithKnownSchema(t *testing.T) {
	s := NewSessionState("t", "有多少颗卫星？", 12)
	s.MergeTables([]string{"aircraft_info"})
	s.RecordSchema("aircraft_info", []tools.Column{{Name: "aircraft_id", Type: "INTEGER"}})

	d, changed := NewEvidenceGuard(6).Rewrite(s, finishDecision)
	require.True(t, changed)
	assert.Equal(t, ActionRunSQL, d.Action)
	assert.Equal(t, "SELECT COUNT(*) AS cnt FROM `aircraft_info`", d.Args["sql"])
	assert.Contains(t, d.Thought, "[guard]")
}

func TestRewriteWithoutTablesListsTables(t *testing.T) {
	s := NewSessionState("t", "what is in here?", 12)
	d, changed := NewEvidenceGuard(6).Rewrite(s, finishDecision)
	require.True(t, changed)
	assert.Equal(t, ActionListTables, d.Action)
	assert.Equal(t, map[string]any{}, d.Args)
}

func TestRewriteDescribesCandidateWithoutSchema(t *testing.T) {
	s := NewSessionState("t", "which orders are pending?", 12)
	s.MergeTables([]string{"orders", "users"})
	s.RecordSchema("users", []tools.Column{{Name: "id"}})

	d, changed := NewEvidenceGuard(6).Rewrite(s, finishDecision)
	require.True(t, changed)
	assert.Equal(t, ActionDescribeTable, d.Action)
	assert.Equal(t, map[string]any{"table": "orders"}, d.Args)
}

func TestRewriteSamplesWhenNotCounting(t *testing.T) {
	s := NewSessionState("t", "what do products look like?", 12)
	s.MergeTables([]string{"products"})
	s.RecordSchema("products", []tools.Column{{Name: "id"}})

	d, _ := NewEvidenceGuard(6).Rewrite(s, finishDecision)
	assert.Equal(t, ActionRunSQL, d.Action)
	assert.Equal(t, "SELECT * FROM `products` LIMIT 5", d.Args["sql"])
}

func TestRewriteAcceptsFinishWithEvidence(t *testing.T) {
	s := NewSessionState("t", "how many orders?", 12)
	s.MergeTables([]string{"orders"})
	s.AppendStep(evidenceStep(ActionRunSQL, []map[string]any{{"cnt": 5}}))

	d, changed := NewEvidenceGuard(6).Rewrite(s, finishDecision)
	assert.False(t, changed)
	assert.Equal(t, finishDecision.Thought, d.Thought)
	assert.Equal(t, ActionFinish, d.Action)
}

func TestRewriteIgnoresNonFinish(t *testing.T) {
	s := NewSessionState("t", "q", 12)
	in := Decision{Action: ActionListTables, Args: map[string]any{}, Kind: StepAction}
	d, changed := NewEvidenceGuard(6).Rewrite(s, in)
	assert.False(t, changed)
	assert.Equal(t, in, d)
}

func TestRewriteAlwaysMakesProgress(t *testing.T) {
	states := []*SessionState{
		NewSessionState("a", "how many users", 12),
		func() *SessionState {
			s := NewSessionState("b", "list users", 12)
			s.MergeTables([]string{"users", "orders", "items", "extra"})
			return s
		}(),
		func() *SessionState {
			s := NewSessionState("c", "count orders", 12)
			s.MergeTables([]string{"orders"})
			s.RecordSchema("orders", nil)
			s.AppendStep(evidenceStep(ActionRunSQL, nil))
			return s
		}(),
		func() *SessionState {
			s := NewSessionState("d", "orders", 12)
			s.MergeTables([]string{"orders"})
			s.RecordSchema("orders", nil)
			s.AppendStep(Step{Kind: StepAction, Action: ActionRunSQL, Observation: failedObservation(tools.CodeTimeout, "slow")})
			return s
		}(),
	}
	allowed := map[Action]bool{ActionListTables: true, ActionDescribeTable: true, ActionRunSQL: true}
	for _, s := range states {
		d, changed := NewEvidenceGuard(6).Rewrite(s, finishDecision)
		assert.True(t, changed, s.ThreadID)
		assert.True(t, allowed[d.Action], s.ThreadID)
	}
}

func TestCandidateTablesPriority(t *testing.T) {
	s := NewSessionState("t", "how many ORDER_ITEMS per order?", 12)
	s.MergeTables([]string{"accounts", "order_items", "orders", "users"})
	s.RecordSchema("users", nil)

	assert.Equal(t, []string{"order_items", "users", "accounts"}, CandidateTables(s, 3))
}

func TestHasEvidence(t *testing.T) {
	s := NewSessionState("t", "q", 20)
	assert.False(t, HasEvidence(s, 6))

	s.AppendStep(evidenceStep(ActionRunSQL, []map[string]any{}))
	assert.False(t, HasEvidence(s, 6), "empty preview is not evidence")

	s.AppendStep(evidenceStep(ActionSampleRows, []map[string]any{{"id": 1}}))
	assert.True(t, HasEvidence(s, 6))

	for i := 0; i < 6; i++ {
		s.AppendStep(actionStep(ActionListTables, true))
	}
	assert.False(t, HasEvidence(s, 6), "evidence outside the lookback window")
	assert.True(t, HasEvidence(s, 7))
}

func TestCheckExampleRequest(t *testing.T) {
	s := NewSessionState("t", "举例说明有哪些用户", 12)
	err := CheckExampleRequest(s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrematureFinish))

	s.AppendStep(evidenceStep(ActionSampleRows, []map[string]any{{"id": 1}}))
	assert.NoError(t, CheckExampleRequest(s))

	// evidence from an earlier turn does not count
	s.Begin("show me some orders", true)
	assert.ErrorIs(t, CheckExampleRequest(s), ErrPrematureFinish)

	s.Question = "how many orders?"
	assert.NoError(t, CheckExampleRequest(s))
}

func TestLatestEvidence(t *testing.T) {
	s := NewSessionState("t", "q", 12)
	assert.Nil(t, LatestEvidence(s))

	s.AppendStep(evidenceStep(ActionRunSQL, []map[string]any{{"id": 1}}))
	s.AppendStep(Step{
		Kind:        StepAction,
		Action:      ActionSampleRows,
		Args:        map[string]any{"table": "users"},
		Observation: &Observation{OK: true, SQL: "SELECT * FROM `users` LIMIT 5", Preview: []map[string]any{{"id": 2}}},
	})
	s.AppendStep(evidenceStep(ActionRunSQL, nil))

	ev := LatestEvidence(s)
	require.NotNil(t, ev)
	assert.Equal(t, "users", ev.Table)
	assert.Equal(t, 2, ev.Preview[0]["id"])

	only := NewSessionState("t", "q", 12)
	only.AppendStep(evidenceStep(ActionRunSQL, []map[string]any{{"cnt": 5}}))
	assert.Equal(t, "orders", LatestEvidence(only).Table)

	quoted := NewSessionState("t", "q", 12)
	quoted.AppendStep(Step{
		Kind:        StepAction,
		Action:      ActionRunSQL,
		Observation: &Observation{OK: true, SQL: "SELECT COUNT(*) AS cnt FROM `order-items`", Preview: []map[string]any{{"cnt": 2}}},
	})
	assert.Equal(t, "order-items", LatestEvidence(quoted).Table)
}

func TestRewriteQuotesTableNames(t *testing.T) {
	s := NewSessionState("t", "how many rows in order-items?", 12)
	s.MergeTables([]string{"order-items"})
	s.RecordSchema("order-items", []tools.Column{{Name: "id", Type: "INTEGER"}})

	next, changed := NewEvidenceGuard(6).Rewrite(s, finishDecision)
	require.True(t, changed)
	assert.Equal(t, ActionRunSQL, next.Action)
	assert.Equal(t, "SELECT COUNT(*) AS cnt FROM `order-items`", next.Args["sql"])
}

func TestQuestionClassifiers(t *testing.T) {
	assert.True(t, IsCountQuestion("How many users signed up?"))
	assert.True(t, IsCountQuestion("订单总数是多少"))
	assert.False(t, IsCountQuestion("which products are electronics?"))

	assert.True(t, RequestsExamples("Show me a few orders"))
	assert.True(t, RequestsExamples("列出所有产品"))
	assert.False(t, RequestsExamples("how many orders?"))
}
