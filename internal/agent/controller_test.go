package agent

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/dbagent/internal/governance"
	"github.com/rahul/dbagent/internal/observability"
	"github.com/rahul/dbagent/internal/tools"
)

var fastRetry = tools.RetryPolicy{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}

// stubExecutor serves a fixed shop schema.
type stubExecutor struct {
	mu        sync.Mutex
	tables    []string
	rows      []map[string]any
	failFirst string // code returned by the first RunSQL call
	sqls      []string
	calls     int
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		tables: []string{"order_items", "orders", "users"},
		rows:   []map[string]any{{"cnt": int64(5)}},
	}
}

func (s *stubExecutor) ListTables(ctx context.Context) tools.Result[tools.ListTablesResult] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return tools.Ok(tools.ListTablesResult{Tables: s.tables})
}

func (s *stubExecutor) DescribeTable(ctx context.Context, table string) tools.Result[tools.DescribeTableResult] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for _, t := range s.tables {
		if t == table {
			return tools.Ok(tools.DescribeTableResult{Columns: []tools.Column{{Name: "id", Type: "INTEGER"}}})
		}
	}
	return tools.Fail[tools.DescribeTableResult](tools.CodeUnknownTable, "No such table: "+table)
}

func (s *stubExecutor) RunSQL(ctx context.Context, sql string, limit int) tools.Result[tools.RowsResult] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.sqls = append(s.sqls, sql)
	if s.failFirst != "" {
		code := s.failFirst
		s.failFirst = ""
		return tools.Fail[tools.RowsResult](code, "transient")
	}
	if strings.Contains(sql, "missing") {
		return tools.Fail[tools.RowsResult](tools.CodeUnknownTable, "no such table: missing")
	}
	return tools.Ok(tools.RowsResult{Rows: s.rows})
}

// script replays outputs in order and repeats the last one.
type script struct {
	outputs []string
	reqs    []DecisionRequest
}

func (s *script) Decide(ctx context.Context, req DecisionRequest) (string, error) {
	s.reqs = append(s.reqs, req)
	i := min(len(s.reqs)-1, len(s.outputs)-1)
	return s.outputs[i], nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.DecisionRetry = fastRetry
	opts.ExecutorRetry = fastRetry
	return opts
}

func newTestController(d Decider, exec tools.Executor) *Controller {
	return NewController(d, exec, governance.NewSQLGuard(1000, 5000), testOptions())
}

const (
	listTables = `{"thought":"look around","action":"list_tables","args":{}}`
	finishNow  = `{"thought":"done","action":"finish","args":{"answer":"There are 5 orders.","rationale":"COUNT(*) on orders"}}`
)

func TestRunAnswersWithEvidence(t *testing.T) {
	d := &script{outputs: []string{
		listTables,
		`{"thought":"schema","action":"describe_table","args":{"table":"orders"}}`,
		`{"thought":"count","action":"run_sql","args":{"sql":"SELECT COUNT(*) AS cnt FROM orders"}}`,
		finishNow,
	}}
	exec := newStubExecutor()
	c := newTestController(d, exec)

	var events []observability.EventType
	c.Emit = func(e observability.Event) { events = append(events, e.Type) }

	s := NewSessionState("t1", "How many orders are there?", 12)
	c.Begin(s, s.Question, false)
	ans, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	require.True(t, ans.OK)
	assert.Equal(t, "There are 5 orders.", ans.Final)
	assert.Equal(t, "COUNT(*) on orders", ans.Rationale)
	require.NotNil(t, ans.Evidence)
	assert.Equal(t, "orders", ans.Evidence.Table)
	assert.Contains(t, ans.Evidence.SQL, "LIMIT 1000")

	assert.True(t, s.Done)
	assert.Len(t, s.Steps, 4)
	assert.Equal(t, []string{"order_items", "orders", "users"}, s.KnownTables)
	assert.True(t, s.HasSchema("orders"))
	assert.Empty(t, s.LastError)

	assert.Contains(t, events, observability.EventTypeThinking)
	assert.Contains(t, events, observability.EventTypeStep)
	assert.Contains(t, events, observability.EventTypeObservation)
	assert.Equal(t, observability.EventTypeFinish, events[len(events)-1])
}

func TestRunStopsAtStepBudget(t *testing.T) {
	d := &script{outputs: []string{listTables}}
	c := newTestController(d, newStubExecutor())

	s := NewSessionState("t", "loop forever", 3)
	ans, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.False(t, ans.OK)
	assert.Equal(t, ReasonBudgetExceeded, ans.Reason)
	assert.Len(t, ans.Trace, 3)
	assert.Len(t, s.Steps, 3)
	assert.True(t, s.Done)
	assert.Len(t, d.reqs, 3)
}

func TestRunRewritesUnsupportedFinish(t *testing.T) {
	d := &script{outputs: []string{finishNow}}
	c := newTestController(d, newStubExecutor())

	s := NewSessionState("t", "how many users?", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	require.Len(t, s.Steps, 1)
	assert.Equal(t, ActionListTables, s.Steps[0].Action)
	assert.Contains(t, s.Steps[0].Thought, "[guard]")
	assert.True(t, s.Steps[0].Observation.OK)
}

func TestRunRewriteReachesCountQuery(t *testing.T) {
	d := &script{outputs: []string{finishNow}}
	exec := newStubExecutor()
	c := newTestController(d, exec)

	s := NewSessionState("t", "how many users?", 12)
	ans, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	// list_tables, a describe per candidate (mentioned table first), the
	// count on users, then the accepted finish
	require.True(t, ans.OK)
	require.Len(t, s.Steps, 6)
	assert.Equal(t, ActionListTables, s.Steps[0].Action)
	for i, table := range []string{"users", "order_items", "orders"} {
		assert.Equal(t, ActionDescribeTable, s.Steps[i+1].Action)
		assert.Equal(t, table, s.Steps[i+1].Args["table"])
	}
	assert.Equal(t, ActionRunSQL, s.Steps[4].Action)
	assert.Equal(t, "SELECT COUNT(*) AS cnt FROM `users`", s.Steps[4].Args["sql"])
	assert.Equal(t, ActionFinish, s.Steps[5].Action)
}

func TestRunReachesEvidenceForQuotedTableName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE "order-items" (id INTEGER PRIMARY KEY, sku TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO "order-items" (sku) VALUES ('a'), ('b')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	exec, err := tools.NewSQLiteExecutor(path, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })

	c := newTestController(&script{outputs: []string{finishNow}}, exec)
	s := NewSessionState("t", "how many order-items are there?", 6)
	ans, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	// list_tables, describe, count, finish
	require.True(t, ans.OK)
	require.Len(t, s.Steps, 4)
	assert.True(t, s.Steps[1].Observation.OK)
	assert.Equal(t, ActionRunSQL, s.Steps[2].Action)
	require.True(t, s.Steps[2].Observation.OK)
	assert.EqualValues(t, 2, s.Steps[2].Observation.Preview[0]["cnt"])
	assert.Equal(t, "order-items", ans.Evidence.Table)
}

func TestJudgeRejectsFinishWithoutEvidence(t *testing.T) {
	d := &script{outputs: []string{finishNow, listTables}}
	c := newTestController(d, newStubExecutor())
	c.Rewriter = nil

	s := NewSessionState("t", "how many orders?", 2)
	ans, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, ReasonBudgetExceeded, ans.Reason)
	assert.Equal(t, ActionFinish, s.Steps[0].Action)
	require.Len(t, d.reqs, 2)
	assert.Equal(t, hintNoEvidence, d.reqs[1].Hint)
	assert.Empty(t, d.reqs[0].Hint)
}

func TestExampleRequestNeedsRowsInThisTurn(t *testing.T) {
	d := &script{outputs: []string{
		finishNow,
		`{"thought":"fetch rows","action":"sample_rows","args":{"table":"orders"}}`,
		finishNow,
	}}
	exec := newStubExecutor()
	exec.rows = []map[string]any{{"id": int64(1), "status": "pending"}}
	c := newTestController(d, exec)

	s := NewSessionState("t", "how many orders?", 12)
	s.AppendStep(evidenceStep(ActionRunSQL, []map[string]any{{"cnt": 5}}))
	c.Begin(s, "show me some orders", true)

	ans, err := c.Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, ans.OK)

	require.Len(t, s.Steps, 4)
	premature := s.Steps[1]
	assert.Equal(t, StepFinish, premature.Kind)
	assert.Equal(t, CodePrematureFinish, premature.Observation.ErrorCode())
	assert.Equal(t, hintPrematureFinish, d.reqs[1].Hint)

	assert.Equal(t, "SELECT * FROM `orders` LIMIT 5", exec.sqls[0])
	require.NotNil(t, ans.Evidence)
	assert.Equal(t, "orders", ans.Evidence.Table)
	assert.Equal(t, "pending", ans.Evidence.Preview[0]["status"])
}

func TestUnsafeSQLNeverReachesExecutor(t *testing.T) {
	d := &script{outputs: []string{`{"thought":"tidy up","action":"run_sql","args":{"sql":"DELETE FROM orders"}}`}}
	exec := newStubExecutor()
	c := newTestController(d, exec)

	s := NewSessionState("t", "remove old orders", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, tools.CodeUnsafeSQL, s.Steps[0].Observation.ErrorCode())
	assert.Equal(t, tools.CodeUnsafeSQL, s.LastError)
	assert.Zero(t, exec.calls)
}

func TestSchemaErrorIsRecorded(t *testing.T) {
	d := &script{outputs: []string{`{"thought":"guess","action":"run_sql","args":{"sql":"SELECT * FROM missing"}}`}}
	c := newTestController(d, newStubExecutor())

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	obs := s.Steps[0].Observation
	assert.Equal(t, tools.CodeUnknownTable, obs.ErrorCode())
	assert.Contains(t, obs.SQL, "LIMIT 1000")
	assert.Equal(t, tools.CodeUnknownTable, s.LastError)
}

func TestLastErrorClearsAfterSuccessfulStep(t *testing.T) {
	d := &script{outputs: []string{
		`{"thought":"guess","action":"run_sql","args":{"sql":"SELECT * FROM missing"}}`,
		listTables,
	}}
	c := newTestController(d, newStubExecutor())
	s := NewSessionState("t", "q", 6)
	ctx := context.Background()
	hint := ""

	require.NoError(t, c.step(ctx, s, &hint))
	assert.Equal(t, tools.CodeUnknownTable, s.LastError)

	require.NoError(t, c.step(ctx, s, &hint))
	assert.Empty(t, s.LastError)
	assert.True(t, s.Steps[1].Observation.OK)
	assert.Equal(t, []string{"order_items", "orders", "users"}, s.KnownTables)
}

func TestTransientExecutorFailureIsRetried(t *testing.T) {
	d := &script{outputs: []string{`{"thought":"count","action":"run_sql","args":{"sql":"SELECT COUNT(*) FROM orders"}}`}}
	exec := newStubExecutor()
	exec.failFirst = tools.CodeLockTimeout
	c := newTestController(d, exec)

	_, ok := c.Executor.(*tools.RetryingExecutor)
	require.True(t, ok)

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.True(t, s.Steps[0].Observation.OK)
	assert.Len(t, exec.sqls, 2)
}

func TestInvalidOutputFallsBack(t *testing.T) {
	d := &script{outputs: []string{"I think we should look at the tables"}}
	c := newTestController(d, newStubExecutor())

	var errs []any
	c.Emit = func(e observability.Event) {
		if e.Type == observability.EventTypeError {
			errs = append(errs, e.Data)
		}
	}

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, ActionListTables, s.Steps[0].Action)
	assert.True(t, strings.HasPrefix(s.Steps[0].Thought, "validation failed: "))
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid_decision", errs[0].(map[string]any)["error_type"])
}

func TestDeciderFailuresAreRetried(t *testing.T) {
	attempts := 0
	d := DeciderFunc(func(ctx context.Context, req DecisionRequest) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection refused")
		}
		return `{"thought":"schema","action":"describe_table","args":{"table":"orders"}}`, nil
	})
	c := newTestController(d, newStubExecutor())

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, ActionDescribeTable, s.Steps[0].Action)
}

func TestDeciderOutageFallsBack(t *testing.T) {
	d := DeciderFunc(func(ctx context.Context, req DecisionRequest) (string, error) {
		return "", errors.New("service unavailable")
	})
	c := newTestController(d, newStubExecutor())

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, ActionListTables, s.Steps[0].Action)
	assert.Contains(t, s.Steps[0].Thought, "service unavailable")
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &script{outputs: []string{listTables}}
	c := newTestController(d, newStubExecutor())

	s := NewSessionState("t", "q", 5)
	ans, err := c.Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, ans)
	assert.Equal(t, ReasonCancelled, ans.Reason)
	assert.False(t, s.Done)
	assert.Empty(t, d.reqs)
}

func TestRunRequiresCollaborators(t *testing.T) {
	s := NewSessionState("t", "q", 5)

	_, err := NewController(&script{outputs: []string{listTables}}, nil, nil, testOptions()).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrNoExecutor)

	_, err = NewController(nil, newStubExecutor(), nil, testOptions()).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrNoDecider)
}

func TestPolicyDenialCodes(t *testing.T) {
	policy, err := governance.NewPolicyEngine([]string{"run_sql", "describe_table"}, nil)
	require.NoError(t, err)

	d := &script{outputs: []string{
		`{"thought":"q","action":"run_sql","args":{"sql":"SELECT 1"}}`,
		`{"thought":"d","action":"describe_table","args":{"table":"orders"}}`,
	}}
	exec := newStubExecutor()
	c := newTestController(d, exec)
	c.Policy = policy

	s := NewSessionState("t", "q", 2)
	_, err = c.Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, tools.CodeUnsafeSQL, s.Steps[0].Observation.ErrorCode())
	assert.Equal(t, tools.CodeToolNotFound, s.Steps[1].Observation.ErrorCode())
	assert.Zero(t, exec.calls)
}

func TestReasoningStepSkipsExecutor(t *testing.T) {
	d := &script{outputs: []string{`{"step_type":"reasoning","thought":"need a plan","plan":["list tables","count orders"]}`}}
	exec := newStubExecutor()
	c := newTestController(d, exec)

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	require.Len(t, s.Steps, 1)
	assert.Equal(t, StepReasoning, s.Steps[0].Kind)
	assert.Nil(t, s.Steps[0].Observation)
	assert.Contains(t, s.Steps[0].Thought, "count orders")
	assert.Zero(t, exec.calls)
}

func TestListTablesKeywordMatches(t *testing.T) {
	d := &script{outputs: []string{`{"thought":"find","action":"list_tables","args":{"keyword":"ORD"}}`}}
	c := newTestController(d, newStubExecutor())

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	obs := s.Steps[0].Observation
	assert.Equal(t, []string{"order_items", "orders"}, obs.Matches)
	assert.Len(t, obs.Tables, 3)
}

func TestPreviewIsCapped(t *testing.T) {
	exec := newStubExecutor()
	exec.rows = make([]map[string]any, 80)
	for i := range exec.rows {
		exec.rows[i] = map[string]any{"id": i}
	}
	d := &script{outputs: []string{`{"thought":"all","action":"run_sql","args":{"sql":"SELECT id FROM orders"}}`}}
	c := newTestController(d, exec)

	s := NewSessionState("t", "q", 1)
	_, err := c.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, s.Steps[0].Observation.Preview, 50)
}
