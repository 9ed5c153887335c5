package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rahul/dbagent/internal/governance"
	"github.com/rahul/dbagent/internal/observability"
	"github.com/rahul/dbagent/internal/tools"
)

var (
	// ErrNoExecutor is returned by Run when the controller has no database.
	ErrNoExecutor = errors.New("no query executor configured")
	ErrNoDecider  = errors.New("no decision maker configured")
)

// DecisionRequest is what the decision maker sees each iteration.
type DecisionRequest struct {
	ThreadID string
	Step     int
	Question string
	Summary  Summary
	// Hint carries a constraint from the previous iteration, such as a
	// rejected finish.
	Hint string
}

// Decider produces raw, untrusted planner output.
type Decider interface {
	Decide(ctx context.Context, req DecisionRequest) (string, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req DecisionRequest) (string, error)

func (f DeciderFunc) Decide(ctx context.Context, req DecisionRequest) (string, error) {
	return f(ctx, req)
}

// Rewriter may replace a proposed finish before it is acted on.
type Rewriter interface {
	Rewrite(state *SessionState, d Decision) (Decision, bool)
}

// Emitter receives every state transition of a run.
type Emitter func(observability.Event)

// Options tunes a Controller.
type Options struct {
	SampleLimit      int
	PreviewRows      int
	EvidenceLookback int
	DecisionTimeout  time.Duration
	DecisionRetry    tools.RetryPolicy
	ExecutorRetry    tools.RetryPolicy
	Summary          SummaryLimits
}

func DefaultOptions() Options {
	return Options{
		SampleLimit:      5,
		PreviewRows:      50,
		EvidenceLookback: 6,
		DecisionTimeout:  60 * time.Second,
		DecisionRetry:    tools.DefaultRetryPolicy(),
		ExecutorRetry:    tools.DefaultRetryPolicy(),
		Summary:          DefaultSummaryLimits(),
	}
}

const (
	hintPrematureFinish = "Your finish was rejected: the question asks for concrete data. Call sample_rows or run_sql to fetch real rows before finishing."
	hintNoEvidence      = "Your finish was rejected: no successful query result backs it. Query the data with run_sql or sample_rows first."
)

// Controller drives the decide, guard, act, observe and judge loop.
type Controller struct {
	Decider  Decider
	Executor tools.Executor
	Guard    *governance.SQLGuard
	Policy   governance.PolicyEngine
	// Rewriter is consulted for every finish; nil disables rewriting.
	Rewriter Rewriter
	Emit     Emitter
	Options  Options
}

// NewController wires the standard guards. The executor is wrapped with
// retries for transient failures.
func NewController(decider Decider, executor tools.Executor, guard *governance.SQLGuard, opts Options) *Controller {
	if executor != nil {
		if _, ok := executor.(*tools.RetryingExecutor); !ok {
			retrying := tools.NewRetryingExecutor(executor, opts.ExecutorRetry)
			retrying.OnRetry = observability.RecordExecutorRetry
			executor = retrying
		}
	}
	if guard == nil {
		guard = governance.NewSQLGuard(1000, 5000)
	}
	return &Controller{
		Decider:  decider,
		Executor: executor,
		Guard:    guard,
		Rewriter: NewEvidenceGuard(opts.EvidenceLookback),
		Options:  opts,
	}
}

// Begin resets a loaded state for a new question. See SessionState.Begin.
func (c *Controller) Begin(state *SessionState, question string, cont bool) {
	state.Begin(question, cont)
}

// Run iterates until the state is done, the step budget is spent or ctx is
// cancelled. Failures of individual steps are recorded in the trace; only a
// missing collaborator or cancellation is returned as an error.
func (c *Controller) Run(ctx context.Context, state *SessionState) (*Answer, error) {
	if c.Executor == nil {
		return nil, ErrNoExecutor
	}
	if c.Decider == nil {
		return nil, ErrNoDecider
	}
	if c.Guard == nil {
		c.Guard = governance.NewSQLGuard(1000, 5000)
	}
	if state.MaxSteps <= 0 {
		state.MaxSteps = defaultMaxSteps
	}

	ctx, span := observability.Tracer().Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("thread_id", state.ThreadID),
		attribute.Int("max_steps", state.MaxSteps),
	))
	defer span.End()

	hint := ""
	for !state.Done {
		if err := ctx.Err(); err != nil {
			ans := c.terminate(state, ReasonCancelled)
			span.SetStatus(codes.Error, err.Error())
			return ans, err
		}
		if len(state.Steps) >= state.MaxSteps {
			ans := c.terminate(state, ReasonBudgetExceeded)
			span.SetAttributes(attribute.String("outcome", ReasonBudgetExceeded))
			return ans, nil
		}
		if err := c.step(ctx, state, &hint); err != nil {
			ans := c.terminate(state, ReasonCancelled)
			span.SetStatus(codes.Error, err.Error())
			return ans, err
		}
	}

	observability.RecordRun("answered")
	span.SetAttributes(attribute.String("outcome", "answered"), attribute.Int("steps", len(state.Steps)))
	c.emit(state, observability.EventTypeFinish, state.Answer)
	return state.Answer, nil
}

func (c *Controller) terminate(state *SessionState, reason string) *Answer {
	steps := make([]Step, len(state.Steps))
	copy(steps, state.Steps)
	state.Done = reason == ReasonBudgetExceeded
	state.Answer = &Answer{OK: false, Reason: reason, Trace: steps}
	observability.RecordRun(reason)
	c.emit(state, observability.EventTypeFinish, state.Answer)
	return state.Answer
}

// step runs one iteration. It only fails when ctx is done before an action
// was chosen.
func (c *Controller) step(ctx context.Context, state *SessionState, hint *string) error {
	n := len(state.Steps) + 1
	ctx, span := observability.Tracer().Start(ctx, "agent.step", trace.WithAttributes(
		attribute.String("thread_id", state.ThreadID),
		attribute.Int("step", n),
	))
	defer span.End()

	d, err := c.decide(ctx, state, *hint)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	*hint = ""
	c.emit(state, observability.EventTypeThinking, map[string]any{
		"thought": d.Thought,
		"action":  d.Action,
		"kind":    d.Kind,
	})

	if d.Kind == StepReasoning {
		st := state.AppendStep(Step{Kind: StepReasoning, Thought: d.Thought})
		c.emit(state, observability.EventTypeStep, st)
		return nil
	}

	if d.Action == ActionFinish {
		if c.Rewriter != nil {
			if rewritten, changed := c.Rewriter.Rewrite(state, d); changed {
				log.Printf("[agent] thread %s: finish rewritten to %s", state.ThreadID, rewritten.Action)
				observability.RecordRewrite(string(rewritten.Action))
				d = rewritten
			}
		}
		if d.Action == ActionFinish {
			if err := CheckExampleRequest(state); err != nil {
				st := state.AppendStep(Step{
					Kind:        StepFinish,
					Thought:     d.Thought,
					Action:      ActionFinish,
					Args:        d.Args,
					Observation: failedObservation(CodePrematureFinish, err.Error()),
				})
				state.LastError = CodePrematureFinish
				observability.RecordPrematureFinish()
				c.emit(state, observability.EventTypeError, map[string]any{
					"error_type": CodePrematureFinish,
					"error":      err.Error(),
					"step":       st.Index,
				})
				*hint = hintPrematureFinish
				return nil
			}
		}
	}
	span.SetAttributes(attribute.String("action", string(d.Action)))

	c.emit(state, observability.EventTypeStep, map[string]any{
		"index":   n,
		"thought": d.Thought,
		"action":  d.Action,
		"args":    d.Args,
	})
	obs := c.act(ctx, state, d)
	st := state.AppendStep(Step{
		Kind:        d.Kind,
		Thought:     d.Thought,
		Action:      d.Action,
		Args:        d.Args,
		Observation: obs,
	})
	observability.RecordStep(string(d.Action), obs.OK)
	if !obs.OK {
		span.SetStatus(codes.Error, obs.ErrorCode())
	}
	c.emit(state, observability.EventTypeObservation, map[string]any{
		"index":       st.Index,
		"action":      st.Action,
		"observation": obs,
	})

	c.observe(state, d, obs)
	c.judge(state, hint)
	return nil
}

// decide asks the decision maker with bounded retries and validates the
// answer. Unusable output degrades to FallbackDecision.
func (c *Controller) decide(ctx context.Context, state *SessionState, hint string) (Decision, error) {
	req := DecisionRequest{
		ThreadID: state.ThreadID,
		Step:     len(state.Steps) + 1,
		Question: state.Question,
		Summary:  Summarize(state, c.Options.Summary),
		Hint:     hint,
	}

	policy := c.Options.DecisionRetry
	if policy.Attempts <= 0 {
		policy = tools.DefaultRetryPolicy()
	}
	attempt := 0
	raw, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		callCtx := ctx
		if c.Options.DecisionTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.Options.DecisionTimeout)
			defer cancel()
		}
		out, err := c.Decider.Decide(callCtx, req)
		if err != nil && ctx.Err() == nil && attempt < policy.Attempts {
			log.Printf("[agent] decision attempt %d/%d failed: %v", attempt, policy.Attempts, err)
		}
		return out, err
	}, backoff.WithBackOff(policy.NewBackOff()), backoff.WithMaxTries(uint(policy.Attempts)))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Decision{}, ctxErr
	}
	if err != nil {
		c.emit(state, observability.EventTypeError, map[string]any{
			"error_type": "decision_failed",
			"error":      err.Error(),
		})
		return FallbackDecision("decision maker failed: " + err.Error()), nil
	}

	d, perr := ParseDecision(raw)
	if perr != nil {
		c.emit(state, observability.EventTypeError, map[string]any{
			"error_type": "invalid_decision",
			"error":      perr.Error(),
			"raw":        truncateText(raw, maxArgChars),
		})
		return FallbackDecision(perr.Error()), nil
	}
	return d, nil
}

// act executes a decision and normalizes the outcome.
func (c *Controller) act(ctx context.Context, state *SessionState, d Decision) *Observation {
	if c.Policy != nil {
		args, _ := json.Marshal(d.Args)
		res, err := c.Policy.Evaluate(ctx, governance.Request{Action: string(d.Action), Arguments: string(args), ThreadID: state.ThreadID})
		if err != nil {
			return failedObservation(tools.CodeExecutionError, err.Error())
		}
		if !res.Allowed() {
			code := tools.CodeToolNotFound
			if d.Action.IsQuery() {
				code = tools.CodeUnsafeSQL
			}
			return failedObservation(code, res.Reason)
		}
	}

	switch d.Action {
	case ActionListTables:
		res := c.Executor.ListTables(ctx)
		if !res.OK {
			return resultFailure(res.Error)
		}
		obs := &Observation{OK: true, Tables: res.Value.Tables}
		if kw, _ := d.Args["keyword"].(string); strings.TrimSpace(kw) != "" {
			kw = strings.ToLower(strings.TrimSpace(kw))
			obs.Matches = []string{}
			for _, t := range res.Value.Tables {
				if strings.Contains(strings.ToLower(t), kw) {
					obs.Matches = append(obs.Matches, t)
				}
			}
		}
		return obs

	case ActionDescribeTable:
		table, _ := d.Args["table"].(string)
		if table == "" {
			return failedObservation(tools.CodeMissingParameter, "describe_table requires table")
		}
		res := c.Executor.DescribeTable(ctx, table)
		if !res.OK {
			return resultFailure(res.Error)
		}
		return &Observation{OK: true, Columns: res.Value.Columns}

	case ActionSampleRows:
		table, _ := d.Args["table"].(string)
		if table == "" {
			return failedObservation(tools.CodeMissingParameter, "sample_rows requires table")
		}
		limit := c.Options.SampleLimit
		if n, ok := intArg(d.Args["limit"]); ok && n > 0 {
			limit = n
		}
		sql, err := tools.SampleSQL(table, limit)
		if err != nil {
			return failedObservation(tools.CodeUnsafeSQL, err.Error())
		}
		return c.query(ctx, sql)

	case ActionRunSQL:
		sql, _ := d.Args["sql"].(string)
		if strings.TrimSpace(sql) == "" {
			return failedObservation(tools.CodeMissingParameter, "run_sql requires sql")
		}
		return c.query(ctx, sql)

	case ActionFinish:
		answer, _ := d.Args["answer"].(string)
		if answer == "" {
			answer = d.Thought
		}
		rationale, _ := d.Args["rationale"].(string)
		return &Observation{OK: true, Answer: answer, Rationale: rationale}
	}
	return failedObservation(tools.CodeToolNotFound, fmt.Sprintf("unknown action %q", d.Action))
}

// query routes sql through the guard before it reaches the executor.
func (c *Controller) query(ctx context.Context, sql string) *Observation {
	safe, err := c.Guard.Ensure(sql)
	if err != nil {
		observability.RecordGuardRejection()
		return &Observation{Error: &tools.Error{Code: tools.CodeUnsafeSQL, Message: err.Error()}, SQL: sql}
	}
	res := c.Executor.RunSQL(ctx, safe, c.Guard.MaxLimit)
	if !res.OK {
		obs := resultFailure(res.Error)
		obs.SQL = safe
		return obs
	}
	rows := res.Value.Rows
	if c.Options.PreviewRows > 0 && len(rows) > c.Options.PreviewRows {
		rows = rows[:c.Options.PreviewRows]
	}
	return &Observation{OK: true, SQL: safe, Preview: rows}
}

func resultFailure(e *tools.Error) *Observation {
	if e == nil {
		return failedObservation(tools.CodeUnknown, "executor returned no result")
	}
	return failedObservation(e.Code, e.Message)
}

// observe folds an observation into the session's knowledge.
func (c *Controller) observe(state *SessionState, d Decision, obs *Observation) {
	if !obs.OK {
		state.LastError = obs.ErrorCode()
		return
	}
	state.LastError = ""

	switch d.Action {
	case ActionListTables:
		state.MergeTables(obs.Tables)
	case ActionDescribeTable:
		table, _ := d.Args["table"].(string)
		state.RecordSchema(table, obs.Columns)
		state.MergeTables([]string{table})
	case ActionFinish:
		state.Done = true
		state.Answer = &Answer{
			OK:        true,
			Final:     obs.Answer,
			Rationale: obs.Rationale,
			Evidence:  LatestEvidence(state),
		}
	}
}

// judge re-checks an accepted finish against the trace.
func (c *Controller) judge(state *SessionState, hint *string) {
	if !state.Done {
		return
	}
	if HasEvidence(state, c.Options.EvidenceLookback) {
		return
	}
	state.Done = false
	state.Answer = nil
	state.LastError = CodePrematureFinish
	observability.RecordPrematureFinish()
	c.emit(state, observability.EventTypeError, map[string]any{
		"error_type": CodePrematureFinish,
		"error":      "finish accepted without query evidence",
	})
	*hint = hintNoEvidence
}

func (c *Controller) emit(state *SessionState, typ observability.EventType, data any) {
	if c.Emit == nil {
		return
	}
	c.Emit(observability.Event{
		Type:      typ,
		ChatID:    state.ThreadID,
		Step:      len(state.Steps),
		Data:      data,
		Timestamp: time.Now(),
	})
}
