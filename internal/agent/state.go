package agent

import (
	"sort"
	"time"

	"github.com/rahul/dbagent/internal/tools"
)

// Action is one of the closed set of things the planner may ask for.
type Action string

const (
	ActionListTables    Action = "list_tables"
	ActionDescribeTable Action = "describe_table"
	ActionSampleRows    Action = "sample_rows"
	ActionRunSQL        Action = "run_sql"
	ActionFinish        Action = "finish"
)

// Actions lists every valid action in prompt order.
var Actions = []Action{ActionListTables, ActionDescribeTable, ActionSampleRows, ActionRunSQL, ActionFinish}

func (a Action) Valid() bool {
	for _, v := range Actions {
		if a == v {
			return true
		}
	}
	return false
}

// IsQuery reports whether the action fetches row-level data.
func (a Action) IsQuery() bool {
	return a == ActionRunSQL || a == ActionSampleRows
}

// StepKind separates reasoning-only steps from steps that act.
type StepKind string

const (
	StepReasoning StepKind = "reasoning"
	StepAction    StepKind = "action"
	StepFinish    StepKind = "finish"
)

// Control-flow error codes recorded in SessionState.LastError.
const (
	CodePrematureFinish     = "premature_finish"
	ReasonBudgetExceeded    = "step_budget_exceeded"
	ReasonCancelled         = "cancelled"
	defaultMaxSteps         = 12
	minRetainedAfterCompact = 6
)

// Observation is the normalized result of executing a step's action.
type Observation struct {
	OK        bool             `json:"ok"`
	Error     *tools.Error     `json:"error,omitempty"`
	Tables    []string         `json:"tables,omitempty"`
	Matches   []string         `json:"matches,omitempty"`
	Columns   []tools.Column   `json:"columns,omitempty"`
	Preview   []map[string]any `json:"preview,omitempty"`
	SQL       string           `json:"sql,omitempty"`
	Answer    string           `json:"answer,omitempty"`
	Rationale string           `json:"rationale,omitempty"`
}

// ErrorCode returns the observation's error code, or "" when it succeeded.
func (o *Observation) ErrorCode() string {
	if o == nil || o.OK {
		return ""
	}
	if o.Error == nil {
		return tools.CodeUnknown
	}
	return o.Error.Code
}

func failedObservation(code, message string) *Observation {
	return &Observation{Error: &tools.Error{Code: code, Message: message}}
}

// Step is one iteration of the loop. It is not modified after its
// observation is recorded.
type Step struct {
	Index       int            `json:"index"`
	Kind        StepKind       `json:"kind"`
	Thought     string         `json:"thought"`
	Action      Action         `json:"action,omitempty"`
	Args        map[string]any `json:"args"`
	Observation *Observation   `json:"observation,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Evidence is the row-level data that backs a final answer.
type Evidence struct {
	Preview []map[string]any `json:"preview"`
	SQL     string           `json:"sql,omitempty"`
	Table   string           `json:"table,omitempty"`
}

// Answer is the outcome of a run.
type Answer struct {
	OK        bool      `json:"ok"`
	Final     string    `json:"final,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Evidence  *Evidence `json:"evidence,omitempty"`
	Trace     []Step    `json:"trace,omitempty"`
}

// SessionState is everything the loop knows about one conversation thread.
type SessionState struct {
	ThreadID     string                    `json:"thread_id"`
	Question     string                    `json:"question"`
	Steps        []Step                    `json:"steps"`
	KnownTables  []string                  `json:"known_tables"`
	KnownSchemas map[string][]tools.Column `json:"known_schemas"`
	LastError    string                    `json:"last_error,omitempty"`
	Done         bool                      `json:"done"`
	Answer       *Answer                   `json:"answer,omitempty"`
	MaxSteps     int                       `json:"max_steps"`
	// TurnStart is the index into Steps where the current question began.
	TurnStart int `json:"turn_start"`
}

func NewSessionState(threadID, question string, maxSteps int) *SessionState {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &SessionState{
		ThreadID:     threadID,
		Question:     question,
		KnownSchemas: make(map[string][]tools.Column),
		MaxSteps:     maxSteps,
	}
}

// AppendStep assigns the next index and timestamp and appends s.
func (s *SessionState) AppendStep(step Step) Step {
	step.Index = 1
	if n := len(s.Steps); n > 0 {
		step.Index = s.Steps[n-1].Index + 1
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	if step.Args == nil {
		step.Args = map[string]any{}
	}
	s.Steps = append(s.Steps, step)
	return step
}

// MergeTables unions names into the known tables, keeping them sorted.
func (s *SessionState) MergeTables(names []string) {
	seen := make(map[string]bool, len(s.KnownTables)+len(names))
	merged := make([]string, 0, len(s.KnownTables)+len(names))
	for _, list := range [][]string{s.KnownTables, names} {
		for _, n := range list {
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			merged = append(merged, n)
		}
	}
	sort.Strings(merged)
	s.KnownTables = merged
}

// RecordSchema stores the columns of table unless already known.
func (s *SessionState) RecordSchema(table string, columns []tools.Column) {
	if s.KnownSchemas == nil {
		s.KnownSchemas = make(map[string][]tools.Column)
	}
	if _, ok := s.KnownSchemas[table]; ok {
		return
	}
	s.KnownSchemas[table] = columns
}

func (s *SessionState) HasSchema(table string) bool {
	_, ok := s.KnownSchemas[table]
	return ok
}

// Compact drops old steps once the trace is within two steps of the budget,
// keeping the most recent max(MaxSteps/2, 6). The dropped detail is lost.
func (s *SessionState) Compact() {
	if len(s.Steps) <= s.MaxSteps-2 {
		return
	}
	keep := max(s.MaxSteps/2, minRetainedAfterCompact)
	if keep >= len(s.Steps) {
		return
	}
	dropped := len(s.Steps) - keep
	s.Steps = append([]Step(nil), s.Steps[dropped:]...)
	s.TurnStart = max(s.TurnStart-dropped, 0)
}

// Begin prepares a (possibly rehydrated) state for a new question. A stale
// done flag, answer and last error are always cleared. Unless cont is set
// the previous trace is dropped; learned tables and schemas are kept.
func (s *SessionState) Begin(question string, cont bool) {
	if s.MaxSteps <= 0 {
		s.MaxSteps = defaultMaxSteps
	}
	if s.KnownSchemas == nil {
		s.KnownSchemas = make(map[string][]tools.Column)
	}
	s.Done = false
	s.Answer = nil
	s.LastError = ""
	if !cont {
		s.Steps = nil
		s.Question = question
	} else if question != "" {
		s.Question = question
	}
	s.TurnStart = len(s.Steps)
	s.Compact()
}

// Remaining returns how many steps are left in the budget.
func (s *SessionState) Remaining() int {
	return max(s.MaxSteps-len(s.Steps), 0)
}
