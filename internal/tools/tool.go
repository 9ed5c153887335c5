package tools

import (
	"context"
	"fmt"
	"sort"
)

// Error codes reported by executors and the action layer.
const (
	CodeNoDBURL          = "NO_DB_URL"
	CodeUnknownTable     = "UNKNOWN_TABLE"
	CodeUnknownColumn    = "UNKNOWN_COLUMN"
	CodeSQLSyntax        = "SQL_SYNTAX_ERROR"
	CodeLostConnection   = "LOST_CONNECTION"
	CodeDeadlock         = "DEADLOCK"
	CodeLockTimeout      = "LOCK_TIMEOUT"
	CodeTimeout          = "TIMEOUT"
	CodeUnsafeSQL        = "UNSAFE_SQL"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeMissingParameter = "MISSING_PARAMETER"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeUnknown          = "UNKNOWN"
)

var retryableCodes = map[string]bool{
	CodeLockTimeout:    true,
	CodeDeadlock:       true,
	CodeLostConnection: true,
	CodeTimeout:        true,
}

var schemaCodes = map[string]bool{
	CodeUnknownTable:  true,
	CodeUnknownColumn: true,
	CodeSQLSyntax:     true,
}

// IsRetryable reports whether a failure with this code is transient.
func IsRetryable(code string) bool { return retryableCodes[code] }

// IsSchemaError reports whether the code describes a table/column/SQL shape
// problem the planner can recover from by replanning.
func IsSchemaError(code string) bool { return schemaCodes[code] }

// Error is the failure half of a Result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Column describes one column of a table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ListTablesResult struct {
	Tables []string `json:"tables"`
}

type DescribeTableResult struct {
	Columns []Column `json:"columns"`
}

type RowsResult struct {
	Rows []map[string]any `json:"data"`
}

// Result is the common envelope every executor call returns.
type Result[T any] struct {
	OK    bool   `json:"ok"`
	Error *Error `json:"error,omitempty"`
	Value T      `json:"value"`
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{OK: true, Value: v}
}

// Fail builds a failed result with the given code.
func Fail[T any](code, message string) Result[T] {
	return Result[T]{Error: &Error{Code: code, Message: message}}
}

// Code returns the error code of a failed result, or "" on success.
func (r Result[T]) Code() string {
	if r.OK {
		return ""
	}
	if r.Error == nil {
		return CodeUnknown
	}
	return r.Error.Code
}

// Executor is the read-only database capability the agent drives.
// RunSQL callers must pass statements that already went through the SQL guard.
type Executor interface {
	ListTables(ctx context.Context) Result[ListTablesResult]
	DescribeTable(ctx context.Context, table string) Result[DescribeTableResult]
	RunSQL(ctx context.Context, sql string, limit int) Result[RowsResult]
}

// Spec describes an action the planner may choose.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema for the action's args
}

// Registry manages the set of actions offered to the planner.
type Registry struct {
	Tools map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{
		Tools: make(map[string]Spec),
	}
}

func (r *Registry) Register(s Spec) {
	r.Tools[s.Name] = s
}

func (r *Registry) Unregister(name string) {
	delete(r.Tools, name)
}

func (r *Registry) Get(name string) (Spec, bool) {
	s, ok := r.Tools[name]
	return s, ok
}

// All returns the registered specs sorted by name.
func (r *Registry) All() []Spec {
	specs := make([]Spec, 0, len(r.Tools))
	for _, s := range r.Tools {
		specs = append(specs, s)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// DefaultRegistry registers the five database exploration actions.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Spec{
		Name:        "list_tables",
		Description: "List all tables in the database. Optional keyword narrows the matches.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keyword": map[string]any{
					"type":        "string",
					"description": "Case-insensitive substring to filter table names",
				},
			},
		},
	})
	r.Register(Spec{
		Name:        "describe_table",
		Description: "Get the column names and types of a table.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table": map[string]any{
					"type":        "string",
					"description": "The table to describe",
				},
			},
			"required": []string{"table"},
		},
	})
	r.Register(Spec{
		Name:        "sample_rows",
		Description: "Fetch a few example rows from a table.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"table": map[string]any{
					"type":        "string",
					"description": "The table to sample",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of rows, default 5",
				},
			},
			"required": []string{"table"},
		},
	})
	r.Register(Spec{
		Name:        "run_sql",
		Description: "Run a single read-only SELECT/WITH query. A LIMIT is added or capped automatically.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sql": map[string]any{
					"type":        "string",
					"description": "The SELECT statement",
				},
			},
			"required": []string{"sql"},
		},
	})
	r.Register(Spec{
		Name:        "finish",
		Description: "Give the final answer once a query result supports it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"answer": map[string]any{
					"type":        "string",
					"description": "The final answer for the user",
				},
				"rationale": map[string]any{
					"type":        "string",
					"description": "Which tables, columns and conditions back the answer",
				},
			},
			"required": []string{"answer"},
		},
	})
	return r
}
