package agent

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	ellipsis        = "…"
	maxThoughtChars = 240
	maxArgChars     = 160
)

// SummaryLimits bounds the size of a context summary.
type SummaryLimits struct {
	MaxTables       int `json:"max_tables" yaml:"max_tables"`
	MaxColsPerTable int `json:"max_cols_per_table" yaml:"max_cols_per_table"`
	MaxPreviewChars int `json:"max_preview_chars" yaml:"max_preview_chars"`
	MaxSteps        int `json:"max_steps" yaml:"max_steps"`
}

func DefaultSummaryLimits() SummaryLimits {
	return SummaryLimits{
		MaxTables:       40,
		MaxColsPerTable: 12,
		MaxPreviewChars: 400,
		MaxSteps:        6,
	}
}

// StepDigest is the compact form of a step shown to the planner.
type StepDigest struct {
	Index     int            `json:"index"`
	Thought   string         `json:"thought,omitempty"`
	Action    Action         `json:"action,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	OK        bool           `json:"ok"`
	ErrorCode string         `json:"error_code,omitempty"`
	Tables    []string       `json:"tables,omitempty"`
	Matches   []string       `json:"matches,omitempty"`
	Columns   []string       `json:"columns,omitempty"`
	Preview   string         `json:"preview,omitempty"`
}

// Summary is a bounded knowledge snapshot of a session.
type Summary struct {
	KnownTables   []string            `json:"known_tables"`
	KnownSchemas  map[string][]string `json:"known_schemas"`
	RecentSteps   []StepDigest        `json:"recent_steps"`
	LastErrorCode string              `json:"last_error_code,omitempty"`
}

// JSON renders the summary for prompt injection.
func (s Summary) JSON() string {
	data, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Summarize compresses state into a Summary. It does not modify state.
func Summarize(state *SessionState, limits SummaryLimits) Summary {
	def := DefaultSummaryLimits()
	if limits.MaxTables <= 0 {
		limits.MaxTables = def.MaxTables
	}
	if limits.MaxColsPerTable <= 0 {
		limits.MaxColsPerTable = def.MaxColsPerTable
	}
	if limits.MaxPreviewChars <= 0 {
		limits.MaxPreviewChars = def.MaxPreviewChars
	}
	if limits.MaxSteps <= 0 {
		limits.MaxSteps = def.MaxSteps
	}

	tables := dedupeSorted(state.KnownTables)
	out := Summary{
		KnownTables:   truncateList(tables, limits.MaxTables),
		KnownSchemas:  make(map[string][]string),
		RecentSteps:   []StepDigest{},
		LastErrorCode: state.LastError,
	}

	schemaTables := make([]string, 0, len(state.KnownSchemas))
	for t := range state.KnownSchemas {
		schemaTables = append(schemaTables, t)
	}
	sort.Strings(schemaTables)
	for i, t := range schemaTables {
		if i >= limits.MaxTables {
			break
		}
		names := make([]string, 0, len(state.KnownSchemas[t]))
		for _, c := range state.KnownSchemas[t] {
			names = append(names, c.Name)
		}
		out.KnownSchemas[t] = truncateList(names, limits.MaxColsPerTable)
	}
	if extra := len(schemaTables) - limits.MaxTables; extra > 0 {
		out.KnownSchemas[ellipsis] = []string{fmt.Sprintf("%d more tables", extra)}
	}

	steps := state.Steps
	if len(steps) > limits.MaxSteps {
		steps = steps[len(steps)-limits.MaxSteps:]
	}
	for _, st := range steps {
		out.RecentSteps = append(out.RecentSteps, digestStep(st, limits))
	}
	return out
}

func digestStep(st Step, limits SummaryLimits) StepDigest {
	d := StepDigest{
		Index:   st.Index,
		Thought: truncateText(st.Thought, maxThoughtChars),
		Action:  st.Action,
	}
	if len(st.Args) > 0 {
		d.Args = make(map[string]any, len(st.Args))
		for k, v := range st.Args {
			if s, ok := v.(string); ok {
				v = truncateText(s, maxArgChars)
			}
			d.Args[k] = v
		}
	}
	obs := st.Observation
	if obs == nil {
		d.OK = st.Kind == StepReasoning
		return d
	}
	d.OK = obs.OK
	d.ErrorCode = obs.ErrorCode()
	d.Tables = truncateList(obs.Tables, limits.MaxTables)
	d.Matches = truncateList(obs.Matches, limits.MaxTables)
	if len(obs.Columns) > 0 {
		names := make([]string, 0, len(obs.Columns))
		for _, c := range obs.Columns {
			names = append(names, c.Name)
		}
		d.Columns = truncateList(names, limits.MaxColsPerTable)
	}
	if len(obs.Preview) > 0 {
		if data, err := json.Marshal(obs.Preview); err == nil {
			d.Preview = truncateText(string(data), limits.MaxPreviewChars)
		}
	}
	return d
}

// truncateText cuts s to at most n runes, marking the cut with an ellipsis.
func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + ellipsis
}

// truncateList keeps the first n items and appends an ellipsis item when cut.
func truncateList(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	out := make([]string, 0, n+1)
	out = append(out, items[:n]...)
	return append(out, ellipsis)
}

func dedupeSorted(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	sort.Strings(out)
	return out
}
