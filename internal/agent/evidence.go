package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rahul/dbagent/internal/tools"
)

// ErrPrematureFinish rejects a finish that is not backed by row-level data
// the question explicitly asked for.
var ErrPrematureFinish = errors.New(CodePrematureFinish)

const maxCandidates = 3

var countKeywords = []string{
	"how many", "count", "total", "number of",
	"多少", "有几个", "数量", "总数", "计数", "几人", "几项", "几条", "几个",
}

var exampleKeywords = []string{
	"show me", "give examples", "give me examples", "for example", "for instance",
	"some examples", "example rows", "sample data", "what does it contain", "list the", "list all",
	"举例", "举例子", "展示", "列出", "有哪些", "包含哪些数据", "具体数据", "数据内容",
}

// IsCountQuestion reports whether the question asks for a count.
func IsCountQuestion(question string) bool {
	return containsAny(question, countKeywords)
}

// RequestsExamples reports whether the question asks to see actual rows.
func RequestsExamples(question string) bool {
	return containsAny(question, exampleKeywords)
}

func containsAny(text string, keywords []string) bool {
	t := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

func isEvidenceStep(st Step) bool {
	return st.Action.IsQuery() && st.Observation != nil && st.Observation.OK && len(st.Observation.Preview) > 0
}

// HasEvidence reports whether one of the last lookback steps is a
// successful query that returned rows.
func HasEvidence(state *SessionState, lookback int) bool {
	if lookback <= 0 {
		lookback = 6
	}
	steps := state.Steps
	if len(steps) > lookback {
		steps = steps[len(steps)-lookback:]
	}
	for _, st := range steps {
		if isEvidenceStep(st) {
			return true
		}
	}
	return false
}

// CheckExampleRequest returns ErrPrematureFinish when the current question
// asks for example data and no query in this turn has returned rows.
func CheckExampleRequest(state *SessionState) error {
	if !RequestsExamples(state.Question) {
		return nil
	}
	start := min(max(state.TurnStart, 0), len(state.Steps))
	for _, st := range state.Steps[start:] {
		if isEvidenceStep(st) {
			return nil
		}
	}
	return fmt.Errorf("%w: the question asks for example data but no sample_rows or run_sql result has been fetched yet", ErrPrematureFinish)
}

// CandidateTables ranks known tables for a question: tables named in the
// question first, then tables with a known schema, then the rest.
func CandidateTables(state *SessionState, topK int) []string {
	q := strings.ToLower(state.Question)
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range state.KnownTables {
		if tl := strings.ToLower(t); tl != "" && strings.Contains(q, tl) {
			add(t)
		}
	}
	for _, t := range state.KnownTables {
		if state.HasSchema(t) {
			add(t)
		}
	}
	for _, t := range state.KnownTables {
		add(t)
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// EvidenceGuard turns an unsupported finish into the next investigative step.
type EvidenceGuard struct {
	Lookback int
}

func NewEvidenceGuard(lookback int) *EvidenceGuard {
	return &EvidenceGuard{Lookback: lookback}
}

// Rewrite returns the decision to run instead of d and whether it changed.
// A finish is only kept when HasEvidence holds.
func (g *EvidenceGuard) Rewrite(state *SessionState, d Decision) (Decision, bool) {
	if d.Action != ActionFinish || HasEvidence(state, g.Lookback) {
		return d, false
	}

	next := Decision{Action: ActionListTables, Args: map[string]any{}, Kind: StepAction}
	if candidates := CandidateTables(state, maxCandidates); len(candidates) > 0 {
		next = queryCandidates(state, candidates)
	}
	note := fmt.Sprintf("[guard] rewrote finish to %s: no query result backs an answer yet", next.Action)
	if d.Thought != "" {
		next.Thought = d.Thought + "\n" + note
	} else {
		next.Thought = note
	}
	return next, true
}

func queryCandidates(state *SessionState, candidates []string) Decision {
	for _, t := range candidates {
		if !state.HasSchema(t) {
			return Decision{Action: ActionDescribeTable, Args: map[string]any{"table": t}, Kind: StepAction}
		}
	}
	table := candidates[0]
	sql := fmt.Sprintf("SELECT * FROM %s LIMIT 5", tools.QuoteIdentifier(table))
	if IsCountQuestion(state.Question) {
		sql = "SELECT COUNT(*) AS cnt FROM " + tools.QuoteIdentifier(table)
	}
	return Decision{Action: ActionRunSQL, Args: map[string]any{"sql": sql}, Kind: StepAction}
}

var fromTable = regexp.MustCompile("(?i)\\bFROM\\s+(?:`((?:[^`]|``)+)`|\"((?:[^\"]|\"\")+)\"|([A-Za-z_][A-Za-z0-9_$]*))")

// LatestEvidence returns the most recent row-level result in the trace.
func LatestEvidence(state *SessionState) *Evidence {
	for i := len(state.Steps) - 1; i >= 0; i-- {
		st := state.Steps[i]
		if !isEvidenceStep(st) {
			continue
		}
		ev := &Evidence{Preview: st.Observation.Preview, SQL: st.Observation.SQL}
		if t, ok := st.Args["table"].(string); ok {
			ev.Table = t
		} else if m := fromTable.FindStringSubmatch(ev.SQL); m != nil {
			switch {
			case m[1] != "":
				ev.Table = strings.ReplaceAll(m[1], "``", "`")
			case m[2] != "":
				ev.Table = strings.ReplaceAll(m[2], `""`, `"`)
			default:
				ev.Table = m[3]
			}
		}
		return ev
	}
	return nil
}
