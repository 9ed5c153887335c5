package governance

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

	writeKeywords     = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|REPLACE|DROP|TRUNCATE|ALTER|CREATE|GRANT|REVOKE)\b`)
	dangerousFuncs    = regexp.MustCompile(`(?i)\b(SLEEP|BENCHMARK|LOAD_FILE)\s*\(`)
	fileExportClauses = regexp.MustCompile(`(?i)\b(INTO\s+OUTFILE|INTO\s+DUMPFILE|LOAD\s+DATA\s+INFILE)\b`)
	readOnlyStart     = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
	limitKeyword      = regexp.MustCompile(`(?i)\bLIMIT\b`)
	// LIMIT count | LIMIT offset, count | LIMIT count OFFSET n, ending the
	// statement or a parenthesized subquery.
	limitClause = regexp.MustCompile(`(?i)^LIMIT\s+(\d+)(?:\s*,\s*(\d+))?(?:\s+OFFSET\s+\d+)?\s*(?:\)|$)`)
)

// RejectedError is returned when a statement cannot be made safe.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "sql rejected: " + e.Reason
}

// IsRejected reports whether err is a guard rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

func reject(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// EnsureSafeSQL turns untrusted SQL into a single read-only statement whose
// result is bounded by a LIMIT of at most maxLimit rows.
//
// Keywords are matched on raw text, so a write keyword inside a string
// literal is rejected too. LIMIT is looked up outside string literals and
// only the first one is inspected; in a query whose subquery carries a
// LIMIT, the outer result stays unbounded by this step. A LIMIT whose count
// is not a plain integer is rejected.
func EnsureSafeSQL(sql string, defaultLimit, maxLimit int) (string, error) {
	if maxLimit <= 0 {
		maxLimit = 5000
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(1000, maxLimit)
	}

	stmt := blockComment.ReplaceAllString(sql, " ")
	stmt = lineComment.ReplaceAllString(stmt, "")

	stmt, err := firstStatement(stmt)
	if err != nil {
		return "", err
	}

	if m := writeKeywords.FindString(stmt); m != "" {
		return "", reject("write or DDL keyword %s is not allowed", strings.ToUpper(m))
	}
	if m := dangerousFuncs.FindStringSubmatch(stmt); m != nil {
		return "", reject("function %s is not allowed", strings.ToUpper(m[1]))
	}
	if m := fileExportClauses.FindString(stmt); m != "" {
		return "", reject("file access clause %q is not allowed", m)
	}
	if !readOnlyStart.MatchString(stmt) {
		return "", reject("only SELECT or WITH statements are allowed")
	}

	return boundLimit(stmt, defaultLimit, maxLimit)
}

func firstStatement(sql string) (string, error) {
	parts := strings.SplitN(sql, ";", 2)
	stmt := strings.TrimSpace(parts[0])
	if len(parts) == 2 && strings.TrimSpace(strings.ReplaceAll(parts[1], ";", "")) != "" {
		return "", reject("multiple statements are not allowed")
	}
	if stmt == "" {
		return "", reject("empty statement")
	}
	return stmt, nil
}

func boundLimit(stmt string, defaultLimit, maxLimit int) (string, error) {
	masked := maskStrings(stmt)
	kw := limitKeyword.FindStringIndex(masked)
	if kw == nil {
		return fmt.Sprintf("%s LIMIT %d", stmt, defaultLimit), nil
	}
	m := limitClause.FindStringSubmatchIndex(masked[kw[0]:])
	if m == nil {
		return "", reject("LIMIT must be a plain integer count")
	}
	// the count is the second number in the "offset, count" form
	start, end := m[2], m[3]
	if m[4] >= 0 {
		start, end = m[4], m[5]
	}
	start, end = start+kw[0], end+kw[0]
	n, err := strconv.Atoi(stmt[start:end])
	if err == nil && n <= maxLimit {
		return stmt, nil
	}
	return stmt[:start] + strconv.Itoa(maxLimit) + stmt[end:], nil
}

// maskStrings blanks the contents of single-quoted literals, keeping byte
// offsets intact.
func maskStrings(stmt string) string {
	b := []byte(stmt)
	in := false
	for i, c := range b {
		switch {
		case c == '\'':
			in = !in
		case in:
			b[i] = ' '
		}
	}
	return string(b)
}

// SQLGuard carries the limits used by EnsureSafeSQL.
type SQLGuard struct {
	DefaultLimit int
	MaxLimit     int
}

func NewSQLGuard(defaultLimit, maxLimit int) *SQLGuard {
	return &SQLGuard{DefaultLimit: defaultLimit, MaxLimit: maxLimit}
}

func (g *SQLGuard) Ensure(sql string) (string, error) {
	return EnsureSafeSQL(sql, g.DefaultLimit, g.MaxLimit)
}
