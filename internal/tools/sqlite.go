package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ValidTableName reports whether name can be quoted into generated SQL.
// Quoting handles any character except NUL; a semicolon would split the
// statement before the SQL guard sees the quoted name.
func ValidTableName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "\x00;")
}

// QuoteIdentifier quotes name for use as a table reference.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// SampleSQL builds the constrained query behind the sample_rows action.
func SampleSQL(table string, limit int) (string, error) {
	if !ValidTableName(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	if limit <= 0 {
		limit = 5
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", QuoteIdentifier(table), limit), nil
}

// SQLiteExecutor runs read-only queries against a SQLite database file.
type SQLiteExecutor struct {
	DB      *sql.DB
	Timeout time.Duration
}

// NewSQLiteExecutor opens path in query-only mode. An empty path yields an
// executor that reports NO_DB_URL for every call.
func NewSQLiteExecutor(path string, timeout time.Duration) (*SQLiteExecutor, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if path == "" {
		return &SQLiteExecutor{Timeout: timeout}, nil
	}
	dsn := fmt.Sprintf("file:%s?_pragma=query_only(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return &SQLiteExecutor{DB: db, Timeout: timeout}, nil
}

func (e *SQLiteExecutor) Close() error {
	if e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

func (e *SQLiteExecutor) ListTables(ctx context.Context) Result[ListTablesResult] {
	if e.DB == nil {
		return noDB[ListTablesResult]()
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	rows, err := e.DB.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return fromError[ListTablesResult](ctx, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fromError[ListTablesResult](ctx, err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fromError[ListTablesResult](ctx, err)
	}
	return Ok(ListTablesResult{Tables: tables})
}

func (e *SQLiteExecutor) DescribeTable(ctx context.Context, table string) Result[DescribeTableResult] {
	if e.DB == nil {
		return noDB[DescribeTableResult]()
	}
	if !ValidTableName(table) {
		return Fail[DescribeTableResult](CodeUnknownTable, fmt.Sprintf("No such table: %s", table))
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	rows, err := e.DB.QueryContext(ctx, `PRAGMA table_info("`+strings.ReplaceAll(table, `"`, `""`)+`")`)
	if err != nil {
		return fromError[DescribeTableResult](ctx, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fromError[DescribeTableResult](ctx, err)
		}
		columns = append(columns, Column{Name: name, Type: colType})
	}
	if err := rows.Err(); err != nil {
		return fromError[DescribeTableResult](ctx, err)
	}
	if len(columns) == 0 {
		return Fail[DescribeTableResult](CodeUnknownTable, fmt.Sprintf("No such table: %s", table))
	}
	return Ok(DescribeTableResult{Columns: columns})
}

func (e *SQLiteExecutor) RunSQL(ctx context.Context, query string, limit int) Result[RowsResult] {
	if e.DB == nil {
		return noDB[RowsResult]()
	}
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	rows, err := e.DB.QueryContext(ctx, query)
	if err != nil {
		return fromError[RowsResult](ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fromError[RowsResult](ctx, err)
	}

	data := make([]map[string]any, 0)
	for rows.Next() && len(data) < limit {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fromError[RowsResult](ctx, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return fromError[RowsResult](ctx, err)
	}
	return Ok(RowsResult{Rows: data})
}

func noDB[T any]() Result[T] {
	return Fail[T](CodeNoDBURL, "no database configured: set database.path in the config file or DBAGENT_DB_PATH")
}

func fromError[T any](ctx context.Context, err error) Result[T] {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Fail[T](CodeTimeout, err.Error())
	}
	return Fail[T](ClassifyError(err), err.Error())
}

// ClassifyError maps a driver error to an error code.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"):
		return CodeUnknownTable
	case strings.Contains(msg, "no such column"):
		return CodeUnknownColumn
	case strings.Contains(msg, "syntax error"), strings.Contains(msg, "incomplete input"):
		return CodeSQLSyntax
	case strings.Contains(msg, "deadlock"):
		return CodeDeadlock
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return CodeLockTimeout
	case strings.Contains(msg, "database is closed"), strings.Contains(msg, "bad connection"), strings.Contains(msg, "connection reset"):
		return CodeLostConnection
	case strings.Contains(msg, "interrupted"), strings.Contains(msg, "timeout"):
		return CodeTimeout
	default:
		return CodeExecutionError
	}
}
