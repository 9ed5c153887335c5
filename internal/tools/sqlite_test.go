package tools

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDemoExecutor(t *testing.T) *SQLiteExecutor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	require.NoError(t, SeedDemo(context.Background(), path))
	exec, err := NewSQLiteExecutor(path, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	return exec
}

func TestSQLiteExecutorListTables(t *testing.T) {
	exec := newDemoExecutor(t)
	res := exec.ListTables(context.Background())
	require.True(t, res.OK, "list tables failed: %v", res.Error)
	assert.Equal(t, []string{"order_items", "orders", "products", "users"}, res.Value.Tables)
}

func TestSQLiteExecutorDescribeTable(t *testing.T) {
	exec := newDemoExecutor(t)
	res := exec.DescribeTable(context.Background(), "users")
	require.True(t, res.OK)
	var names []string
	for _, c := range res.Value.Columns {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"id", "username", "email", "age", "created_at"}, names)
	assert.Equal(t, "INTEGER", res.Value.Columns[0].Type)

	missing := exec.DescribeTable(context.Background(), "satellites")
	assert.False(t, missing.OK)
	assert.Equal(t, CodeUnknownTable, missing.Code())

	injected := exec.DescribeTable(context.Background(), `users"); DROP TABLE users; --`)
	assert.Equal(t, CodeUnknownTable, injected.Code())
}

func TestSQLiteExecutorRunSQL(t *testing.T) {
	exec := newDemoExecutor(t)
	ctx := context.Background()

	res := exec.RunSQL(ctx, "SELECT COUNT(*) AS cnt FROM `users`", 10)
	require.True(t, res.OK)
	require.Len(t, res.Value.Rows, 1)
	assert.EqualValues(t, 5, res.Value.Rows[0]["cnt"])

	limited := exec.RunSQL(ctx, "SELECT * FROM products", 2)
	require.True(t, limited.OK)
	assert.Len(t, limited.Value.Rows, 2)

	empty := exec.RunSQL(ctx, "SELECT * FROM users WHERE age > 100", 10)
	require.True(t, empty.OK)
	assert.NotNil(t, empty.Value.Rows)
	assert.Empty(t, empty.Value.Rows)
}

func TestSQLiteExecutorErrorCodes(t *testing.T) {
	exec := newDemoExecutor(t)
	ctx := context.Background()

	assert.Equal(t, CodeUnknownTable, exec.RunSQL(ctx, "SELECT * FROM satellites", 10).Code())
	assert.Equal(t, CodeUnknownColumn, exec.RunSQL(ctx, "SELECT wingspan FROM users", 10).Code())
	assert.Equal(t, CodeSQLSyntax, exec.RunSQL(ctx, "SELECT FROM WHERE", 10).Code())
}

func TestSQLiteExecutorIsQueryOnly(t *testing.T) {
	exec := newDemoExecutor(t)
	res := exec.RunSQL(context.Background(), "DELETE FROM users", 10)
	assert.False(t, res.OK)

	count := exec.RunSQL(context.Background(), "SELECT COUNT(*) AS cnt FROM users", 1)
	require.True(t, count.OK)
	assert.EqualValues(t, 5, count.Value.Rows[0]["cnt"])
}

func TestSQLiteExecutorWithoutDatabase(t *testing.T) {
	exec, err := NewSQLiteExecutor("", 0)
	require.NoError(t, err)
	assert.Equal(t, CodeNoDBURL, exec.ListTables(context.Background()).Code())
	assert.Equal(t, CodeNoDBURL, exec.DescribeTable(context.Background(), "users").Code())
	assert.Equal(t, CodeNoDBURL, exec.RunSQL(context.Background(), "SELECT 1", 1).Code())
}

func TestSampleSQL(t *testing.T) {
	q, err := SampleSQL("orders", 0)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `orders` LIMIT 5", q)

	_, err = SampleSQL("orders; DROP TABLE x", 5)
	assert.Error(t, err)

	q, err = SampleSQL("order-items", 3)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `order-items` LIMIT 3", q)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, "`users`", QuoteIdentifier("users"))
	assert.Equal(t, "`order items`", QuoteIdentifier("order items"))
	assert.Equal(t, "`a``b`", QuoteIdentifier("a`b"))
}

func TestSQLiteExecutorQuotesTableNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, q := range []string{
		`CREATE TABLE "order-items" (id INTEGER PRIMARY KEY, sku TEXT)`,
		`INSERT INTO "order-items" (sku) VALUES ('a'), ('b')`,
		"CREATE TABLE `we\"ird` (id INTEGER)",
	} {
		_, err := db.Exec(q)
		require.NoError(t, err, q)
	}
	require.NoError(t, db.Close())

	exec, err := NewSQLiteExecutor(path, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	ctx := context.Background()

	desc := exec.DescribeTable(ctx, "order-items")
	require.True(t, desc.OK, "describe failed: %v", desc.Error)
	require.Len(t, desc.Value.Columns, 2)
	assert.Equal(t, "sku", desc.Value.Columns[1].Name)

	weird := exec.DescribeTable(ctx, `we"ird`)
	require.True(t, weird.OK, "describe failed: %v", weird.Error)

	q, err := SampleSQL("order-items", 5)
	require.NoError(t, err)
	rows := exec.RunSQL(ctx, q, 10)
	require.True(t, rows.OK, "sample failed: %v", rows.Error)
	assert.Len(t, rows.Value.Rows, 2)
}

func TestClassifyError(t *testing.T) {
	cases := map[string]string{
		"no such table: x":          CodeUnknownTable,
		"no such column: y":         CodeUnknownColumn,
		`near "FROM": syntax error`: CodeSQLSyntax,
		"database is locked":        CodeLockTimeout,
		"sql: database is closed":   CodeLostConnection,
		"something else went wrong": CodeExecutionError,
	}
	for msg, want := range cases {
		assert.Equal(t, want, ClassifyError(errors.New(msg)), msg)
	}
	assert.Equal(t, "", ClassifyError(nil))
}

func TestRegistryDefaults(t *testing.T) {
	r := DefaultRegistry()
	var names []string
	for _, s := range r.All() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"describe_table", "finish", "list_tables", "run_sql", "sample_rows"}, names)

	r.Unregister("run_sql")
	_, ok := r.Get("run_sql")
	assert.False(t, ok)
}
