package nlsql

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openShopDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
	CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		email TEXT,
		phone_number TEXT
	);
	CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		customer_id INTEGER REFERENCES customers(id),
		total_amount REAL,
		status TEXT NOT NULL,
		created_at TEXT
	);
	INSERT INTO customers (id, email, phone_number) VALUES
		(1, 'ana@example.com', '+351-111'),
		(2, 'bo@example.com', '+351-222');
	INSERT INTO orders (id, customer_id, total_amount, status, created_at) VALUES
		(1, 1, 120.5, 'paid', '2026-08-01T10:00:00Z'),
		(2, 1, 35.0, 'paid', '2026-08-02T11:00:00Z'),
		(3, 2, 990.0, 'pending', '2026-08-03T12:00:00Z');`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("seed schema: %v", err)
	}
	return db
}

func testConfig() *Config {
	return &Config{
		MaxExecutionTime: 5 * time.Second,
		MaxRows:          10000,
		FeedbackCapacity: 100,
		SampleRows:       2,
	}
}

func TestExecutePrimarySuccess(t *testing.T) {
	db := openShopDB(t)
	exec := NewExecutor(db, "sqlite", nil, nil, testConfig(), nil)

	gen := &SQLGenResult{SQL: "SELECT * FROM orders;", Confidence: 0.9}
	res, attempts := exec.Execute(context.Background(), gen, "show all orders")

	if !res.Success || res.Strategy != "primary" {
		t.Fatalf("result = %+v", res)
	}
	if res.RowCount != 3 || len(res.Rows) != 3 {
		t.Errorf("row count = %d", res.RowCount)
	}
	if len(attempts) != 0 {
		t.Errorf("attempts = %v, want none on primary success", attempts)
	}

	insights := exec.Feedback().Insights()
	if insights.Total != 1 || insights.SuccessRate != 1.0 {
		t.Errorf("feedback insights = %+v", insights)
	}
}

func TestExecuteTruncatesAtMaxRows(t *testing.T) {
	db := openShopDB(t)
	cfg := testConfig()
	cfg.MaxRows = 2
	exec := NewExecutor(db, "sqlite", nil, nil, cfg, nil)

	res, _ := exec.Execute(context.Background(), &SQLGenResult{SQL: "SELECT * FROM orders;"}, "all orders")
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.RowCount != 2 || !res.Truncated {
		t.Errorf("rows = %d truncated = %v, want cap at 2", res.RowCount, res.Truncated)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "truncated") {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestExecuteWriteStatement(t *testing.T) {
	db := openShopDB(t)
	exec := NewExecutor(db, "sqlite", nil, nil, testConfig(), nil)

	res, _ := exec.Execute(context.Background(),
		&SQLGenResult{SQL: "UPDATE orders SET status = 'shipped' WHERE id = 1;"}, "ship order 1")
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.RowCount != 1 {
		t.Errorf("affected = %d, want 1", res.RowCount)
	}
}

func TestExecuteFallsBackToBasicSelect(t *testing.T) {
	db := openShopDB(t)
	exec := NewExecutor(db, "sqlite", nil, nil, testConfig(), nil)

	// no plan and no metadata: only the SQL-rewriting rungs can run
	gen := &SQLGenResult{SQL: "SELECT * FROM missing_table;", Confidence: 0.5}
	res, attempts := exec.Execute(context.Background(), gen, "show missing things")

	if !res.Success || res.Strategy != "basic_select" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "fallback") {
		t.Errorf("warnings = %v, want fallback notice", res.Warnings)
	}

	var ran []int
	for _, a := range attempts {
		ran = append(ran, a.AttemptNumber)
	}
	want := []int{1, 2, 3, 9}
	if len(ran) != len(want) {
		t.Fatalf("attempt numbers = %v, want %v", ran, want)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("attempt numbers = %v, want %v", ran, want)
		}
	}
	last := attempts[len(attempts)-1]
	if last.Strategy != "basic_select" || !last.Success {
		t.Errorf("last attempt = %+v", last)
	}
}

func TestExecuteTableFallback(t *testing.T) {
	db := openShopDB(t)
	meta := &DatabaseMetadata{
		Tables: []TableInfo{{TableName: "orders"}, {TableName: "customers"}},
	}
	exec := NewExecutor(db, "sqlite", meta, nil, testConfig(), nil)

	gen := &SQLGenResult{
		SQL:  "SELECT * FROM shipments;",
		Plan: &QueryPlan{PrimaryTables: []string{"shipments"}},
	}
	res, attempts := exec.Execute(context.Background(), gen, "show shipments")

	if !res.Success || res.Strategy != "table_fallback" {
		t.Fatalf("result = %+v", res)
	}
	if res.SQL != "SELECT * FROM orders LIMIT 100;" {
		t.Errorf("sql = %q", res.SQL)
	}
	for _, a := range attempts {
		if a.Strategy == "simplify_query" || a.Strategy == "column_fallback" {
			t.Errorf("inapplicable strategy %q recorded an attempt", a.Strategy)
		}
	}
}

func TestExecuteUnresolvedError(t *testing.T) {
	db := openShopDB(t)
	exec := NewExecutor(db, "sqlite", nil, nil, testConfig(), nil)
	db.Close()

	res, attempts := exec.Execute(context.Background(),
		&SQLGenResult{SQL: "SELECT * FROM orders;"}, "show all orders")

	if res.Success || res.Strategy != "unresolved_error" {
		t.Fatalf("result = %+v", res)
	}
	if len(attempts) != 4 {
		t.Errorf("attempts = %d, want the four applicable rungs", len(attempts))
	}
	for _, a := range attempts {
		if a.Success {
			t.Errorf("attempt %+v succeeded on a closed handle", a)
		}
	}

	insights := exec.Feedback().Insights()
	if insights.Total != 1 || insights.SuccessRate != 0 {
		t.Errorf("feedback insights = %+v", insights)
	}
}

func TestFallbackSQLAddLimitSkipsWhenPresent(t *testing.T) {
	exec := NewExecutor(nil, "sqlite", nil, nil, testConfig(), nil)
	gen := &SQLGenResult{SQL: "SELECT * FROM orders LIMIT 5;"}
	if _, _, ok := exec.fallbackSQL("add_limit", gen, ""); ok {
		t.Error("add_limit should not apply when a limit exists")
	}
}

func TestPrimaryOnlySQL(t *testing.T) {
	exec := NewExecutor(nil, "sqlite", nil, nil, testConfig(), nil)
	gen := &SQLGenResult{
		Plan: &QueryPlan{
			PrimaryTables:   []string{"orders", "customers"},
			SelectColumns:   []string{"orders.id", "customers.email", "status"},
			WhereConditions: []string{"orders.status = 'paid'", "customers.email LIKE '%@x'"},
		},
	}
	got := exec.primaryOnlySQL(gen)
	want := "SELECT orders.id, status FROM orders WHERE orders.status = 'paid' LIMIT 1000;"
	if got != want {
		t.Errorf("primaryOnlySQL = %q, want %q", got, want)
	}
}

func TestReplaceSelectList(t *testing.T) {
	got := replaceSelectList("SELECT o.id, o.missing FROM orders o")
	if got != "SELECT * FROM orders o" {
		t.Errorf("got %q", got)
	}
	// unqualified select lists are left alone
	if got := replaceSelectList("SELECT id FROM orders"); got != "SELECT id FROM orders" {
		t.Errorf("got %q", got)
	}
}

func TestIsReadStatement(t *testing.T) {
	cases := []struct {
		stmt string
		want bool
	}{
		{"SELECT 1", true},
		{"  with t as (select 1) select * from t", true},
		{"EXPLAIN SELECT 1", true},
		{"PRAGMA table_info(orders)", true},
		{"UPDATE orders SET status = 'x'", false},
		{"DELETE FROM orders", false},
	}
	for _, c := range cases {
		if got := isReadStatement(c.stmt); got != c.want {
			t.Errorf("isReadStatement(%q) = %v, want %v", c.stmt, got, c.want)
		}
	}
}
