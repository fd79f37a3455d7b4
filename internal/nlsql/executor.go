package nlsql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	subqueryPattern     = regexp.MustCompile(`(?is)\(\s*SELECT\b[^()]*\)`)
	casePattern         = regexp.MustCompile(`(?is)\bCASE\s+WHEN\b.*?\bEND\b`)
	coalescePattern     = regexp.MustCompile(`(?is)\b(?:COALESCE|NULLIF)\s*\(\s*([^,()]+?)\s*,[^()]*\)`)
	// Go's RE2 has no lookahead; the trailing terminator is captured
	// and re-inserted by the replacement instead of asserted with (?=)
	groupByPattern      = regexp.MustCompile(`(?is)\bGROUP\s+BY\b.*?(\bORDER\b|\bLIMIT\b|\bHAVING\b|;|$)`)
	havingPattern       = regexp.MustCompile(`(?is)\bHAVING\b.*?(\bORDER\b|\bLIMIT\b|;|$)`)
	withClausePattern   = regexp.MustCompile(`(?is)^\s*WITH\b.*?\)\s*(SELECT\b)`)
	windowClausePattern = regexp.MustCompile(`(?is)\bWINDOW\b.*?(\bORDER\b|\bLIMIT\b|;|$)`)
	qualifiedColPattern = regexp.MustCompile(`\b\w+\.\w+\b`)
)

// fallbackStrategies is the ladder, attempted in order after a failed
// primary run; the first success wins
var fallbackStrategies = []string{
	"extended_timeout",
	"add_limit",
	"retry",
	"simplify_query",
	"remove_joins",
	"column_fallback",
	"table_fallback",
	"syntax_correction",
	"basic_select",
}

// Executor runs generated SQL under time and row bounds, degrading
// through the fallback ladder on failure. Every terminal outcome is
// appended to the feedback buffer.
type Executor struct {
	db       *sql.DB
	dialect  string
	meta     *DatabaseMetadata
	feedback *FeedbackBuffer
	cfg      *Config
	log      *zap.Logger
}

// NewExecutor creates a bounded SQL executor over one source
func NewExecutor(db *sql.DB, dialect string, meta *DatabaseMetadata, feedback *FeedbackBuffer, cfg *Config, log *zap.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if feedback == nil {
		feedback = NewFeedbackBuffer(cfg.FeedbackCapacity)
	}
	return &Executor{db: db, dialect: strings.ToLower(dialect), meta: meta, feedback: feedback, cfg: cfg, log: log}
}

// Feedback exposes the executor's feedback buffer
func (e *Executor) Feedback() *FeedbackBuffer {
	return e.feedback
}

// Execute runs the generated statement, walking the fallback ladder
// on primary failure. The result always names the winning strategy;
// the attempts list covers only the fallback rungs that ran.
func (e *Executor) Execute(ctx context.Context, gen *SQLGenResult, originalQuery string) (*ExecutionResult, []FallbackAttempt) {
	primary := e.run(ctx, gen.SQL, e.cfg.MaxExecutionTime)
	primary.Strategy = "primary"
	if primary.Success {
		e.record(originalQuery, gen, primary, "success")
		return primary, nil
	}

	e.log.Warn("primary execution failed, entering fallback ladder",
		zap.String("error", primary.Error))

	var attempts []FallbackAttempt
	lastErr := primary.Error
	for i, strategy := range fallbackStrategies {
		candidate, timeout, ok := e.fallbackSQL(strategy, gen, lastErr)
		if !ok {
			continue
		}

		res := e.run(ctx, candidate, timeout)
		attempts = append(attempts, FallbackAttempt{
			AttemptNumber:   i + 1,
			Strategy:        strategy,
			SQLAttempted:    candidate,
			Success:         res.Success,
			Error:           res.Error,
			ExecutionTimeMS: res.ExecutionTimeMS,
		})

		if res.Success {
			res.Strategy = strategy
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("result produced by fallback strategy %q, not the original query", strategy))
			e.record(originalQuery, gen, res, "fallback_success")
			return res, attempts
		}
		lastErr = res.Error
	}

	primary.Strategy = "unresolved_error"
	e.record(originalQuery, gen, primary, "failure")
	return primary, attempts
}

// fallbackSQL produces the candidate statement for one ladder rung.
// ok is false when the strategy cannot change anything.
func (e *Executor) fallbackSQL(strategy string, gen *SQLGenResult, lastErr string) (string, time.Duration, bool) {
	timeout := e.cfg.MaxExecutionTime
	original := gen.SQL

	switch strategy {
	case "extended_timeout":
		return original, 2 * timeout, true

	case "add_limit":
		if limitClausePattern.MatchString(original) {
			return "", 0, false
		}
		limit := 1000
		if e.cfg.MaxRows < limit {
			limit = e.cfg.MaxRows
		}
		return fmt.Sprintf("%s LIMIT %d;", strings.TrimSuffix(strings.TrimSpace(original), ";"), limit), timeout, true

	case "retry":
		return original, timeout, true

	case "simplify_query":
		simplified := subqueryPattern.ReplaceAllString(original, "NULL")
		simplified = casePattern.ReplaceAllString(simplified, "NULL")
		simplified = coalescePattern.ReplaceAllString(simplified, "$1")
		simplified = groupByPattern.ReplaceAllString(simplified, " $1")
		simplified = havingPattern.ReplaceAllString(simplified, " $1")
		if strings.EqualFold(simplified, original) {
			return "", 0, false
		}
		return simplified, timeout, true

	case "remove_joins":
		return e.primaryOnlySQL(gen), timeout, gen.Plan != nil && len(gen.Plan.PrimaryTables) > 0

	case "column_fallback":
		primary := e.primaryTable(gen)
		if primary == "" || e.meta == nil {
			return "", 0, false
		}
		cols := e.meta.ColumnsOf(primary)
		if len(cols) == 0 {
			return "", 0, false
		}
		if len(cols) > 5 {
			cols = cols[:5]
		}
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.ColumnName
		}
		return fmt.Sprintf("SELECT %s FROM %s LIMIT 100;", strings.Join(names, ", "), primary), timeout, true

	case "table_fallback":
		primary := e.primaryTable(gen)
		if e.meta == nil {
			return "", 0, false
		}
		for _, t := range e.meta.Tables {
			if t.TableName != primary {
				return fmt.Sprintf("SELECT * FROM %s LIMIT 100;", t.TableName), timeout, true
			}
		}
		return "", 0, false

	case "syntax_correction":
		corrected := withClausePattern.ReplaceAllString(original, "$1")
		corrected = windowClausePattern.ReplaceAllString(corrected, " $1")
		if strings.Contains(strings.ToLower(lastErr), "column") &&
			(strings.Contains(strings.ToLower(lastErr), "does not exist") ||
				strings.Contains(strings.ToLower(lastErr), "no such column")) {
			corrected = replaceSelectList(corrected)
		}
		if strings.EqualFold(corrected, original) {
			return "", 0, false
		}
		return corrected, timeout, true

	case "basic_select":
		if primary := e.primaryTable(gen); primary != "" {
			return fmt.Sprintf("SELECT * FROM %s LIMIT 10;", primary), timeout, true
		}
		return "SELECT 1 AS test_query;", timeout, true
	}
	return "", 0, false
}

// replaceSelectList swaps qualified column references in the SELECT
// list for * when a column was reported missing
func replaceSelectList(sqlText string) string {
	upper := strings.ToUpper(sqlText)
	from := strings.Index(upper, "FROM")
	if from < 0 {
		return sqlText
	}
	head := sqlText[:from]
	if !qualifiedColPattern.MatchString(head) {
		return sqlText
	}
	return "SELECT * " + sqlText[from:]
}

// primaryTable returns the plan's first primary table
func (e *Executor) primaryTable(gen *SQLGenResult) string {
	if gen.Plan == nil || len(gen.Plan.PrimaryTables) == 0 {
		return ""
	}
	return gen.Plan.PrimaryTables[0]
}

// primaryOnlySQL rebuilds the statement against the primary table
// alone: joins dropped, select columns and where conditions filtered
// to those belonging to the primary table
func (e *Executor) primaryOnlySQL(gen *SQLGenResult) string {
	primary := e.primaryTable(gen)
	if primary == "" {
		return ""
	}
	plan := gen.Plan

	var cols []string
	for _, c := range plan.SelectColumns {
		if !strings.Contains(c, ".") || strings.HasPrefix(c, primary+".") {
			cols = append(cols, c)
		}
	}
	selectList := "*"
	if len(cols) > 0 {
		selectList = strings.Join(cols, ", ")
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s", selectList, primary)

	var wheres []string
	for _, w := range plan.WhereConditions {
		if !strings.Contains(w, ".") || strings.Contains(w, primary+".") {
			wheres = append(wheres, w)
		}
	}
	if len(wheres) > 0 {
		sqlText += " WHERE " + strings.Join(wheres, " AND ")
	}
	return sqlText + " LIMIT 1000;"
}

// run executes one statement under a deadline, collecting rows for
// reads and affected counts for writes
func (e *Executor) run(ctx context.Context, sqlText string, timeout time.Duration) *ExecutionResult {
	result := &ExecutionResult{SQL: sqlText}
	if strings.TrimSpace(sqlText) == "" {
		result.Error = "empty sql statement"
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
	}()

	if isReadStatement(sqlText) {
		rows, err := e.db.QueryContext(runCtx, sqlText)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		defer rows.Close()

		collected, err := collectRows(rows, e.cfg.MaxRows+1)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		if len(collected) > e.cfg.MaxRows {
			collected = collected[:e.cfg.MaxRows]
			result.Truncated = true
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("result truncated to %d rows", e.cfg.MaxRows))
		}
		result.Rows = collected
		result.RowCount = len(collected)
		result.Success = true
		return result
	}

	res, err := e.db.ExecContext(runCtx, sqlText)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if n, err := res.RowsAffected(); err == nil {
		result.RowCount = int(n)
	}
	result.Success = true
	return result
}

// isReadStatement reports whether the statement returns a result set
func isReadStatement(sqlText string) bool {
	head := strings.ToUpper(strings.TrimSpace(sqlText))
	return strings.HasPrefix(head, "SELECT") ||
		strings.HasPrefix(head, "WITH") ||
		strings.HasPrefix(head, "EXPLAIN") ||
		strings.HasPrefix(head, "PRAGMA")
}

// Explain runs the dialect's EXPLAIN form for the statement
func (e *Executor) Explain(ctx context.Context, sqlText string) ([]map[string]any, error) {
	sqlText = strings.TrimSuffix(strings.TrimSpace(sqlText), ";")

	var explain string
	switch e.dialect {
	case "postgres", "postgresql":
		explain = "EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) " + sqlText
	case "mysql":
		explain = "EXPLAIN FORMAT=JSON " + sqlText
	default:
		explain = "EXPLAIN " + sqlText
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxExecutionTime)
	defer cancel()

	rows, err := e.db.QueryContext(runCtx, explain)
	if err != nil {
		return nil, fmt.Errorf("explain failed: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, 0)
}

// record appends one terminal outcome to the feedback buffer
func (e *Executor) record(originalQuery string, gen *SQLGenResult, res *ExecutionResult, feedbackType string) {
	e.feedback.Record(FeedbackRecord{
		Timestamp:       time.Now().UTC(),
		OriginalQuery:   originalQuery,
		GeneratedSQL:    gen.SQL,
		LLMConfidence:   gen.Confidence,
		Success:         res.Success,
		ExecutionTimeMS: res.ExecutionTimeMS,
		RowCount:        res.RowCount,
		Error:           res.Error,
		FeedbackType:    feedbackType,
	})
}
