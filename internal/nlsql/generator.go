package nlsql

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/inference"
)

// tableRefPattern finds the table references a statement reads from
var tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+(\w+)`)

// limitClausePattern detects an existing LIMIT clause
var limitClausePattern = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)

// sqlBlockPattern extracts a fenced SQL block from model output
var sqlBlockPattern = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")

// selectPattern pulls a bare SELECT statement out of prose
var selectPattern = regexp.MustCompile(`(?is)\bSELECT\b.*?(?:;|$)`)

// domainExamples are the few-shot pairs injected per detected domain
var domainExamples = map[string][]string{
	"ecommerce": {
		"Q: total revenue per product\nSQL: SELECT product_id, SUM(amount) FROM orders GROUP BY product_id;",
		"Q: customers with more than 5 orders\nSQL: SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id HAVING COUNT(*) > 5;",
		"Q: latest 10 orders\nSQL: SELECT * FROM orders ORDER BY created_at DESC LIMIT 10;",
	},
	"hr": {
		"Q: average salary per department\nSQL: SELECT department_id, AVG(salary) FROM employees GROUP BY department_id;",
		"Q: employees hired this year\nSQL: SELECT * FROM employees WHERE hire_date >= date('now','start of year');",
		"Q: headcount per department\nSQL: SELECT department_id, COUNT(*) FROM employees GROUP BY department_id;",
	},
	"finance": {
		"Q: account balances above 1000\nSQL: SELECT account_id, balance FROM accounts WHERE balance > 1000;",
		"Q: monthly transaction totals\nSQL: SELECT strftime('%Y-%m', created_at), SUM(amount) FROM transactions GROUP BY 1;",
		"Q: largest 10 transactions\nSQL: SELECT * FROM transactions ORDER BY amount DESC LIMIT 10;",
	},
	"crm": {
		"Q: open opportunities per owner\nSQL: SELECT owner_id, COUNT(*) FROM opportunities WHERE status = 'open' GROUP BY owner_id;",
		"Q: leads created last month\nSQL: SELECT * FROM leads WHERE created_at >= date('now','-1 month');",
		"Q: contacts without an account\nSQL: SELECT * FROM contacts WHERE account_id IS NULL;",
	},
	"general": {
		"Q: count all records\nSQL: SELECT COUNT(*) FROM items;",
		"Q: most recent entries\nSQL: SELECT * FROM items ORDER BY created_at DESC LIMIT 10;",
		"Q: distinct categories\nSQL: SELECT DISTINCT category FROM items;",
	},
}

// Generator turns a matched query into SQL via the model, validated
// and repaired against the discovered schema
type Generator struct {
	llm LLM
	log *zap.Logger
}

// NewGenerator creates a SQL generator
func NewGenerator(llm LLM, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{llm: llm, log: log}
}

// Generate produces a validated SQL statement for the query. When the
// model is unavailable the statement is assembled from the plan alone.
func (g *Generator) Generate(ctx context.Context, query string, qc *QueryContext, plan *QueryPlan, enriched *EnrichedMetadata) (*SQLGenResult, error) {
	prompt := g.buildPrompt(query, qc, plan, enriched)

	var result *SQLGenResult
	resp, err := g.llm.GenerateSync(ctx, prompt)
	if err != nil {
		g.log.Warn("sql generation model unavailable, using template", zap.Error(err))
		result = templateSQL(plan)
	} else {
		result = parseModelOutput(resp.Response, plan)
		if result.SQL == "" {
			g.log.Warn("model produced no sql, using template")
			result = templateSQL(plan)
		}
	}
	if result.SQL == "" {
		return nil, fmt.Errorf("no sql could be generated for the query")
	}

	result.SQL = Postprocess(result.SQL)
	result.Plan = plan

	if repairs, repaired, err := validateAndRepair(result.SQL, enriched.Metadata); err != nil {
		return nil, err
	} else if len(repairs) > 0 {
		result.SQL = repaired
		result.Repairs = repairs
		result.Confidence *= 0.8
	}

	return result, nil
}

// buildPrompt assembles the generation prompt: language, domain,
// schema excerpt, examples and FK context
func (g *Generator) buildPrompt(query string, qc *QueryContext, plan *QueryPlan, enriched *EnrichedMetadata) string {
	var b strings.Builder

	language := "English"
	if isChinese(query) {
		language = "Chinese"
	}
	domain := enriched.DomainClassification.PrimaryDomain

	fmt.Fprintf(&b, "You are a SQL expert for a %s database. The user writes in %s.\n\n", domain, language)
	b.WriteString("Schema:\n")
	for _, t := range enriched.Metadata.Tables {
		fmt.Fprintf(&b, "TABLE %s", t.TableName)
		if t.Comment != "" {
			fmt.Fprintf(&b, " -- %s", t.Comment)
		}
		b.WriteString("\n")
		cols := enriched.Metadata.ColumnsOf(t.TableName)
		if len(cols) > 10 {
			cols = cols[:10]
		}
		for _, c := range cols {
			fmt.Fprintf(&b, "  %s %s", c.ColumnName, c.DataType)
			if c.Comment != "" {
				fmt.Fprintf(&b, " -- %s", c.Comment)
			}
			b.WriteString("\n")
		}
	}

	if len(enriched.Metadata.Relationships) > 0 {
		b.WriteString("\nForeign keys:\n")
		for _, r := range enriched.Metadata.Relationships {
			fmt.Fprintf(&b, "  %s.%s -> %s.%s\n", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
		}
	}

	examples := domainExamples[domain]
	if examples == nil {
		examples = domainExamples["general"]
	}
	b.WriteString("\nExamples:\n")
	for _, ex := range examples {
		b.WriteString(ex + "\n")
	}

	if qc != nil && qc.BusinessIntent != "" {
		fmt.Fprintf(&b, "\nIntent: %s\n", qc.BusinessIntent)
	}
	if plan != nil && len(plan.PrimaryTables) > 0 {
		fmt.Fprintf(&b, "Relevant tables: %s\n", strings.Join(plan.PrimaryTables, ", "))
	}

	fmt.Fprintf(&b, `
Query: %s

Return ONLY a JSON object:
{"sql": "SELECT ...", "explanation": "...", "confidence": 0.9}`, query)

	return b.String()
}

// parseModelOutput extracts SQL from the model response: JSON first,
// then a fenced SQL block, then a bare SELECT substring
func parseModelOutput(response string, plan *QueryPlan) *SQLGenResult {
	cleaned := inference.CleanJSON(response)

	var parsed struct {
		SQL         string  `json:"sql"`
		Explanation string  `json:"explanation"`
		Confidence  float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil && parsed.SQL != "" {
		if parsed.Confidence <= 0 {
			parsed.Confidence = 0.5
		}
		return &SQLGenResult{SQL: parsed.SQL, Explanation: parsed.Explanation, Confidence: parsed.Confidence}
	}

	if m := sqlBlockPattern.FindStringSubmatch(response); m != nil {
		return &SQLGenResult{SQL: strings.TrimSpace(m[1]), Confidence: 0.4}
	}
	if m := selectPattern.FindString(response); m != "" {
		return &SQLGenResult{SQL: strings.TrimSpace(m), Confidence: 0.3}
	}
	return &SQLGenResult{}
}

// templateSQL assembles a plain statement from the plan without the model
func templateSQL(plan *QueryPlan) *SQLGenResult {
	if plan == nil || len(plan.PrimaryTables) == 0 {
		return &SQLGenResult{}
	}
	primary := plan.PrimaryTables[0]

	selectList := "*"
	if len(plan.Aggregations) > 0 {
		parts := make([]string, len(plan.Aggregations))
		for i, agg := range plan.Aggregations {
			if agg == "COUNT" {
				parts[i] = "COUNT(*)"
			} else if len(plan.SelectColumns) > 0 {
				parts[i] = fmt.Sprintf("%s(%s)", agg, plan.SelectColumns[0])
			} else {
				parts[i] = "COUNT(*)"
			}
		}
		selectList = strings.Join(parts, ", ")
	} else if len(plan.SelectColumns) > 0 {
		selectList = strings.Join(plan.SelectColumns, ", ")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", selectList, primary)
	for _, join := range plan.RequiredJoins {
		sql += " " + join
	}
	if len(plan.OrderBy) > 0 {
		sql += " ORDER BY " + strings.Join(plan.OrderBy, ", ")
	}

	return &SQLGenResult{
		SQL:         sql,
		Confidence:  0.3,
		Explanation: "template query assembled from the matched plan",
	}
}

// Postprocess normalises a generated statement: trimmed, terminated
// with a semicolon, capped with LIMIT 1000 when no limit is present.
// Idempotent.
func Postprocess(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	if !limitClausePattern.MatchString(sql) && strings.HasPrefix(strings.ToUpper(sql), "SELECT") {
		sql += " LIMIT 1000"
	}
	return sql + ";"
}

// validateAndRepair checks every table reference against the schema.
// Unknown tables are replaced by the most lexically similar known
// table; an unknown table with no plausible replacement is an error.
func validateAndRepair(sql string, meta *DatabaseMetadata) ([]string, string, error) {
	var repairs []string
	repaired := sql

	for _, m := range tableRefPattern.FindAllStringSubmatch(sql, -1) {
		ref := m[1]
		if meta.HasTable(ref) {
			continue
		}
		best := closestTable(ref, meta)
		if best == "" {
			return nil, "", fmt.Errorf("unknown table %q in generated sql", ref)
		}
		repaired = regexp.MustCompile(`\b`+regexp.QuoteMeta(ref)+`\b`).ReplaceAllString(repaired, best)
		repairs = append(repairs, fmt.Sprintf("%s -> %s", ref, best))
	}
	return repairs, repaired, nil
}

// closestTable finds the known table with the largest lexical overlap
// with ref, in either containment direction
func closestTable(ref string, meta *DatabaseMetadata) string {
	lower := strings.ToLower(ref)
	best := ""
	bestScore := 0
	for _, t := range meta.Tables {
		name := strings.ToLower(t.TableName)
		score := 0
		if strings.Contains(name, lower) {
			score = len(lower)
		} else if strings.Contains(lower, name) {
			score = len(name)
		}
		if score > bestScore {
			bestScore = score
			best = t.TableName
		}
	}
	if bestScore < 3 {
		return ""
	}
	return best
}

// isChinese reports whether at least 30% of the letters are ideographic
func isChinese(s string) bool {
	total, han := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			total++
			if unicode.Is(unicode.Han, r) {
				han++
			}
		}
	}
	return total > 0 && float64(han)/float64(total) >= 0.3
}
