package nlsql

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// domainKeywords drive the bag-of-words domain classification
var domainKeywords = map[string][]string{
	"ecommerce": {"order", "product", "customer", "cart", "payment", "invoice", "shipment", "inventory", "sku", "catalog"},
	"hr":        {"employee", "salary", "department", "payroll", "attendance", "leave", "recruitment", "position", "benefit"},
	"finance":   {"account", "transaction", "ledger", "balance", "budget", "asset", "liability", "journal", "invoice"},
	"crm":       {"customer", "lead", "contact", "opportunity", "campaign", "ticket", "interaction", "pipeline"},
}

var (
	emailColumn = regexp.MustCompile(`(?i)e?mail`)
	phoneColumn = regexp.MustCompile(`(?i)phone|mobile|tel`)

	emailPattern = `^[^@\s]+@[^@\s]+\.[^@\s]+$`
	phonePattern = `^\+?[0-9\-\s()]{7,}$`
)

// Enricher layers business semantics over raw discovery output using
// name and type heuristics. No model calls: enrichment is cheap and
// deterministic so it can run on every sourcing pass.
type Enricher struct {
	log *zap.Logger
}

// NewEnricher creates a semantic enricher
func NewEnricher(log *zap.Logger) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{log: log}
}

// Enrich produces the semantic layer for one discovered schema
func (e *Enricher) Enrich(meta *DatabaseMetadata) *EnrichedMetadata {
	enriched := &EnrichedMetadata{
		Metadata:         meta,
		SemanticTags:     map[string][]string{},
		ConfidenceScores: map[string]float64{},
	}

	for _, t := range meta.Tables {
		entity := classifyEntity(t.TableName, meta.ColumnsOf(t.TableName))
		enriched.BusinessEntities = append(enriched.BusinessEntities, entity)
		enriched.ConfidenceScores["entity:"+t.TableName] = entity.Confidence
		enriched.SemanticTags[t.TableName] = tableTags(t.TableName)
	}
	for _, c := range meta.Columns {
		key := c.TableName + "." + c.ColumnName
		if tags := columnTags(c); len(tags) > 0 {
			enriched.SemanticTags[key] = tags
		}
	}

	enriched.DataPatterns = e.findPatterns(meta)
	enriched.BusinessRules = e.inferRules(meta)
	enriched.DomainClassification = classifyDomain(meta)
	enriched.ConfidenceScores["domain"] = enriched.DomainClassification.Scores[enriched.DomainClassification.PrimaryDomain]

	e.log.Info("schema enrichment complete",
		zap.Int("entities", len(enriched.BusinessEntities)),
		zap.Int("patterns", len(enriched.DataPatterns)),
		zap.Int("rules", len(enriched.BusinessRules)),
		zap.String("domain", enriched.DomainClassification.PrimaryDomain))
	return enriched
}

// classifyEntity types a table by name heuristics, falling back to a
// bridge check on its id columns
func classifyEntity(table string, cols []ColumnInfo) BusinessEntity {
	name := strings.ToLower(table)

	entityType := ""
	switch {
	case containsAny(name, "master", "dim", "ref", "lookup"):
		entityType = "reference"
	case containsAny(name, "transaction", "order", "payment", "invoice"):
		entityType = "transaction"
	case containsAny(name, "log", "audit", "history", "event"):
		entityType = "event"
	case containsAny(name, "config", "setting", "parameter"):
		entityType = "configuration"
	}

	confidence := 0.8
	if entityType == "" {
		idCols := 0
		for _, c := range cols {
			if strings.HasSuffix(strings.ToLower(c.ColumnName), "_id") {
				idCols++
			}
		}
		if idCols >= 2 {
			entityType = "bridge"
			confidence = 0.7
		} else {
			entityType = "entity"
			confidence = 0.5
		}
	}

	return BusinessEntity{Name: table, EntityType: entityType, Confidence: confidence}
}

// tableTags derives pattern tags from a table name
func tableTags(table string) []string {
	name := strings.ToLower(table)
	var tags []string
	if containsAny(name, "log", "audit") {
		tags = append(tags, "temporal")
	}
	if containsAny(name, "ref", "lookup") {
		tags = append(tags, "reference")
	}
	if containsAny(name, "master", "dim") {
		tags = append(tags, "dimension")
	}
	if containsAny(name, "fact", "transaction") {
		tags = append(tags, "fact")
	}
	return tags
}

// columnTags derives tags from a column's name and type
func columnTags(c ColumnInfo) []string {
	name := strings.ToLower(c.ColumnName)
	dtype := strings.ToLower(c.DataType)
	var tags []string

	if containsAny(dtype, "date", "time", "timestamp") {
		tags = append(tags, "temporal")
	}
	if strings.Contains(name, "id") {
		tags = append(tags, "identifier")
	}
	if containsAny(name, "lat", "lon", "geo", "address", "city", "country", "region") {
		tags = append(tags, "geospatial")
	}
	if containsAny(name, "price", "amount", "cost", "salary", "revenue", "fee", "balance") {
		tags = append(tags, "monetary")
	}
	for domain, keywords := range domainKeywords {
		for _, kw := range keywords {
			if strings.Contains(name, kw) {
				tags = append(tags, "domain:"+domain)
				break
			}
		}
	}
	return tags
}

// findPatterns detects structural patterns across the schema
func (e *Enricher) findPatterns(meta *DatabaseMetadata) []DataPattern {
	var patterns []DataPattern

	var temporal []string
	for _, t := range meta.Tables {
		if containsAny(strings.ToLower(t.TableName), "log", "audit", "history", "event", "date", "time") {
			temporal = append(temporal, t.TableName)
		}
	}
	if len(temporal) > 0 {
		patterns = append(patterns, DataPattern{
			PatternType: "temporal",
			Elements:    temporal,
			Description: "tables capturing time-ordered records",
		})
	}

	var hierarchical []string
	for _, c := range meta.Columns {
		name := strings.ToLower(c.ColumnName)
		if name == "parent_id" || name == "parent" || name == "level" || name == "path" {
			hierarchical = append(hierarchical, c.TableName+"."+c.ColumnName)
		}
	}
	if len(hierarchical) > 0 {
		patterns = append(patterns, DataPattern{
			PatternType: "hierarchical",
			Elements:    hierarchical,
			Description: "self-referencing hierarchy columns",
		})
	}

	// master-detail: a table referenced by at least two others
	referencedBy := map[string]map[string]bool{}
	for _, r := range meta.Relationships {
		if referencedBy[r.ToTable] == nil {
			referencedBy[r.ToTable] = map[string]bool{}
		}
		referencedBy[r.ToTable][r.FromTable] = true
	}
	var masters []string
	for table, refs := range referencedBy {
		if len(refs) >= 2 {
			masters = append(masters, table)
		}
	}
	if len(masters) > 0 {
		sort.Strings(masters)
		patterns = append(patterns, DataPattern{
			PatternType: "master_detail",
			Elements:    masters,
			Description: "tables referenced by multiple detail tables",
		})
	}

	var categorical, numerical []string
	for _, c := range meta.Columns {
		dtype := strings.ToLower(c.DataType)
		key := c.TableName + "." + c.ColumnName
		switch {
		case containsAny(dtype, "int", "real", "float", "double", "numeric", "decimal"):
			numerical = append(numerical, key)
		case containsAny(dtype, "char", "text", "varchar") &&
			c.UniquePercentage != nil && *c.UniquePercentage < 5:
			categorical = append(categorical, key)
		}
	}
	if len(categorical) > 0 {
		patterns = append(patterns, DataPattern{
			PatternType: "categorical",
			Elements:    categorical,
			Description: "low-cardinality text columns",
		})
	}
	if len(numerical) > 0 {
		patterns = append(patterns, DataPattern{
			PatternType: "numerical",
			Elements:    numerical,
			Description: "numeric measure columns",
		})
	}

	return patterns
}

// inferRules derives business rules: referential integrity from FKs,
// uniqueness from near-unique id-like columns, format validation from
// email and phone columns
func (e *Enricher) inferRules(meta *DatabaseMetadata) []BusinessRule {
	var rules []BusinessRule

	for _, r := range meta.Relationships {
		rules = append(rules, BusinessRule{
			RuleType: "referential_integrity",
			Target:   r.FromTable + "." + r.FromColumn,
			Expression: fmt.Sprintf("%s.%s references %s.%s",
				r.FromTable, r.FromColumn, r.ToTable, r.ToColumn),
			Confidence: 1.0,
		})
	}

	for _, c := range meta.Columns {
		key := c.TableName + "." + c.ColumnName
		name := strings.ToLower(c.ColumnName)

		if strings.Contains(name, "id") && !c.IsNullable &&
			c.UniquePercentage != nil && *c.UniquePercentage > 95 {
			rules = append(rules, BusinessRule{
				RuleType:   "uniqueness",
				Target:     key,
				Confidence: 0.85,
			})
		}
		if emailColumn.MatchString(name) {
			rules = append(rules, BusinessRule{
				RuleType:   "data_validation",
				Target:     key,
				Expression: emailPattern,
				Confidence: 0.9,
			})
		} else if phoneColumn.MatchString(name) {
			rules = append(rules, BusinessRule{
				RuleType:   "data_validation",
				Target:     key,
				Expression: phonePattern,
				Confidence: 0.8,
			})
		}
	}

	return rules
}

// classifyDomain scores the schema against each known domain by the
// fraction of domain keywords present in the table-name bag of words
func classifyDomain(meta *DatabaseMetadata) DomainClassification {
	bag := map[string]bool{}
	for _, t := range meta.Tables {
		for _, word := range strings.FieldsFunc(strings.ToLower(t.TableName), func(r rune) bool {
			return r == '_' || r == '-' || r == '.'
		}) {
			bag[word] = true
		}
	}

	scores := map[string]float64{}
	for domain, keywords := range domainKeywords {
		matched := 0
		for _, kw := range keywords {
			for word := range bag {
				if strings.Contains(word, kw) {
					matched++
					break
				}
			}
		}
		scores[domain] = float64(matched) / float64(len(keywords))
	}

	primary := "general"
	best := 0.0
	above := 0
	for _, domain := range []string{"ecommerce", "hr", "finance", "crm"} {
		if scores[domain] > best {
			best = scores[domain]
			primary = domain
		}
		if scores[domain] > 0.3 {
			above++
		}
	}
	if best == 0 {
		primary = "general"
	}

	return DomainClassification{
		PrimaryDomain: primary,
		Scores:        scores,
		IsMultiDomain: above > 1,
	}
}

// containsAny reports whether s contains any of the substrings
func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
