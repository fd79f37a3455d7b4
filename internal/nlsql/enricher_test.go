package nlsql

import (
	"testing"
)

func pct(v float64) *float64 { return &v }

func shopMetadata() *DatabaseMetadata {
	return &DatabaseMetadata{
		Tables: []TableInfo{
			{TableName: "orders", RecordCount: 1200},
			{TableName: "products", RecordCount: 300},
			{TableName: "customers", RecordCount: 800},
			{TableName: "audit_log", RecordCount: 9000},
			{TableName: "order_items", RecordCount: 4000},
		},
		Columns: []ColumnInfo{
			{TableName: "orders", ColumnName: "id", DataType: "INTEGER", UniquePercentage: pct(100)},
			{TableName: "orders", ColumnName: "customer_id", DataType: "INTEGER"},
			{TableName: "orders", ColumnName: "total_amount", DataType: "REAL"},
			{TableName: "orders", ColumnName: "created_at", DataType: "TIMESTAMP"},
			{TableName: "orders", ColumnName: "status", DataType: "TEXT", UniquePercentage: pct(2)},
			{TableName: "customers", ColumnName: "id", DataType: "INTEGER", UniquePercentage: pct(100)},
			{TableName: "customers", ColumnName: "email", DataType: "TEXT"},
			{TableName: "customers", ColumnName: "phone_number", DataType: "TEXT"},
			{TableName: "order_items", ColumnName: "order_id", DataType: "INTEGER"},
			{TableName: "order_items", ColumnName: "product_id", DataType: "INTEGER"},
		},
		Relationships: []RelationshipInfo{
			{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "id", Type: "many_to_one"},
			{FromTable: "order_items", FromColumn: "order_id", ToTable: "orders", ToColumn: "id", Type: "many_to_one"},
			{FromTable: "order_items", FromColumn: "product_id", ToTable: "products", ToColumn: "id", Type: "many_to_one"},
		},
	}
}

func TestClassifyEntity(t *testing.T) {
	cases := []struct {
		table    string
		cols     []ColumnInfo
		wantType string
		wantConf float64
	}{
		{"dim_products", nil, "reference", 0.8},
		{"orders", nil, "transaction", 0.8},
		{"audit_log", nil, "event", 0.8},
		{"app_settings", nil, "configuration", 0.8},
		{"order_items", []ColumnInfo{
			{ColumnName: "order_id"}, {ColumnName: "product_id"},
		}, "bridge", 0.7},
		{"customers", []ColumnInfo{{ColumnName: "id"}}, "entity", 0.5},
	}
	for _, c := range cases {
		got := classifyEntity(c.table, c.cols)
		if got.EntityType != c.wantType || got.Confidence != c.wantConf {
			t.Errorf("classifyEntity(%s) = %s/%v, want %s/%v",
				c.table, got.EntityType, got.Confidence, c.wantType, c.wantConf)
		}
	}
}

func TestColumnTags(t *testing.T) {
	tags := columnTags(ColumnInfo{TableName: "orders", ColumnName: "total_amount", DataType: "REAL"})
	if !containsString(tags, "monetary") {
		t.Errorf("amount column tags = %v, want monetary", tags)
	}

	tags = columnTags(ColumnInfo{TableName: "orders", ColumnName: "created_at", DataType: "TIMESTAMP"})
	if !containsString(tags, "temporal") {
		t.Errorf("timestamp column tags = %v, want temporal", tags)
	}

	tags = columnTags(ColumnInfo{TableName: "orders", ColumnName: "customer_id", DataType: "INTEGER"})
	if !containsString(tags, "identifier") {
		t.Errorf("id column tags = %v, want identifier", tags)
	}
}

func TestEnrichPatternsAndRules(t *testing.T) {
	enricher := NewEnricher(nil)
	enriched := enricher.Enrich(shopMetadata())

	byType := map[string]DataPattern{}
	for _, p := range enriched.DataPatterns {
		byType[p.PatternType] = p
	}

	if p, ok := byType["temporal"]; !ok || !containsString(p.Elements, "audit_log") {
		t.Errorf("temporal pattern = %+v", byType["temporal"])
	}
	// orders is referenced by order_items only; customers by orders only;
	// no table reaches two referencing tables, so no master_detail
	if _, ok := byType["master_detail"]; ok {
		t.Errorf("unexpected master_detail: %+v", byType["master_detail"])
	}
	if p, ok := byType["categorical"]; !ok || !containsString(p.Elements, "orders.status") {
		t.Errorf("categorical pattern = %+v", byType["categorical"])
	}
	if p, ok := byType["numerical"]; !ok || !containsString(p.Elements, "orders.total_amount") {
		t.Errorf("numerical pattern = %+v", byType["numerical"])
	}

	var integrity, uniqueness, validation int
	for _, r := range enriched.BusinessRules {
		switch r.RuleType {
		case "referential_integrity":
			integrity++
			if r.Confidence != 1.0 {
				t.Errorf("integrity confidence = %v", r.Confidence)
			}
		case "uniqueness":
			uniqueness++
		case "data_validation":
			validation++
		}
	}
	if integrity != 3 {
		t.Errorf("integrity rules = %d, want one per FK", integrity)
	}
	if uniqueness != 2 {
		t.Errorf("uniqueness rules = %d, want 2 near-unique id columns", uniqueness)
	}
	// email and phone columns each get a format rule
	if validation != 2 {
		t.Errorf("validation rules = %d, want 2", validation)
	}
}

func TestEnrichDomainClassification(t *testing.T) {
	enricher := NewEnricher(nil)
	enriched := enricher.Enrich(shopMetadata())

	dc := enriched.DomainClassification
	if dc.PrimaryDomain != "ecommerce" {
		t.Errorf("primary domain = %q, want ecommerce", dc.PrimaryDomain)
	}
	if dc.Scores["ecommerce"] <= dc.Scores["hr"] {
		t.Errorf("scores = %v, ecommerce should lead", dc.Scores)
	}
}

func TestClassifyDomainGeneral(t *testing.T) {
	meta := &DatabaseMetadata{
		Tables: []TableInfo{{TableName: "widgets"}, {TableName: "gadgets"}},
	}
	dc := classifyDomain(meta)
	if dc.PrimaryDomain != "general" {
		t.Errorf("primary = %q, want general with no keyword hits", dc.PrimaryDomain)
	}
	if dc.IsMultiDomain {
		t.Error("empty schema flagged multi-domain")
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
