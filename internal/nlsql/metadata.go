package nlsql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Discoverer extracts structural metadata from a relational source.
// The dialect decides which catalog queries run; the handle is shared
// with the executor so discovery sees exactly what execution will.
type Discoverer struct {
	db      *sql.DB
	dialect string
	cfg     *Config
	log     *zap.Logger
}

// NewDiscoverer creates a metadata discoverer for one source
func NewDiscoverer(db *sql.DB, dialect string, cfg *Config, log *zap.Logger) *Discoverer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{db: db, dialect: strings.ToLower(dialect), cfg: cfg, log: log}
}

// Discover walks the source catalog and produces the metadata object:
// tables with row counts, columns with statistics, foreign-key
// relationships and a few sample rows per table
func (d *Discoverer) Discover(ctx context.Context) (*DatabaseMetadata, error) {
	meta := &DatabaseMetadata{
		SourceInfo: map[string]any{"dialect": d.dialect},
		SampleData: map[string][]map[string]any{},
	}

	tables, err := d.listTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	for _, name := range tables {
		count, err := d.countRows(ctx, name)
		if err != nil {
			d.log.Warn("row count failed", zap.String("table", name), zap.Error(err))
		}
		meta.Tables = append(meta.Tables, TableInfo{TableName: name, RecordCount: count})

		cols, err := d.listColumns(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
		}
		d.profileColumns(ctx, name, count, cols)
		meta.Columns = append(meta.Columns, cols...)

		rels, err := d.listForeignKeys(ctx, name)
		if err != nil {
			d.log.Warn("foreign key discovery failed", zap.String("table", name), zap.Error(err))
		}
		meta.Relationships = append(meta.Relationships, rels...)

		if d.cfg.SampleRows > 0 {
			if sample, err := d.sampleRows(ctx, name); err == nil && len(sample) > 0 {
				meta.SampleData[name] = sample
			}
		}
	}

	d.log.Info("metadata discovery complete",
		zap.Int("tables", len(meta.Tables)),
		zap.Int("columns", len(meta.Columns)),
		zap.Int("relationships", len(meta.Relationships)))
	return meta, nil
}

// listTables enumerates user tables for the dialect
func (d *Discoverer) listTables(ctx context.Context) ([]string, error) {
	var query string
	switch d.dialect {
	case "postgres", "postgresql":
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
			ORDER BY table_name`
	default: // sqlite
		query = `SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
			ORDER BY name`
	}

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// listColumns describes the columns of one table
func (d *Discoverer) listColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	switch d.dialect {
	case "postgres", "postgresql":
		return d.listColumnsPostgres(ctx, table)
	default:
		return d.listColumnsSQLite(ctx, table)
	}
}

func (d *Discoverer) listColumnsPostgres(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var name, dtype, nullable string
		if err := rows.Scan(&name, &dtype, &nullable); err != nil {
			return nil, err
		}
		out = append(out, ColumnInfo{
			TableName:  table,
			ColumnName: name,
			DataType:   strings.ToLower(dtype),
			IsNullable: nullable == "YES",
		})
	}
	return out, rows.Err()
}

func (d *Discoverer) listColumnsSQLite(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			dtype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &dtype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, ColumnInfo{
			TableName:  table,
			ColumnName: name,
			DataType:   strings.ToLower(dtype),
			IsNullable: notNull == 0 && pk == 0,
		})
	}
	return out, rows.Err()
}

// listForeignKeys enumerates outgoing foreign keys of one table
func (d *Discoverer) listForeignKeys(ctx context.Context, table string) ([]RelationshipInfo, error) {
	switch d.dialect {
	case "postgres", "postgresql":
		return d.listForeignKeysPostgres(ctx, table)
	default:
		return d.listForeignKeysSQLite(ctx, table)
	}
}

func (d *Discoverer) listForeignKeysPostgres(ctx context.Context, table string) ([]RelationshipInfo, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT
			kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RelationshipInfo
	for rows.Next() {
		var fromCol, toTable, toCol string
		if err := rows.Scan(&fromCol, &toTable, &toCol); err != nil {
			return nil, err
		}
		out = append(out, RelationshipInfo{
			FromTable:  table,
			FromColumn: fromCol,
			ToTable:    toTable,
			ToColumn:   toCol,
			Type:       "foreign_key",
		})
	}
	return out, rows.Err()
}

func (d *Discoverer) listForeignKeysSQLite(ctx context.Context, table string) ([]RelationshipInfo, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RelationshipInfo
	for rows.Next() {
		var (
			id, seq                   int
			toTable, fromCol, toCol   string
			onUpdate, onDelete, match string
		)
		if err := rows.Scan(&id, &seq, &toTable, &fromCol, &toCol, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		out = append(out, RelationshipInfo{
			FromTable:  table,
			FromColumn: fromCol,
			ToTable:    toTable,
			ToColumn:   toCol,
			Type:       "foreign_key",
		})
	}
	return out, rows.Err()
}

// profileColumns fills unique/null percentages. Profiling is
// best-effort and skipped for empty tables.
func (d *Discoverer) profileColumns(ctx context.Context, table string, count int64, cols []ColumnInfo) {
	if count == 0 {
		return
	}
	for i := range cols {
		query := fmt.Sprintf(
			"SELECT COUNT(DISTINCT %[1]s), COUNT(*) - COUNT(%[1]s) FROM %[2]s",
			cols[i].ColumnName, table)
		var distinct, nulls int64
		if err := d.db.QueryRowContext(ctx, query).Scan(&distinct, &nulls); err != nil {
			continue
		}
		uniquePct := 100 * float64(distinct) / float64(count)
		nullPct := 100 * float64(nulls) / float64(count)
		cols[i].UniquePercentage = &uniquePct
		cols[i].NullPercentage = &nullPct
	}
}

// countRows counts the rows of one table
func (d *Discoverer) countRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

// sampleRows fetches a few representative rows of one table
func (d *Discoverer) sampleRows(ctx context.Context, table string) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, d.cfg.SampleRows)
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows, d.cfg.SampleRows)
}

// collectRows materialises a result set as column→value maps, up to max
func collectRows(rows *sql.Rows, max int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		if max > 0 && len(out) >= max {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
