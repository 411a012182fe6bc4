package dbtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultQueryLimit  = 100
	defaultSampleSize  = 5
	maxFormattedColumn = 40
)

// DB wraps a pgx connection pool and registers the database tools the
// agent's dispatcher searches for.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects a pool for the given DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// RegisterAll adds the database tools to the registry under their
// canonical names.
func (db *DB) RegisterAll(r *Registry) {
	r.Register(Registration{
		Name:        "list_tables",
		Description: "List all tables in the database",
		InputSchema: schema(`{"type":"object","properties":{}}`),
		Handler:     db.listTables,
	})
	r.Register(Registration{
		Name:        "describe_table",
		Description: "Describe the structure of a database table",
		InputSchema: schema(`{"type":"object","properties":{"table_name":{"type":"string","description":"Table to describe"}},"required":["table_name"]}`),
		Handler:     db.describeTable,
	})
	r.Register(Registration{
		Name:        "read_data",
		Description: "Execute a SQL query and return formatted results",
		InputSchema: schema(`{"type":"object","properties":{"query":{"type":"string","description":"SQL query to execute"},"where_clause":{"type":"string","description":"Optional WHERE clause"},"limit":{"type":"integer","description":"Row cap for SELECT queries"}},"required":["query"]}`),
		Handler:     db.readData,
	})
	r.Register(Registration{
		Name:        "count_records",
		Description: "Count records in a table with an optional WHERE clause",
		InputSchema: schema(`{"type":"object","properties":{"table_name":{"type":"string"},"where_clause":{"type":"string"}},"required":["table_name"]}`),
		Handler:     db.countRecords,
	})
	r.Register(Registration{
		Name:        "table_sample",
		Description: "Return a small sample of rows from a table",
		InputSchema: schema(`{"type":"object","properties":{"table_name":{"type":"string"},"sample_size":{"type":"integer"}},"required":["table_name"]}`),
		Handler:     db.tableSample,
	})
}

func (db *DB) listTables(ctx context.Context, _ Arguments) (string, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema = 'public'
		ORDER BY table_name`)
	if err != nil {
		return "", fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(tables) == 0 {
		return "No tables found in the database.", nil
	}
	var b strings.Builder
	b.WriteString("Available Tables:\n")
	for _, t := range tables {
		fmt.Fprintf(&b, "  - %s\n", t)
	}
	return b.String(), nil
}

func (db *DB) describeTable(ctx context.Context, args Arguments) (string, error) {
	table := args.String("table_name", "")
	if table == "" {
		return "", fmt.Errorf("table_name is required")
	}

	rows, err := db.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable,
		       COALESCE(column_default, ''), COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return "", fmt.Errorf("failed to describe table %q: %w", table, err)
	}
	defer rows.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "Table Structure: %s\n%s\n", table, strings.Repeat("=", 50))
	found := false
	for rows.Next() {
		var (
			name, dataType, nullable, def string
			maxLen                        int
		)
		if err := rows.Scan(&name, &dataType, &nullable, &def, &maxLen); err != nil {
			return "", fmt.Errorf("failed to scan column: %w", err)
		}
		found = true

		typeInfo := dataType
		if maxLen > 0 {
			typeInfo = fmt.Sprintf("%s(%d)", dataType, maxLen)
		}
		nullInfo := "NOT NULL"
		if nullable == "YES" {
			nullInfo = "NULL"
		}
		defInfo := ""
		if def != "" {
			defInfo = "DEFAULT " + def
		}
		fmt.Fprintf(&b, "%-20s %-15s %-10s %s\n", name, typeInfo, nullInfo, defInfo)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("Table '%s' not found.", table), nil
	}
	return b.String(), nil
}

func (db *DB) readData(ctx context.Context, args Arguments) (string, error) {
	query := strings.TrimSpace(args.String("query", ""))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	limit := args.Int("limit", defaultQueryLimit)

	upper := strings.ToUpper(query)
	if !strings.HasPrefix(upper, "SELECT") {
		return "", fmt.Errorf("only SELECT queries are supported")
	}
	if !strings.Contains(upper, "LIMIT") {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}

	return db.runSelect(ctx, query, limit)
}

func (db *DB) countRecords(ctx context.Context, args Arguments) (string, error) {
	table := args.String("table_name", "")
	if table == "" {
		return "", fmt.Errorf("table_name is required")
	}
	where := strings.TrimSpace(args.String("where_clause", ""))

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		query += " WHERE " + where
	}

	var count int64
	if err := db.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count records in %q: %w", table, err)
	}

	whereInfo := ""
	if where != "" {
		whereInfo = fmt.Sprintf(" (WHERE %s)", where)
	}
	return fmt.Sprintf("Table '%s'%s: %d records", table, whereInfo, count), nil
}

func (db *DB) tableSample(ctx context.Context, args Arguments) (string, error) {
	table := args.String("table_name", "")
	if table == "" {
		return "", fmt.Errorf("table_name is required")
	}
	size := args.Int("sample_size", defaultSampleSize)

	return db.runSelect(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, size), size)
}

// runSelect executes a SELECT and renders the result as an aligned text
// table, the shape the agent displays verbatim.
func (db *DB) runSelect(ctx context.Context, query string, limit int) (string, error) {
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	var rendered [][]string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("failed to read row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		rendered = append(rendered, row)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if len(rendered) == 0 {
		return "Query executed successfully. No results returned.", nil
	}

	var b strings.Builder
	b.WriteString("Query Results:\n" + strings.Repeat("=", 50) + "\n")
	b.WriteString(joinRow(columns) + "\n")
	b.WriteString(strings.Repeat("-", 50) + "\n")
	for _, row := range rendered {
		b.WriteString(joinRow(row) + "\n")
	}
	fmt.Fprintf(&b, "\nTotal rows: %d", len(rendered))
	if len(rendered) == limit {
		fmt.Fprintf(&b, " (limited to %d rows)", limit)
	}
	return b.String(), nil
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	s := fmt.Sprintf("%v", v)
	if len(s) > maxFormattedColumn {
		s = s[:maxFormattedColumn-3] + "..."
	}
	return s
}

func joinRow(cells []string) string {
	padded := make([]string, len(cells))
	for i, c := range cells {
		padded[i] = fmt.Sprintf("%-15s", c)
	}
	return strings.Join(padded, " | ")
}
