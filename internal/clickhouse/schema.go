package clickhouse

import (
	"context"
	"fmt"
	"strings"
)

type Column struct {
	Database          string `ch:"database" json:"database"`
	Table             string `ch:"table" json:"table"`
	Name              string `ch:"name" json:"name"`
	ColumnType        string `ch:"column_type" json:"column_type"`
	DefaultKind       string `ch:"default_kind" json:"default_kind"`
	DefaultExpression string `ch:"default_expression" json:"default_expression"`
	Comment           string `ch:"comment" json:"comment"`
}

type Table struct {
	Database               string   `ch:"database" json:"database"`
	Name                   string   `ch:"name" json:"name"`
	Engine                 string   `ch:"engine" json:"engine"`
	CreateTableQuery       string   `ch:"create_table_query" json:"create_table_query"`
	DependenciesDatabase   []string `ch:"dependencies_database" json:"dependencies_database"`
	DependenciesTable      []string `ch:"dependencies_table" json:"dependencies_table"`
	EngineFull             string   `ch:"engine_full" json:"engine_full"`
	SortingKey             string   `ch:"sorting_key" json:"sorting_key"`
	PrimaryKey             string   `ch:"primary_key" json:"primary_key"`
	TotalRows              *uint64  `ch:"total_rows" json:"total_rows"`
	TotalBytes             *uint64  `ch:"total_bytes" json:"total_bytes"`
	TotalBytesUncompressed *uint64  `ch:"total_bytes_uncompressed" json:"total_bytes_uncompressed"`
	Parts                  *uint64  `ch:"parts" json:"parts"`
	ActiveParts            *uint64  `ch:"active_parts" json:"active_parts"`
	TotalMarks             *uint64  `ch:"total_marks" json:"total_marks"`
	Comment                string   `ch:"comment" json:"comment"`

	Columns []Column `ch:"-" json:"columns"`
}

const tablesQuery = `SELECT database, name, engine, create_table_query, dependencies_database,
	dependencies_table, engine_full, sorting_key, primary_key, total_rows, total_bytes,
	total_bytes_uncompressed, parts, active_parts, total_marks, comment
FROM system.tables
WHERE database = ?`

const columnsQuery = `SELECT database, table, name, type AS column_type, default_kind,
	default_expression, comment
FROM system.columns
WHERE database = ? AND table = ?`

// ListDatabases returns the names of all databases visible to the configured user.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()

	databases := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan database name: %w", err)
		}
		databases = append(databases, strings.TrimSpace(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}

	c.log.Info("clickhouse: listed databases", "count", len(databases))
	return databases, nil
}

// ListTables returns the tables of database with their metadata and columns. like and notLike
// are optional LIKE patterns applied to the table name.
func (c *Client) ListTables(ctx context.Context, database, like, notLike string) ([]Table, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := tablesQuery
	args := []any{database}
	if like != "" {
		query += " AND name LIKE ?"
		args = append(args, like)
	}
	if notLike != "" {
		query += " AND name NOT LIKE ?"
		args = append(args, notLike)
	}

	var tables []Table
	if err := conn.Select(ctx, &tables, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	for i := range tables {
		var columns []Column
		if err := conn.Select(ctx, &columns, columnsQuery, database, tables[i].Name); err != nil {
			return nil, fmt.Errorf("failed to list columns of %s.%s: %w", database, tables[i].Name, err)
		}
		if columns == nil {
			columns = []Column{}
		}
		tables[i].Columns = columns
	}
	if tables == nil {
		tables = []Table{}
	}

	c.log.Info("clickhouse: listed tables", "database", database, "count", len(tables))
	return tables, nil
}
