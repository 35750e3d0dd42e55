// Package duckdb wraps the embedded relational substrate used for joins,
// casts and parquet IO. The engine's step logic only depends on the small
// Conn surface, keeping the substrate swappable.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

type Conn struct {
	db  *sql.DB
	log logger.Logger
}

// New opens an in-process session and applies the resource pragmas. Each
// step invocation is expected to own one session for its lifetime.
func New(conf *config.Config, log logger.Logger) (*Conn, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}

	pragmas := []string{
		"INSTALL parquet;",
		"LOAD parquet;",
		"INSTALL httpfs;",
		"LOAD httpfs;",
		fmt.Sprintf("SET memory_limit = '%s';", conf.GetString("Harmonizer.DuckDB.memoryLimit", "5GB")),
		fmt.Sprintf("SET threads = %d;", conf.GetInt("Harmonizer.DuckDB.threads", 6)),
		fmt.Sprintf("SET max_temp_directory_size = '%s';", conf.GetString("Harmonizer.DuckDB.maxTempDirectorySize", "500GB")),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	return &Conn{db: db, log: log.Child("duckdb")}, nil
}

func (c *Conn) Exec(ctx context.Context, query string) error {
	c.log.Debugw("executing statement", "query", query)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}
	return nil
}

func (c *Conn) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.log.Debugw("executing query", "query", query)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return rows, nil
}

// QueryCount runs a single-value count query.
func (c *Conn) QueryCount(ctx context.Context, query string, args ...any) (int64, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("scanning count: %w", err)
	}
	return count, nil
}

// QueryStrings collects a single string column.
func (c *Conn) QueryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *Conn) Close() error {
	return c.db.Close()
}
