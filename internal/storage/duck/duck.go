// Package duck is the embedded DuckDB storage engine.
package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
)

const EngineName = "duckdb"

type Dialect struct{}

func (Dialect) Name() string { return EngineName }

func (Dialect) ColumnType(k schema.Kind) (string, error) {
	switch k {
	case schema.KindInt:
		return "BIGINT", nil
	case schema.KindFloat:
		return "DOUBLE", nil
	case schema.KindString, schema.KindJSON:
		return "VARCHAR", nil
	case schema.KindBool:
		return "BOOLEAN", nil
	case schema.KindTimestamp:
		return "TIMESTAMP", nil
	}
	return "", fmt.Errorf("duckdb: unsupported column kind %s", k)
}

type Engine struct {
	log  *slog.Logger
	db   *sql.DB
	path string
}

// New opens the database file at path, creating it and its directory when
// missing. An empty path opens an in-memory database.
func New(ctx context.Context, log *slog.Logger, path string) (*Engine, error) {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = abs
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Debug("duckdb: opened database", "path", path)
	return &Engine{log: log, db: db, path: path}, nil
}

func (e *Engine) Name() string { return EngineName }

func (e *Engine) Path() string { return e.path }

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) Begin(ctx context.Context) (*storage.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return storage.NewTx(&conn{tx: tx}, Dialect{}), nil
}

type conn struct {
	tx *sql.Tx
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *conn) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := c.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(err)
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (c *conn) Commit(ctx context.Context) error {
	return classify(c.tx.Commit())
}

func (c *conn) Rollback(ctx context.Context) error {
	err := c.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return storage.ErrTxDone
	}
	return classify(err)
}

// classify tags DuckDB errors the storage layer needs to react to.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var de *duckdb.Error
	if errors.As(err, &de) {
		switch de.Type {
		case duckdb.ErrorTypeTransaction:
			return storage.WithClass(storage.ClassConflict, err)
		case duckdb.ErrorTypeConnection, duckdb.ErrorTypeIO, duckdb.ErrorTypeInterrupt, duckdb.ErrorTypeFatal:
			return storage.WithClass(storage.ClassOperational, err)
		}
	}
	if isTransactionConflictError(err) {
		return storage.WithClass(storage.ClassConflict, err)
	}
	return err
}

func isTransactionConflictError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "TransactionContext Error")
}
