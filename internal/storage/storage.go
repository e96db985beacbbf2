// Package storage drives a relational engine through the small operation set
// the store needs: transactions, table DDL, and filtered insert, select,
// update and delete.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wallflowercc/wallflower-atto/internal/schema"
)

var (
	ErrNotFound = errors.New("not found")
	ErrTxDone   = errors.New("transaction already committed or rolled back")
)

// Engine is a storage backend.
type Engine interface {
	Name() string
	Begin(ctx context.Context) (*Tx, error)
	Close() error
}

// Conn is a backend transaction the Tx issues statements through.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) ([][]any, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Row maps column names to values.
type Row map[string]any

// Op is a comparison operator in a filter condition.
type Op string

const (
	OpEq Op = "="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Cond is a single column comparison. Conditions in a slice are ANDed.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, v any) Cond { return Cond{Column: column, Op: OpEq, Value: v} }

// Query is a select against one table.
type Query struct {
	Table   string
	Columns []string
	Where   []Cond
	OrderBy string
	Desc    bool
	Limit   int
}

// Tx is one transaction on an engine.
type Tx struct {
	conn    Conn
	dialect Dialect
	done    bool
}

func NewTx(conn Conn, dialect Dialect) *Tx {
	return &Tx{conn: conn, dialect: dialect}
}

func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return tx.conn.Commit(ctx)
}

func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return tx.conn.Rollback(ctx)
}

func (tx *Tx) CreateTable(ctx context.Context, t schema.Table) error {
	q, err := createTableSQL(tx.dialect, t)
	if err != nil {
		return err
	}
	if _, err := tx.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t.Name, err)
	}
	return nil
}

func (tx *Tx) DropTable(ctx context.Context, t schema.Table) error {
	if _, err := tx.conn.Exec(ctx, dropTableSQL(t)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", t.Name, err)
	}
	return nil
}

func (tx *Tx) Insert(ctx context.Context, table string, row Row) error {
	q, args, err := insertSQL(table, row)
	if err != nil {
		return err
	}
	if _, err := tx.conn.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (tx *Tx) Select(ctx context.Context, q Query) ([]Row, error) {
	stmt, args, err := selectSQL(q)
	if err != nil {
		return nil, err
	}
	values, err := tx.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", q.Table, err)
	}
	rows := make([]Row, 0, len(values))
	for _, vals := range values {
		if len(vals) != len(q.Columns) {
			return nil, fmt.Errorf("unexpected column count from %s: got %d, want %d", q.Table, len(vals), len(q.Columns))
		}
		row := make(Row, len(vals))
		for i, c := range q.Columns {
			row[c] = vals[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// SelectOne returns the first matching row or ErrNotFound.
func (tx *Tx) SelectOne(ctx context.Context, q Query) (Row, error) {
	q.Limit = 1
	rows, err := tx.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (tx *Tx) Update(ctx context.Context, table string, set Row, where []Cond) (int64, error) {
	q, args, err := updateSQL(table, set, where)
	if err != nil {
		return 0, err
	}
	n, err := tx.conn.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", table, err)
	}
	return n, nil
}

func (tx *Tx) Delete(ctx context.Context, table string, where []Cond) (int64, error) {
	q, args, err := deleteSQL(table, where)
	if err != nil {
		return 0, err
	}
	n, err := tx.conn.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return n, nil
}

// Update runs fn in a transaction, committing on success and rolling back
// on error.
func Update(ctx context.Context, log *slog.Logger, e Engine, fn func(tx *Tx) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, ErrTxDone) {
			log.Error("failed to rollback transaction", "engine", e.Name(), "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func View(ctx context.Context, log *slog.Logger, e Engine, fn func(tx *Tx) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, ErrTxDone) {
			log.Error("failed to rollback transaction", "engine", e.Name(), "error", err)
		}
	}()
	return fn(tx)
}
