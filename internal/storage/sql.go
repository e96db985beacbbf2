package storage

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
)

// Dialect maps column kinds to engine types. Both supported engines accept
// double-quoted identifiers and $n placeholders, so only types differ.
type Dialect interface {
	Name() string
	ColumnType(k schema.Kind) (string, error)
}

// Quote returns name as a quoted SQL identifier. Dots are kept inside the
// identifier, so "local.o1.s1" addresses a single table.
func Quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = Quote(n)
	}
	return strings.Join(quoted, ", ")
}

func createTableSQL(d Dialect, t schema.Table) (string, error) {
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := d.ColumnType(c.Kind)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", c.Name, err)
		}
		def := Quote(c.Name) + " " + typ
		if slices.Contains(t.PrimaryKey, c.Name) {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteAll(t.PrimaryKey)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", Quote(t.Name), strings.Join(defs, ",\n\t")), nil
}

func dropTableSQL(t schema.Table) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", Quote(t.Name))
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols
}

func insertSQL(table string, row Row) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, errors.New("insert requires at least one column")
	}
	cols := sortedColumns(row)
	args := make([]any, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		args[i] = row[c]
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", Quote(table), quoteAll(cols), strings.Join(params, ", "))
	return q, args, nil
}

// whereSQL renders conditions starting at placeholder $start.
func whereSQL(where []Cond, start int) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	parts := make([]string, len(where))
	args := make([]any, len(where))
	for i, c := range where {
		switch c.Op {
		case OpEq, OpLt, OpLe, OpGt, OpGe:
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
		parts[i] = fmt.Sprintf("%s %s $%d", Quote(c.Column), c.Op, start+i)
		args[i] = c.Value
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func selectSQL(q Query) (string, []any, error) {
	if len(q.Columns) == 0 {
		return "", nil, errors.New("select requires at least one column")
	}
	where, args, err := whereSQL(q.Where, 1)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", quoteAll(q.Columns), Quote(q.Table), where)
	if q.OrderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s", Quote(q.OrderBy))
		if q.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func updateSQL(table string, set Row, where []Cond) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, errors.New("update requires at least one column")
	}
	cols := sortedColumns(set)
	assigns := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(where))
	for i, c := range cols {
		assigns[i] = fmt.Sprintf("%s = $%d", Quote(c), i+1)
		args = append(args, set[c])
	}
	w, wargs, err := whereSQL(where, len(cols)+1)
	if err != nil {
		return "", nil, err
	}
	args = append(args, wargs...)
	return fmt.Sprintf("UPDATE %s SET %s%s", Quote(table), strings.Join(assigns, ", "), w), args, nil
}

func deleteSQL(table string, where []Cond) (string, []any, error) {
	w, args, err := whereSQL(where, 1)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s%s", Quote(table), w), args, nil
}
