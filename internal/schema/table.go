package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxTableNameLength is the longest identifier PostgreSQL keeps
	// without truncating it.
	MaxTableNameLength = 63
	// MaxPointsLength bounds the number of value columns of a vector stream.
	MaxPointsLength = 1024

	// TimeColumn is the primary key of every points table.
	TimeColumn = "timestamp"
	// ValueColumn is the single value column of a scalar points table.
	ValueColumn = "value"
)

var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is safe to use as part of a table name.
func ValidID(id string) bool {
	return idRe.MatchString(id)
}

// QualifiedName joins ids into the dotted name of a stream's points table.
func QualifiedName(ids ...string) string {
	return strings.Join(ids, ".")
}

// ValidQualifiedName reports whether every id is valid and the joined name
// fits in a table identifier on every backend.
func ValidQualifiedName(ids ...string) bool {
	for _, id := range ids {
		if !ValidID(id) {
			return false
		}
	}
	return len(QualifiedName(ids...)) <= MaxTableNameLength
}

// Column is a named, typed column.
type Column struct {
	Name string
	Kind Kind
}

// Table describes a table the storage layer can create, drop and address.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string

	// Points tables only.
	ValueKind Kind
	Length    int
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ValueColumns returns the names of a points table's value columns.
func (t Table) ValueColumns() []string {
	if t.Length == 0 {
		return []string{ValueColumn}
	}
	cols := make([]string, t.Length)
	for i := range t.Length {
		cols[i] = fmt.Sprintf("%s%d", ValueColumn, i)
	}
	return cols
}

// Define builds the descriptor of a points table: a timestamp primary key
// followed by one value column for scalars, or length positional columns.
func Define(name string, kind Kind, length int) (Table, error) {
	if name == "" {
		return Table{}, errors.New("table name is required")
	}
	if len(name) > MaxTableNameLength {
		return Table{}, fmt.Errorf("table name %q is longer than %d bytes", name, MaxTableNameLength)
	}
	if length < 0 {
		return Table{}, fmt.Errorf("points length must be >= 0, got %d", length)
	}
	if length > MaxPointsLength {
		return Table{}, fmt.Errorf("points length must be <= %d, got %d", MaxPointsLength, length)
	}
	switch kind {
	case KindInt, KindFloat, KindString, KindBool:
	default:
		return Table{}, fmt.Errorf("unsupported points kind %s", kind)
	}

	t := Table{
		Name:       name,
		PrimaryKey: []string{TimeColumn},
		ValueKind:  kind,
		Length:     length,
	}
	t.Columns = append(t.Columns, Column{Name: TimeColumn, Kind: KindTimestamp})
	for _, c := range t.ValueColumns() {
		t.Columns = append(t.Columns, Column{Name: c, Kind: kind})
	}
	return t, nil
}

// DefineForTag is Define with the kind resolved from a points-type tag.
func DefineForTag(name, tag string, length int) (Table, error) {
	kind, err := KindForTag(tag)
	if err != nil {
		return Table{}, err
	}
	return Define(name, kind, length)
}

// Placeholder addresses a points table by name only. It is enough for a
// drop or a timestamp-filtered delete.
func Placeholder(name string) Table {
	return Table{
		Name:       name,
		Columns:    []Column{{Name: TimeColumn, Kind: KindTimestamp}, {Name: ValueColumn, Kind: KindInt}},
		PrimaryKey: []string{TimeColumn},
		ValueKind:  KindInt,
	}
}
