package table

import (
	"errors"
	"math"
	"time"
)

// ColumnType classifies the values held by a column.
type ColumnType string

const (
	TypeNumber  ColumnType = "number"
	TypeString  ColumnType = "string"
	TypeBoolean ColumnType = "boolean"
	TypeTime    ColumnType = "time"
	// TypeMixed marks a column whose cells do not share one type, such as a
	// _value column carrying both numeric and string samples.
	TypeMixed ColumnType = "mixed"
)

var (
	// ErrColumnLength is returned when columns of one table differ in length.
	ErrColumnLength = errors.New("table columns have different lengths")
	// ErrDuplicateColumn is returned when a column name appears twice.
	ErrDuplicateColumn = errors.New("duplicate column name")
)

// Table is an immutable, column-oriented result set.
type Table interface {
	// Len returns the number of rows.
	Len() int
	// ColumnNames returns the column names in schema order.
	ColumnNames() []string
	// Column returns the named column or nil if the table has no such column.
	Column(name string) Column
}

// Column is a read-only view over one column of a Table.
type Column interface {
	Name() string
	Type() ColumnType
	Len() int
	// Value returns the raw cell value, nil for null.
	Value(i int) interface{}
	// Number returns the cell as float64 when the cell holds a number.
	Number(i int) (float64, bool)
	// Text returns the cell as a string when the cell holds a string.
	Text(i int) (string, bool)
}

// TypedColumn returns the named column if it exists and has the expected
// type, nil otherwise.
func TypedColumn(t Table, name string, typ ColumnType) Column {
	col := t.Column(name)
	if col == nil || col.Type() != typ {
		return nil
	}
	return col
}

// HasColumn reports whether t has a column with the given name.
func HasColumn(t Table, name string) bool {
	return t.Column(name) != nil
}

// NumericColumns returns the names of all number-typed columns in schema
// order. The "result" and "table" bookkeeping columns are never reported.
func NumericColumns(t Table) []string {
	var names []string
	for _, name := range t.ColumnNames() {
		if name == "result" || name == "table" {
			continue
		}
		col := t.Column(name)
		if col != nil && col.Type() == TypeNumber {
			names = append(names, name)
		}
	}
	return names
}

// toFloat converts the Go numeric kinds produced by decoders and drivers.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return math.NaN(), false
	}
}

// typeOf maps a single Go value to a ColumnType; ok is false for nil.
func typeOf(v interface{}) (ColumnType, bool) {
	switch v.(type) {
	case nil:
		return "", false
	case string, []byte:
		return TypeString, true
	case bool:
		return TypeBoolean, true
	case time.Time:
		return TypeTime, true
	}
	if _, ok := toFloat(v); ok {
		return TypeNumber, true
	}
	return TypeMixed, true
}
