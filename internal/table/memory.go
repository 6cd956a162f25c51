package table

import (
	"fmt"
)

// MemoryTable is a Table held as Go value slices. Decoded request payloads
// and test fixtures use it.
type MemoryTable struct {
	names   []string
	columns map[string]*memoryColumn
	length  int
}

type memoryColumn struct {
	name   string
	typ    ColumnType
	values []interface{}
}

// FromColumns builds a MemoryTable. Column order follows names; every name
// must have a value slice in cols and all slices must be the same length.
// Column types are inferred from the non-null values.
func FromColumns(names []string, cols map[string][]interface{}) (*MemoryTable, error) {
	t := &MemoryTable{
		names:   make([]string, 0, len(names)),
		columns: make(map[string]*memoryColumn, len(names)),
		length:  -1,
	}

	for _, name := range names {
		if _, dup := t.columns[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, name)
		}
		values, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("column %q listed but not provided", name)
		}
		if t.length >= 0 && len(values) != t.length {
			return nil, fmt.Errorf("%w: %s has %d rows, expected %d", ErrColumnLength, name, len(values), t.length)
		}
		t.length = len(values)
		t.names = append(t.names, name)
		t.columns[name] = &memoryColumn{name: name, typ: inferType(values), values: values}
	}
	if t.length < 0 {
		t.length = 0
	}
	return t, nil
}

// MustFromColumns is FromColumns for fixtures known to be well formed.
func MustFromColumns(names []string, cols map[string][]interface{}) *MemoryTable {
	t, err := FromColumns(names, cols)
	if err != nil {
		panic(err)
	}
	return t
}

func inferType(values []interface{}) ColumnType {
	var typ ColumnType
	for _, v := range values {
		vt, ok := typeOf(v)
		if !ok {
			continue
		}
		if typ == "" {
			typ = vt
			continue
		}
		if typ != vt {
			return TypeMixed
		}
	}
	if typ == "" {
		// all null: nothing numeric to offer
		return TypeString
	}
	return typ
}

func (t *MemoryTable) Len() int { return t.length }

func (t *MemoryTable) ColumnNames() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

func (t *MemoryTable) Column(name string) Column {
	col, ok := t.columns[name]
	if !ok {
		return nil
	}
	return col
}

func (c *memoryColumn) Name() string     { return c.name }
func (c *memoryColumn) Type() ColumnType { return c.typ }
func (c *memoryColumn) Len() int         { return len(c.values) }

func (c *memoryColumn) Value(i int) interface{} {
	if i < 0 || i >= len(c.values) {
		return nil
	}
	return c.values[i]
}

func (c *memoryColumn) Number(i int) (float64, bool) {
	return toFloat(c.Value(i))
}

func (c *memoryColumn) Text(i int) (string, bool) {
	switch v := c.Value(i).(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
