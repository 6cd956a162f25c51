package table

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ArrowTable is a Table over one or more Arrow record batches that share a
// schema. Rows are addressed across batch boundaries.
type ArrowTable struct {
	schema  *arrow.Schema
	records []arrow.Record
	starts  []int
	length  int
	columns map[string]*arrowColumn
}

type arrowColumn struct {
	name   string
	typ    ColumnType
	dt     arrow.DataType
	chunks []arrow.Array
	starts []int
	length int
}

// FromRecords wraps record batches as a Table. The table retains the records;
// call Release when done.
func FromRecords(schema *arrow.Schema, records []arrow.Record) (*ArrowTable, error) {
	if schema == nil {
		if len(records) == 0 {
			return nil, fmt.Errorf("arrow table needs a schema or at least one record")
		}
		schema = records[0].Schema()
	}

	t := &ArrowTable{
		schema:  schema,
		records: records,
		starts:  make([]int, len(records)),
		columns: make(map[string]*arrowColumn, schema.NumFields()),
	}
	for i, rec := range records {
		if !rec.Schema().Equal(schema) {
			return nil, fmt.Errorf("record batch %d schema does not match table schema", i)
		}
		t.starts[i] = t.length
		t.length += int(rec.NumRows())
	}

	for fi, field := range schema.Fields() {
		if _, dup := t.columns[field.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, field.Name)
		}
		col := &arrowColumn{
			name:   field.Name,
			typ:    arrowColumnType(field.Type),
			dt:     field.Type,
			chunks: make([]arrow.Array, len(records)),
			starts: t.starts,
			length: t.length,
		}
		for ri, rec := range records {
			col.chunks[ri] = rec.Column(fi)
		}
		t.columns[field.Name] = col
	}

	for _, rec := range records {
		rec.Retain()
	}
	return t, nil
}

// Release drops the table's references to its record batches.
func (t *ArrowTable) Release() {
	for _, rec := range t.records {
		rec.Release()
	}
	t.records = nil
}

// Schema returns the Arrow schema of the table.
func (t *ArrowTable) Schema() *arrow.Schema { return t.schema }

func (t *ArrowTable) Len() int { return t.length }

func (t *ArrowTable) ColumnNames() []string {
	names := make([]string, 0, t.schema.NumFields())
	for _, f := range t.schema.Fields() {
		names = append(names, f.Name)
	}
	return names
}

func (t *ArrowTable) Column(name string) Column {
	col, ok := t.columns[name]
	if !ok {
		return nil
	}
	return col
}

func arrowColumnType(dt arrow.DataType) ColumnType {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return TypeNumber
	case arrow.STRING, arrow.LARGE_STRING, arrow.BINARY:
		return TypeString
	case arrow.BOOL:
		return TypeBoolean
	case arrow.TIMESTAMP, arrow.DATE32, arrow.DATE64:
		return TypeTime
	default:
		return TypeMixed
	}
}

func (c *arrowColumn) Name() string     { return c.name }
func (c *arrowColumn) Type() ColumnType { return c.typ }
func (c *arrowColumn) Len() int         { return c.length }

// locate maps a table row to (chunk, offset within chunk).
func (c *arrowColumn) locate(i int) (arrow.Array, int, bool) {
	if i < 0 || i >= c.length {
		return nil, 0, false
	}
	k := sort.Search(len(c.starts), func(j int) bool { return c.starts[j] > i }) - 1
	arr := c.chunks[k]
	off := i - c.starts[k]
	if arr.IsNull(off) {
		return nil, 0, false
	}
	return arr, off, true
}

func (c *arrowColumn) Number(i int) (float64, bool) {
	arr, off, ok := c.locate(i)
	if !ok {
		return 0, false
	}
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(off), true
	case *array.Float32:
		return float64(a.Value(off)), true
	case *array.Float16:
		return float64(a.Value(off).Float32()), true
	case *array.Int64:
		return float64(a.Value(off)), true
	case *array.Int32:
		return float64(a.Value(off)), true
	case *array.Int16:
		return float64(a.Value(off)), true
	case *array.Int8:
		return float64(a.Value(off)), true
	case *array.Uint64:
		return float64(a.Value(off)), true
	case *array.Uint32:
		return float64(a.Value(off)), true
	case *array.Uint16:
		return float64(a.Value(off)), true
	case *array.Uint8:
		return float64(a.Value(off)), true
	default:
		return 0, false
	}
}

func (c *arrowColumn) Text(i int) (string, bool) {
	arr, off, ok := c.locate(i)
	if !ok {
		return "", false
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(off), true
	case *array.LargeString:
		return a.Value(off), true
	case *array.Binary:
		return string(a.Value(off)), true
	default:
		return "", false
	}
}

func (c *arrowColumn) Value(i int) interface{} {
	arr, off, ok := c.locate(i)
	if !ok {
		return nil
	}
	switch c.typ {
	case TypeNumber:
		v, _ := c.Number(i)
		return v
	case TypeString:
		s, _ := c.Text(i)
		return s
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(off)
	case *array.Timestamp:
		unit := c.dt.(*arrow.TimestampType).Unit
		return a.Value(off).ToTime(unit).UTC()
	case *array.Date32:
		return a.Value(off).ToTime()
	case *array.Date64:
		return a.Value(off).ToTime()
	default:
		return a.ValueStr(off)
	}
}
