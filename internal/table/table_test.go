package table

import (
	"bytes"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromColumns_InfersTypes(t *testing.T) {
	tbl, err := FromColumns(
		[]string{"_time", "_field", "_value", "ok", "empty", "n"},
		map[string][]interface{}{
			"_time":  {time.Unix(0, 0), time.Unix(1, 0)},
			"_field": {"x", "y"},
			"_value": {1.5, "text"},
			"ok":     {true, nil},
			"empty":  {nil, nil},
			"n":      {int64(3), uint8(4)},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())

	tests := []struct {
		name string
		want ColumnType
	}{
		{"_time", TypeTime},
		{"_field", TypeString},
		{"_value", TypeMixed},
		{"ok", TypeBoolean},
		{"empty", TypeString},
		{"n", TypeNumber},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tbl.Column(tt.name).Type())
		})
	}
}

func TestFromColumns_Errors(t *testing.T) {
	_, err := FromColumns([]string{"a", "b"}, map[string][]interface{}{
		"a": {1, 2},
		"b": {1},
	})
	assert.ErrorIs(t, err, ErrColumnLength)

	_, err = FromColumns([]string{"a", "a"}, map[string][]interface{}{"a": {1}})
	assert.ErrorIs(t, err, ErrDuplicateColumn)

	_, err = FromColumns([]string{"missing"}, map[string][]interface{}{})
	assert.Error(t, err)
}

func TestMixedColumnCellAccess(t *testing.T) {
	tbl := MustFromColumns([]string{"_value"}, map[string][]interface{}{
		"_value": {1, "a", nil},
	})
	col := tbl.Column("_value")

	v, ok := col.Number(0)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = col.Number(1)
	assert.False(t, ok)
	s, ok := col.Text(1)
	assert.True(t, ok)
	assert.Equal(t, "a", s)

	_, ok = col.Number(2)
	assert.False(t, ok)
	assert.Nil(t, col.Value(99))
}

func TestTypedColumn(t *testing.T) {
	tbl := MustFromColumns([]string{"lat", "name"}, map[string][]interface{}{
		"lat":  {1.0},
		"name": {"a"},
	})
	assert.NotNil(t, TypedColumn(tbl, "lat", TypeNumber))
	assert.Nil(t, TypedColumn(tbl, "name", TypeNumber))
	assert.Nil(t, TypedColumn(tbl, "nope", TypeNumber))
	assert.True(t, HasColumn(tbl, "name"))
	assert.False(t, HasColumn(tbl, "nope"))
}

func TestNumericColumns(t *testing.T) {
	tbl := MustFromColumns(
		[]string{"result", "table", "temp", "host", "lat", "lon"},
		map[string][]interface{}{
			"result": {0},
			"table":  {0},
			"temp":   {21.5},
			"host":   {"a"},
			"lat":    {10.0},
			"lon":    {20.0},
		},
	)
	assert.Equal(t, []string{"temp", "lat", "lon"}, NumericColumns(tbl))
}

func buildRecord(t *testing.T, mem memory.Allocator, schema *arrow.Schema, fields []string, values []float64) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for i := range fields {
		b.Field(0).(*array.StringBuilder).Append(fields[i])
		b.Field(1).(*array.Float64Builder).Append(values[i])
		b.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(int64(i) * 1_000_000))
	}
	b.Field(0).(*array.StringBuilder).AppendNull()
	b.Field(1).(*array.Float64Builder).AppendNull()
	b.Field(2).(*array.TimestampBuilder).AppendNull()
	return b.NewRecord()
}

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "_field", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "_value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "_time", Type: arrow.FixedWidthTypes.Timestamp_us, Nullable: true},
	}, nil)
}

func TestArrowTable_AcrossBatches(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := testSchema()
	r1 := buildRecord(t, mem, schema, []string{"x", "y"}, []float64{1, 2})
	r2 := buildRecord(t, mem, schema, []string{"z"}, []float64{3})

	tbl, err := FromRecords(nil, []arrow.Record{r1, r2})
	require.NoError(t, err)
	r1.Release()
	r2.Release()
	defer tbl.Release()

	// batch 1: x, y, null; batch 2: z, null
	assert.Equal(t, 5, tbl.Len())
	assert.Equal(t, []string{"_field", "_value", "_time"}, tbl.ColumnNames())
	assert.Equal(t, TypeNumber, tbl.Column("_value").Type())
	assert.Equal(t, TypeTime, tbl.Column("_time").Type())

	v, ok := tbl.Column("_value").Number(3)
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	s, ok := tbl.Column("_field").Text(3)
	assert.True(t, ok)
	assert.Equal(t, "z", s)

	_, ok = tbl.Column("_value").Number(2)
	assert.False(t, ok)
	assert.Nil(t, tbl.Column("_field").Value(4))

	ts, ok := tbl.Column("_time").Value(1).(time.Time)
	require.True(t, ok)
	assert.Equal(t, int64(1), ts.Unix())

	assert.Nil(t, tbl.Column("missing"))
}

func TestIPCRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := buildRecord(t, mem, testSchema(), []string{"x", "y"}, []float64{1, 2})
	src, err := FromRecords(nil, []arrow.Record{rec})
	require.NoError(t, err)
	rec.Release()
	defer src.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, src))

	got, err := ReadIPC(&buf, mem)
	require.NoError(t, err)
	defer got.Release()

	assert.Equal(t, src.Len(), got.Len())
	v, ok := got.Column("_value").Number(1)
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestReadIPC_Garbage(t *testing.T) {
	_, err := ReadIPC(bytes.NewReader([]byte("not arrow")), nil)
	assert.Error(t, err)
}

func TestMsgPackRoundTrip(t *testing.T) {
	src := MustFromColumns([]string{"_field", "_value", "table"}, map[string][]interface{}{
		"_field": {"x", "y"},
		"_value": {1.0, 2.0},
		"table":  {int64(0), int64(0)},
	})
	data, err := EncodeMsgPack(src)
	require.NoError(t, err)

	got, err := DecodeMsgPack(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"_field", "_value", "table"}, got.ColumnNames())
	assert.Equal(t, TypeNumber, got.Column("_value").Type())
	v, ok := got.Column("_value").Number(1)
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestDecodeMsgPack_Invalid(t *testing.T) {
	_, err := DecodeMsgPack([]byte{0xc1})
	assert.Error(t, err)
}
