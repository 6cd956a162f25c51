package database

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/basekick-labs/arc-geo/internal/metrics"
	"github.com/basekick-labs/arc-geo/internal/table"
)

// arrowBatchSize is the number of rows per record batch.
const arrowBatchSize = 10000

// QueryTable runs query and collects the result as Arrow record batches.
// ctx is checked between batches.
func (d *DuckDB) QueryTable(ctx context.Context, query string, args ...interface{}) (*table.ArrowTable, error) {
	start := time.Now()
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get column names: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		fields[i] = arrow.Field{
			Name:     col,
			Type:     sqlTypeToArrowType(columnTypes[i].DatabaseTypeName()),
			Nullable: true,
		}
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	var records []arrow.Record
	release := func() {
		for _, rec := range records {
			rec.Release()
		}
	}

	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	batchRows, totalRows := 0, 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			release()
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			appendValueToBuilder(builder.Field(i), v)
		}
		batchRows++
		totalRows++

		if batchRows >= arrowBatchSize {
			records = append(records, builder.NewRecord())
			batchRows = 0
			if err := ctx.Err(); err != nil {
				release()
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		release()
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	if batchRows > 0 {
		records = append(records, builder.NewRecord())
	}

	t, err := table.FromRecords(schema, records)
	release()
	if err != nil {
		return nil, err
	}

	metrics.Get().IncDBRows(int64(totalRows))
	d.logger.Info().
		Int("row_count", totalRows).
		Int("batches", len(records)).
		Dur("elapsed", time.Since(start)).
		Msg("Query collected as arrow table")
	return t, nil
}

// sqlTypeToArrowType maps DuckDB type names to Arrow types. Unknown types
// (including spatial and nested types) become strings.
func sqlTypeToArrowType(sqlType string) arrow.DataType {
	base := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}

	switch base {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "UTINYINT", "USMALLINT", "UINTEGER", "INT", "INT4", "INT8", "INT64", "INT32":
		return arrow.PrimitiveTypes.Int64
	case "UBIGINT", "HUGEINT", "UHUGEINT", "FLOAT", "DOUBLE", "REAL", "DECIMAL", "NUMERIC", "FLOAT4", "FLOAT8":
		return arrow.PrimitiveTypes.Float64
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean
	case "TIMESTAMP", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ", "DATETIME", "TIMESTAMP_MS", "TIMESTAMP_NS", "TIMESTAMP_S":
		return arrow.FixedWidthTypes.Timestamp_us
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	default:
		return arrow.BinaryTypes.String
	}
}

// floater matches DuckDB's Decimal.
type floater interface {
	Float64() float64
}

// appendValueToBuilder appends a scanned value; values that do not fit the
// builder become nulls.
func appendValueToBuilder(builder array.Builder, val interface{}) {
	if val == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.Int64Builder:
		switch v := val.(type) {
		case int64:
			b.Append(v)
		case int32:
			b.Append(int64(v))
		case int16:
			b.Append(int64(v))
		case int8:
			b.Append(int64(v))
		case int:
			b.Append(int64(v))
		case uint32:
			b.Append(int64(v))
		case uint16:
			b.Append(int64(v))
		case uint8:
			b.Append(int64(v))
		default:
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch v := val.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		case int64:
			b.Append(float64(v))
		case uint64:
			b.Append(float64(v))
		case *big.Int:
			f, _ := new(big.Float).SetInt(v).Float64()
			b.Append(f)
		case floater:
			b.Append(v.Float64())
		default:
			b.AppendNull()
		}
	case *array.StringBuilder:
		switch v := val.(type) {
		case string:
			b.Append(v)
		case []byte:
			b.Append(string(v))
		case time.Time:
			b.Append(v.Format(time.RFC3339Nano))
		default:
			b.Append(fmt.Sprintf("%v", v))
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		if v, ok := val.(time.Time); ok {
			b.Append(arrow.Timestamp(v.UnixMicro()))
		} else {
			b.AppendNull()
		}
	case *array.Date32Builder:
		if v, ok := val.(time.Time); ok {
			b.Append(arrow.Date32FromTime(v))
		} else {
			b.AppendNull()
		}
	default:
		builder.AppendNull()
	}
}
