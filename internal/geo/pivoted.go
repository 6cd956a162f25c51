package geo

import (
	"context"
	"fmt"
	"strings"

	"github.com/basekick-labs/arc-geo/internal/table"
)

// ctxCheckInterval is how many source rows the pivot processes between
// context checks.
const ctxCheckInterval = 4096

// PivotedGeoTable turns a long table (one row per field per group) into a
// wide one (one row per group, one column per field) and then applies the
// same row limit as NativeGeoTable.
//
// The group key is every column other than _field, _value, _start, _stop
// and result. Output rows keep the order in which their key first appears.
type PivotedGeoTable struct {
	src        table.Table
	keyColumns map[string]table.Column
	keyNames   []string
	fieldNames []string
	fieldSet   map[string]struct{}
	rows       []pivotRow
	enc        CoordinateEncoding
	sampling   sampling
}

type pivotRow struct {
	// first source row of the group; key column values are read from it
	keyRow int
	values map[string]float64
}

// IsPivotSensible reports whether t has the _field and _value columns a
// pivot needs.
func IsPivotSensible(t table.Table) bool {
	return table.HasColumn(t, FieldColumn) && table.HasColumn(t, ValueColumn)
}

// NewPivotedGeoTable pivots t. Rows whose _value is not numeric are dropped.
// Group key columns are read from t on demand, so t must stay valid for
// the lifetime of the pivoted table.
// It returns ctx.Err() if ctx is cancelled while pivoting.
func NewPivotedGeoTable(ctx context.Context, t table.Table, maxRows int) (*PivotedGeoTable, error) {
	if !IsPivotSensible(t) {
		return nil, fmt.Errorf("table has no %s/%s columns to pivot", FieldColumn, ValueColumn)
	}
	fieldCol := t.Column(FieldColumn)
	valueCol := t.Column(ValueColumn)

	p := &PivotedGeoTable{
		src:        t,
		keyColumns: make(map[string]table.Column),
		fieldSet:   make(map[string]struct{}),
	}
	var keyCols []table.Column
	for _, name := range t.ColumnNames() {
		if _, skip := pivotExcluded[name]; skip {
			continue
		}
		col := t.Column(name)
		p.keyNames = append(p.keyNames, name)
		p.keyColumns[name] = col
		keyCols = append(keyCols, col)
	}

	groups := make(map[string]int)
	var kb strings.Builder
	for r := 0; r < t.Len(); r++ {
		if r%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		v, ok := valueCol.Number(r)
		if !ok {
			continue
		}
		field, ok := fieldCol.Text(r)
		if !ok {
			continue
		}

		kb.Reset()
		for _, col := range keyCols {
			writeKeyPart(&kb, col.Value(r))
		}
		key := kb.String()

		idx, exists := groups[key]
		if !exists {
			idx = len(p.rows)
			groups[key] = idx
			p.rows = append(p.rows, pivotRow{keyRow: r, values: make(map[string]float64, 4)})
		}
		p.rows[idx].values[field] = v

		if _, seen := p.fieldSet[field]; !seen {
			p.fieldSet[field] = struct{}{}
			p.fieldNames = append(p.fieldNames, field)
		}
	}

	p.enc = ResolveEncoding(p.hasColumn)
	p.sampling = newSampling(len(p.rows), maxRows)
	return p, nil
}

// writeKeyPart appends one key value, typed so that 1 and "1" differ.
func writeKeyPart(b *strings.Builder, v interface{}) {
	fmt.Fprintf(b, "%T=%v", v, v)
	b.WriteByte(0)
}

func (p *PivotedGeoTable) hasColumn(name string) bool {
	if _, ok := p.fieldSet[name]; ok {
		return true
	}
	_, ok := p.keyColumns[name]
	return ok
}

func (p *PivotedGeoTable) RowCount() int     { return p.sampling.rowCount }
func (p *PivotedGeoTable) IsTruncated() bool { return p.sampling.truncated }

// PivotedRows is the number of wide rows before the row limit.
func (p *PivotedGeoTable) PivotedRows() int { return len(p.rows) }

// Encoding returns the coordinate encoding chosen after pivoting.
func (p *PivotedGeoTable) Encoding() CoordinateEncoding { return p.enc }

// FieldNames returns the pivoted field names in first-seen order.
func (p *PivotedGeoTable) FieldNames() []string {
	out := make([]string, len(p.fieldNames))
	copy(out, p.fieldNames)
	return out
}

// ColumnNames returns the group key columns followed by the pivoted fields.
func (p *PivotedGeoTable) ColumnNames() []string {
	out := make([]string, 0, len(p.keyNames)+len(p.fieldNames))
	out = append(out, p.keyNames...)
	return append(out, p.fieldNames...)
}

func (p *PivotedGeoTable) row(index int) (pivotRow, bool) {
	i, ok := p.sampling.source(index)
	if !ok {
		return pivotRow{}, false
	}
	return p.rows[i], true
}

// Value looks up pivoted fields first, then numeric group key columns.
func (p *PivotedGeoTable) Value(index int, field string) (float64, bool) {
	row, ok := p.row(index)
	if !ok {
		return 0, false
	}
	if v, ok := row.values[field]; ok {
		return v, true
	}
	if _, pivoted := p.fieldSet[field]; pivoted {
		// this group never saw the field
		return 0, false
	}
	col, ok := p.keyColumns[field]
	if !ok {
		return 0, false
	}
	return col.Number(row.keyRow)
}

func (p *PivotedGeoTable) text(index int, field string) (string, bool) {
	row, ok := p.row(index)
	if !ok {
		return "", false
	}
	col, ok := p.keyColumns[field]
	if !ok {
		return "", false
	}
	return col.Text(row.keyRow)
}

func (p *PivotedGeoTable) LatLon(index int) (LatLon, bool) {
	return resolveLatLon(p.enc, index, rowLookup{value: p.Value, text: p.text})
}

// KeyValue returns the raw value of a group key column for a logical row.
func (p *PivotedGeoTable) KeyValue(index int, column string) interface{} {
	row, ok := p.row(index)
	if !ok {
		return nil
	}
	col, ok := p.keyColumns[column]
	if !ok {
		return nil
	}
	return col.Value(row.keyRow)
}

// SeriesKey returns the "table" value of a logical row, nil without one.
func (p *PivotedGeoTable) SeriesKey(index int) interface{} {
	return p.KeyValue(index, TableColumn)
}
