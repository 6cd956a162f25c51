package geo

import "github.com/basekick-labs/arc-geo/internal/table"

// NativeGeoTable exposes a source table as-is, downsampled to maxRows by a
// fixed stride.
type NativeGeoTable struct {
	src      table.Table
	enc      CoordinateEncoding
	sampling sampling
}

// NewNativeGeoTable builds a NativeGeoTable over t. maxRows <= 0 disables
// the row limit.
func NewNativeGeoTable(t table.Table, maxRows int) *NativeGeoTable {
	return &NativeGeoTable{
		src:      t,
		enc:      ResolveEncoding(func(name string) bool { return table.HasColumn(t, name) }),
		sampling: newSampling(t.Len(), maxRows),
	}
}

func (n *NativeGeoTable) RowCount() int     { return n.sampling.rowCount }
func (n *NativeGeoTable) IsTruncated() bool { return n.sampling.truncated }

// Encoding returns the coordinate encoding chosen at construction.
func (n *NativeGeoTable) Encoding() CoordinateEncoding { return n.enc }

// Stride returns the distance between consecutive sampled source rows.
func (n *NativeGeoTable) Stride() int { return n.sampling.stride }

func (n *NativeGeoTable) Value(index int, field string) (float64, bool) {
	row, ok := n.sampling.source(index)
	if !ok {
		return 0, false
	}
	col := n.src.Column(field)
	if col == nil {
		return 0, false
	}
	return col.Number(row)
}

func (n *NativeGeoTable) text(index int, field string) (string, bool) {
	row, ok := n.sampling.source(index)
	if !ok {
		return "", false
	}
	col := n.src.Column(field)
	if col == nil {
		return "", false
	}
	return col.Text(row)
}

func (n *NativeGeoTable) LatLon(index int) (LatLon, bool) {
	return resolveLatLon(n.enc, index, rowLookup{value: n.Value, text: n.text})
}

// SeriesKey returns the "table" value of a logical row, nil without one.
func (n *NativeGeoTable) SeriesKey(index int) interface{} {
	row, ok := n.sampling.source(index)
	if !ok {
		return nil
	}
	col := n.src.Column(TableColumn)
	if col == nil {
		return nil
	}
	return col.Value(row)
}
