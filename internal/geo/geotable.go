package geo

// GeoTable is a read-only, row-limited view of a result set that map layers
// read coordinates and values from. A false second return value means the
// cell is absent.
type GeoTable interface {
	// RowCount is the number of rows exposed after the row limit.
	RowCount() int
	// Value returns the numeric value of field at logical row index.
	Value(index int, field string) (float64, bool)
	// LatLon returns the coordinate of logical row index.
	LatLon(index int) (LatLon, bool)
	// IsTruncated reports whether the source had more rows than exposed.
	IsTruncated() bool
}

// EmptyGeoTable has no rows. It stands in while a pivot is running.
type EmptyGeoTable struct{}

func (EmptyGeoTable) RowCount() int                     { return 0 }
func (EmptyGeoTable) Value(int, string) (float64, bool) { return 0, false }
func (EmptyGeoTable) LatLon(int) (LatLon, bool)         { return LatLon{}, false }
func (EmptyGeoTable) IsTruncated() bool                 { return false }

// sampling is the row-limit policy shared by Native and Pivoted tables:
// logical row i maps to source row i*stride.
type sampling struct {
	sourceRows int
	rowCount   int
	stride     int
	truncated  bool
}

func newSampling(sourceRows, maxRows int) sampling {
	if maxRows <= 0 {
		// no limit configured
		maxRows = sourceRows
	}
	s := sampling{sourceRows: sourceRows, stride: 1, rowCount: sourceRows}
	if sourceRows > maxRows {
		s.truncated = true
		s.rowCount = maxRows
		s.stride = sourceRows / maxRows
	}
	return s
}

// source maps a logical row to its source row, false when out of range.
func (s sampling) source(index int) (int, bool) {
	if index < 0 || index >= s.rowCount {
		return 0, false
	}
	return index * s.stride, true
}
