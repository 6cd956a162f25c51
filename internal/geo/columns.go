package geo

// Column names shared with the query engine.
const (
	FieldColumn  = "_field"
	ValueColumn  = "_value"
	TableColumn  = "table"
	StartColumn  = "_start"
	StopColumn   = "_stop"
	TimeColumn   = "_time"
	ResultColumn = "result"
	LonColumn    = "lon"
	LatColumn    = "lat"
	CellIDColumn = "s2_cell_id"
)

var metaColumns = map[string]struct{}{
	FieldColumn: {},
	ValueColumn: {},
	TableColumn: {},
	StartColumn: {},
	StopColumn:  {},
}

// pivotExcluded are the columns that never take part in a pivot group key.
var pivotExcluded = map[string]struct{}{
	FieldColumn:  {},
	ValueColumn:  {},
	StartColumn:  {},
	StopColumn:   {},
	ResultColumn: {},
}

// IsMetaColumn reports whether name is one of the reserved meta columns
// (_field, _value, table, _start, _stop).
func IsMetaColumn(name string) bool {
	_, ok := metaColumns[name]
	return ok
}

// FilterMetaColumns returns names without the reserved meta columns,
// preserving order.
func FilterMetaColumns(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !IsMetaColumn(n) {
			out = append(out, n)
		}
	}
	return out
}
