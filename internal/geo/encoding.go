package geo

// CoordinateEncoding describes where a table keeps its coordinates.
type CoordinateEncoding int

const (
	// EncodingGeoHash reads coordinates from the s2_cell_id column.
	EncodingGeoHash CoordinateEncoding = iota
	// EncodingFields reads coordinates from the lat and lon columns.
	EncodingFields
)

func (e CoordinateEncoding) String() string {
	switch e {
	case EncodingFields:
		return "fields"
	case EncodingGeoHash:
		return "geo_hash"
	default:
		return "unknown"
	}
}

// ResolveEncoding picks the encoding from column presence. lat/lon columns
// win over s2_cell_id. A table with neither still resolves to
// EncodingGeoHash and every coordinate lookup comes back empty.
func ResolveEncoding(hasColumn func(name string) bool) CoordinateEncoding {
	if hasColumn(LonColumn) && hasColumn(LatColumn) {
		return EncodingFields
	}
	return EncodingGeoHash
}

// rowLookup gives resolveLatLon access to one variant's storage.
type rowLookup struct {
	value func(index int, field string) (float64, bool)
	text  func(index int, field string) (string, bool)
}

// resolveLatLon is the coordinate resolution shared by every GeoTable.
func resolveLatLon(enc CoordinateEncoding, index int, lookup rowLookup) (LatLon, bool) {
	switch enc {
	case EncodingFields:
		lat, ok := lookup.value(index, LatColumn)
		if !ok {
			return LatLon{}, false
		}
		lon, ok := lookup.value(index, LonColumn)
		if !ok {
			return LatLon{}, false
		}
		return LatLon{Lat: lat, Lon: lon}, true
	default:
		token, ok := lookup.text(index, CellIDColumn)
		if !ok {
			return LatLon{}, false
		}
		return DecodeCellID(token)
	}
}
