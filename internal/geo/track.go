package geo

import "github.com/paulmach/orb"

// SeriesTable is a GeoTable whose rows belong to named series.
type SeriesTable interface {
	GeoTable
	SeriesKey(index int) interface{}
}

// Track is one contiguous path of coordinates belonging to a single series.
type Track []LatLon

// LineString converts the track to an orb geometry.
func (tr Track) LineString() orb.LineString {
	ls := make(orb.LineString, len(tr))
	for i, ll := range tr {
		ls[i] = ll.Point()
	}
	return ls
}

// Tracks groups consecutive rows sharing a series key into tracks. Rows
// without a coordinate are skipped. A table without series keys yields
// a single track.
func Tracks(t SeriesTable) []Track {
	var (
		tracks  []Track
		current Track
		lastKey interface{}
	)
	for i := 0; i < t.RowCount(); i++ {
		ll, ok := t.LatLon(i)
		if !ok {
			continue
		}
		key := t.SeriesKey(i)
		if len(current) > 0 && key != lastKey {
			tracks = append(tracks, current)
			current = nil
		}
		current = append(current, ll)
		lastKey = key
	}
	if len(current) > 0 {
		tracks = append(tracks, current)
	}
	return tracks
}
