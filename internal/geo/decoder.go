package geo

import (
	"strconv"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
)

// maxCellIDLength is the number of hex digits in a full 64-bit cell id.
const maxCellIDLength = 16

// LatLon is a coordinate in degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point returns the coordinate as an orb point (x = lon, y = lat).
func (ll LatLon) Point() orb.Point {
	return orb.Point{ll.Lon, ll.Lat}
}

// DecodeCellID decodes a hex S2 cell token into the latitude and longitude
// of the cell center. Tokens may omit trailing zero digits; the value is
// scaled by 16^(16-len) before decoding. Empty, overlong and non-hex tokens
// are rejected.
func DecodeCellID(token string) (LatLon, bool) {
	if len(token) == 0 || len(token) > maxCellIDLength {
		return LatLon{}, false
	}

	// value < 16^len, so the shifted result always fits in uint64
	raw, err := strconv.ParseUint(token, 16, 64)
	if err != nil {
		return LatLon{}, false
	}
	id := s2.CellID(raw << (4 * uint(maxCellIDLength-len(token))))

	ll := id.LatLng()
	return LatLon{Lat: ll.Lat.Degrees(), Lon: ll.Lng.Degrees()}, true
}
