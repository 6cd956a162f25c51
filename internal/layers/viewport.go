package layers

import "math"

const (
	earthCircumferenceMeters = 40075016.686
	tileSize                 = 256
	// zoom levels snap to 1/zoomFraction
	zoomFraction = 8
)

// Names of the query variables a map view publishes.
const (
	VariableLon    = "lon"
	VariableLat    = "lat"
	VariableRadius = "radius"
)

// Assignment is a float query variable derived from the viewport.
type Assignment struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// VariableAssignment computes the lon, lat and radius variables for a
// viewport of width x height pixels. radius is the distance in km from the
// center to a corner of the viewport.
func VariableAssignment(width, height int, lat, lon, zoom float64) []Assignment {
	w, h := float64(width), float64(height)
	pixelRadius := math.Sqrt(w*w+h*h) / 2
	metersPerPixel := earthCircumferenceMeters * math.Abs(math.Cos(lat*math.Pi/180)) / math.Pow(2, zoom+8)
	return []Assignment{
		{Name: VariableLon, Value: lon},
		{Name: VariableLat, Value: lat},
		{Name: VariableRadius, Value: pixelRadius * metersPerPixel / 1000},
	}
}

// MinZoom is the smallest zoom at which a map of the given pixel width is
// filled horizontally by the world.
func MinZoom(width int) float64 {
	return math.Ceil(math.Log2(float64(width)/tileSize)*zoomFraction) / zoomFraction
}
