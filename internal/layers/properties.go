package layers

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// LayerType names a map layer renderer.
type LayerType string

const (
	PointMap  LayerType = "pointMap"
	CircleMap LayerType = "circleMap"
	Heatmap   LayerType = "heatmap"
	TrackMap  LayerType = "trackMap"
)

// Per-layer row limits. A view uses the smallest limit among its layers.
var rowLimits = map[LayerType]int{
	PointMap:  2000,
	CircleMap: 5000,
	Heatmap:   100000,
	TrackMap:  5000,
}

// Track layer defaults.
const (
	DefaultTrackWidth = 3
	DefaultTrackSpeed = 500
)

var defaultTrackColors = []Color{{Hex: "#FFC400"}, {Hex: "#F90A13"}}

// Axis holds display settings for a layer dimension.
type Axis struct {
	Label  string `json:"label"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
	// Base is "", "10" (SI prefixes) or "2" (binary prefixes).
	Base string `json:"base" validate:"omitempty,oneof=2 10"`
}

// Color is a threshold color; rows with a value >= Value take Hex.
type Color struct {
	ID    string  `json:"id,omitempty"`
	Type  string  `json:"type,omitempty"`
	Hex   string  `json:"hex" validate:"required,hexcolor"`
	Name  string  `json:"name,omitempty"`
	Value float64 `json:"value"`
}

// Center is the map center.
type Center struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Layer configures one map layer.
type Layer struct {
	Type LayerType `json:"type" validate:"required,oneof=pointMap circleMap heatmap trackMap"`

	ColorField     string `json:"colorField,omitempty"`
	RadiusField    string `json:"radiusField,omitempty"`
	IntensityField string `json:"intensityField,omitempty"`

	ColorDimension     Axis `json:"colorDimension"`
	RadiusDimension    Axis `json:"radiusDimension"`
	IntensityDimension Axis `json:"intensityDimension"`

	// Radius is the maximum circle radius (circleMap) or the point
	// radius (heatmap), in pixels.
	Radius int `json:"radius,omitempty" validate:"gte=0"`
	Blur   int `json:"blur,omitempty" validate:"gte=0"`

	TrackWidth int `json:"trackWidth,omitempty" validate:"gte=0"`
	Speed      int `json:"speed,omitempty" validate:"gte=0"`

	Colors []Color `json:"colors,omitempty" validate:"dive"`
}

// ViewProperties is the configuration of a map view.
type ViewProperties struct {
	Center                 Center  `json:"center"`
	Zoom                   float64 `json:"zoom" validate:"gte=0,lte=28"`
	MapStyle               string  `json:"mapStyle,omitempty"`
	AllowPanAndZoom        bool    `json:"allowPanAndZoom"`
	DetectCoordinateFields bool    `json:"detectCoordinateFields"`
	Layers                 []Layer `json:"layers" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Validate checks the properties against their field constraints.
func (p *ViewProperties) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid view properties: %w", err)
	}
	return nil
}

// RowLimit returns the row limit for a view with the given layers. Unknown
// layer types do not constrain it; with no known layer the point limit
// applies.
func RowLimit(layers []Layer) int {
	limit := 0
	for _, l := range layers {
		n, ok := rowLimits[l.Type]
		if !ok {
			continue
		}
		if limit == 0 || n < limit {
			limit = n
		}
	}
	if limit == 0 {
		return rowLimits[PointMap]
	}
	return limit
}

// colorFor returns the hex of the highest threshold not above v. Colors
// need not be sorted; without a value the first color wins.
func colorFor(colors []Color, v float64, ok bool) string {
	if len(colors) == 0 {
		return ""
	}
	if !ok || len(colors) == 1 {
		return colors[0].Hex
	}
	sorted := make([]Color, len(colors))
	copy(sorted, colors)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	hex := sorted[0].Hex
	for _, c := range sorted {
		if v >= c.Value {
			hex = c.Hex
		}
	}
	return hex
}
