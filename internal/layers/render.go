package layers

import (
	"math"

	"github.com/basekick-labs/arc-geo/internal/geo"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature property keys.
const (
	PropLayer     = "layer"
	PropLayerType = "layerType"
	PropColor     = "color"
	PropValue     = "value"
	PropRadius    = "radius"
	PropIntensity = "intensity"
	PropTooltip   = "tooltip"
)

// TooltipEntry is one line of a feature tooltip.
type TooltipEntry struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Render draws every layer of props from t into a single feature
// collection. The "truncated" foreign member mirrors t.IsTruncated.
func Render(t geo.GeoTable, props *ViewProperties) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{
		"truncated": t.IsTruncated(),
		"rowCount":  t.RowCount(),
	}
	for i, layer := range props.Layers {
		for _, f := range RenderLayer(t, layer) {
			f.Properties[PropLayer] = i
			f.Properties[PropLayerType] = string(layer.Type)
			fc.Append(f)
		}
	}
	return fc
}

// RenderLayer draws one layer. Unknown layer types produce no features.
func RenderLayer(t geo.GeoTable, layer Layer) []*geojson.Feature {
	switch layer.Type {
	case PointMap:
		return renderPoints(t, layer)
	case CircleMap:
		return renderCircles(t, layer)
	case Heatmap:
		return renderHeatmap(t, layer)
	case TrackMap:
		return renderTracks(t, layer)
	default:
		return nil
	}
}

func tooltip(t geo.GeoTable, i int, field, name string, axis Axis) []TooltipEntry {
	if field == "" {
		return nil
	}
	v, ok := t.Value(i, field)
	if !ok {
		return nil
	}
	key := axis.Label
	if key == "" {
		key = field
	}
	return []TooltipEntry{{Key: key, Name: name, Value: FormatValue(axis, v)}}
}

func renderPoints(t geo.GeoTable, layer Layer) []*geojson.Feature {
	var out []*geojson.Feature
	for i := 0; i < t.RowCount(); i++ {
		ll, ok := t.LatLon(i)
		if !ok {
			continue
		}
		f := geojson.NewFeature(ll.Point())
		v, hasValue := t.Value(i, layer.ColorField)
		if hasValue {
			f.Properties[PropValue] = v
		}
		if c := colorFor(layer.Colors, v, hasValue); c != "" {
			f.Properties[PropColor] = c
		}
		if tt := tooltip(t, i, layer.ColorField, "Color", layer.ColorDimension); tt != nil {
			f.Properties[PropTooltip] = tt
		}
		out = append(out, f)
	}
	return out
}

// valueRange returns the min and max of field over all rows.
func valueRange(t geo.GeoTable, field string) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i := 0; i < t.RowCount(); i++ {
		v, has := t.Value(i, field)
		if !has {
			continue
		}
		ok = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, ok
}

func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}

func renderCircles(t geo.GeoTable, layer Layer) []*geojson.Feature {
	lo, hi, _ := valueRange(t, layer.RadiusField)
	maxRadius := float64(layer.Radius)
	if maxRadius == 0 {
		maxRadius = 20
	}

	var out []*geojson.Feature
	for i := 0; i < t.RowCount(); i++ {
		ll, ok := t.LatLon(i)
		if !ok {
			continue
		}
		f := geojson.NewFeature(ll.Point())

		radius := maxRadius
		if rv, ok := t.Value(i, layer.RadiusField); ok {
			radius = math.Max(1, maxRadius*normalize(rv, lo, hi))
		}
		f.Properties[PropRadius] = radius

		cv, hasColor := t.Value(i, layer.ColorField)
		if c := colorFor(layer.Colors, cv, hasColor); c != "" {
			f.Properties[PropColor] = c
		}

		tt := tooltip(t, i, layer.RadiusField, "Radius", layer.RadiusDimension)
		tt = append(tt, tooltip(t, i, layer.ColorField, "Color", layer.ColorDimension)...)
		if len(tt) > 0 {
			f.Properties[PropTooltip] = tt
		}
		out = append(out, f)
	}
	return out
}

func renderHeatmap(t geo.GeoTable, layer Layer) []*geojson.Feature {
	lo, hi, _ := valueRange(t, layer.IntensityField)

	var out []*geojson.Feature
	for i := 0; i < t.RowCount(); i++ {
		ll, ok := t.LatLon(i)
		if !ok {
			continue
		}
		v, ok := t.Value(i, layer.IntensityField)
		if !ok {
			// a heat point without intensity contributes nothing
			continue
		}
		f := geojson.NewFeature(ll.Point())
		f.Properties[PropIntensity] = normalize(v, lo, hi)
		f.Properties[PropValue] = v
		if layer.Radius > 0 {
			f.Properties[PropRadius] = layer.Radius
		}
		if layer.Blur > 0 {
			f.Properties["blur"] = layer.Blur
		}
		out = append(out, f)
	}
	return out
}

func renderTracks(t geo.GeoTable, layer Layer) []*geojson.Feature {
	var tracks []geo.Track
	if st, ok := t.(geo.SeriesTable); ok {
		tracks = geo.Tracks(st)
	} else {
		var all geo.Track
		for i := 0; i < t.RowCount(); i++ {
			if ll, ok := t.LatLon(i); ok {
				all = append(all, ll)
			}
		}
		if len(all) > 0 {
			tracks = []geo.Track{all}
		}
	}

	colors := layer.Colors
	if len(colors) == 0 {
		colors = defaultTrackColors
	}
	width := layer.TrackWidth
	if width == 0 {
		width = DefaultTrackWidth
	}
	speed := layer.Speed
	if speed == 0 {
		speed = DefaultTrackSpeed
	}
	start, end := colors[0].Hex, colors[len(colors)-1].Hex
	pulse := end
	if start == end {
		pulse = "white"
	}

	out := make([]*geojson.Feature, 0, len(tracks))
	for _, tr := range tracks {
		var g orb.Geometry = tr.LineString()
		if len(tr) == 1 {
			g = tr[0].Point()
		}
		f := geojson.NewFeature(g)
		f.Properties[PropColor] = start
		f.Properties["pulseColor"] = pulse
		f.Properties["weight"] = width
		f.Properties["delay"] = 50 + speed
		out = append(out, f)
	}
	return out
}
