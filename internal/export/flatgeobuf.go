package export

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// wgs84 is the EPSG code of the coordinates produced by the geo package.
const wgs84 = 4326

// ErrNoFeatures is returned when a FlatGeobuf export has nothing to write.
var ErrNoFeatures = errors.New("no features to export")

// FlatGeobufOptions configures a FlatGeobuf export.
type FlatGeobufOptions struct {
	Name         string
	Description  string
	IncludeIndex bool
}

type column struct {
	name string
	typ  flattypes.ColumnType
}

// FlatGeobuf writes the point and line features of fc to w. Features with
// other geometry types are skipped. Property columns are inferred from the
// first non-nil value of each key and written in name order.
func FlatGeobuf(w io.Writer, fc *geojson.FeatureCollection, opts FlatGeobufOptions) error {
	features := make([]*geojson.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil || geometryType(f.Geometry) == flattypes.GeometryTypeUnknown {
			continue
		}
		features = append(features, f)
	}
	if len(features) == 0 {
		return ErrNoFeatures
	}

	b := flatbuffers.NewBuilder(4096)
	header := writer.NewHeader(b)
	header.SetGeometryType(commonGeometryType(features))
	if opts.Name != "" {
		header.SetName(opts.Name)
	}
	if opts.Description != "" {
		header.SetDescription(opts.Description)
	}

	cols := inferColumns(features)
	if len(cols) > 0 {
		wcols := make([]*writer.Column, 0, len(cols))
		for _, c := range cols {
			wc := writer.NewColumn(b)
			wc.SetName(c.name)
			wc.SetType(c.typ)
			wc.SetNullable(true)
			wcols = append(wcols, wc)
		}
		header.SetColumns(wcols)
	}

	crs := writer.NewCrs(b)
	crs.SetOrg("EPSG")
	crs.SetCode(wgs84)
	crs.SetName("WGS 84")
	header.SetCrs(crs)

	gen := &featureGenerator{features: features, columns: cols}
	if _, err := writer.NewWriter(header, opts.IncludeIndex, gen, nil).Write(w); err != nil {
		return fmt.Errorf("failed to write flatgeobuf: %w", err)
	}
	return gen.err
}

func geometryType(g orb.Geometry) flattypes.GeometryType {
	switch g.(type) {
	case orb.Point:
		return flattypes.GeometryTypePoint
	case orb.LineString:
		return flattypes.GeometryTypeLineString
	default:
		return flattypes.GeometryTypeUnknown
	}
}

// commonGeometryType is the shared geometry type, or Unknown when mixed.
func commonGeometryType(features []*geojson.Feature) flattypes.GeometryType {
	t := geometryType(features[0].Geometry)
	for _, f := range features[1:] {
		if geometryType(f.Geometry) != t {
			return flattypes.GeometryTypeUnknown
		}
	}
	return t
}

func inferColumns(features []*geojson.Feature) []column {
	types := make(map[string]flattypes.ColumnType)
	for _, f := range features {
		for k, v := range f.Properties {
			if _, seen := types[k]; seen || v == nil {
				continue
			}
			types[k] = columnType(v)
		}
	}
	cols := make([]column, 0, len(types))
	for name, typ := range types {
		cols = append(cols, column{name: name, typ: typ})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].name < cols[j].name })
	return cols
}

func columnType(v interface{}) flattypes.ColumnType {
	switch v.(type) {
	case float64, float32:
		return flattypes.ColumnTypeDouble
	case int, int32, int64:
		return flattypes.ColumnTypeLong
	case bool:
		return flattypes.ColumnTypeBool
	case string:
		return flattypes.ColumnTypeString
	default:
		return flattypes.ColumnTypeJson
	}
}

type featureGenerator struct {
	features []*geojson.Feature
	columns  []column
	index    int
	err      error
}

func (g *featureGenerator) Generate() *writer.Feature {
	if g.index >= len(g.features) || g.err != nil {
		return nil
	}
	f := g.features[g.index]
	g.index++

	b := flatbuffers.NewBuilder(1024)
	geom := writer.NewGeometry(b)
	switch v := f.Geometry.(type) {
	case orb.Point:
		geom.SetType(flattypes.GeometryTypePoint)
		geom.SetXY([]float64{v[0], v[1]})
	case orb.LineString:
		geom.SetType(flattypes.GeometryTypeLineString)
		xy := make([]float64, 0, len(v)*2)
		for _, p := range v {
			xy = append(xy, p[0], p[1])
		}
		geom.SetXY(xy)
	}

	feature := writer.NewFeature(b)
	feature.SetGeometry(geom)
	props, err := encodeProperties(f.Properties, g.columns)
	if err != nil {
		g.err = err
		return nil
	}
	if len(props) > 0 {
		feature.SetProperties(props)
	}
	return feature
}

// encodeProperties writes each present property as a little-endian uint16
// column index followed by the value. Values that do not match their
// column type are skipped.
func encodeProperties(props geojson.Properties, cols []column) ([]byte, error) {
	var buf []byte
	for i, c := range cols {
		v, ok := props[c.name]
		if !ok || v == nil {
			continue
		}
		start := len(buf)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(i))

		switch c.typ {
		case flattypes.ColumnTypeDouble:
			var f float64
			switch n := v.(type) {
			case float64:
				f = n
			case float32:
				f = float64(n)
			default:
				buf = buf[:start]
				continue
			}
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
		case flattypes.ColumnTypeLong:
			var n int64
			switch x := v.(type) {
			case int:
				n = int64(x)
			case int32:
				n = int64(x)
			case int64:
				n = x
			default:
				buf = buf[:start]
				continue
			}
			buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
		case flattypes.ColumnTypeBool:
			b, ok := v.(bool)
			if !ok {
				buf = buf[:start]
				continue
			}
			if b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case flattypes.ColumnTypeString:
			s, ok := v.(string)
			if !ok {
				buf = buf[:start]
				continue
			}
			buf = appendString(buf, s)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode property %q: %w", c.name, err)
			}
			buf = appendString(buf, string(data))
		}
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
