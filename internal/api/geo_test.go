package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/arc-geo/internal/cache"
	"github.com/basekick-labs/arc-geo/internal/database"
	"github.com/basekick-labs/arc-geo/internal/export"
	"github.com/basekick-labs/arc-geo/internal/geo"
	"github.com/basekick-labs/arc-geo/internal/layers"
	"github.com/basekick-labs/arc-geo/internal/metrics"
	"github.com/basekick-labs/arc-geo/internal/pivotregistry"
	"github.com/basekick-labs/arc-geo/internal/secrets"
	"github.com/basekick-labs/arc-geo/internal/storage"
	"github.com/basekick-labs/arc-geo/internal/table"
	"github.com/basekick-labs/arc-geo/internal/tileserver"
	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInitSQL = []string{
	`CREATE TABLE points AS SELECT * FROM (VALUES
		(10.0::DOUBLE, 20.0::DOUBLE, 5.0::DOUBLE),
		(11.0::DOUBLE, 21.0::DOUBLE, 15.0::DOUBLE),
		(12.0::DOUBLE, 22.0::DOUBLE, 25.0::DOUBLE)
	) AS t(lat, lon, temp)`,
	`CREATE TABLE series AS SELECT * FROM (VALUES
		('lat', 50.0::DOUBLE, 'a'),
		('lon', 14.0::DOUBLE, 'a'),
		('lat', 51.0::DOUBLE, 'b'),
		('lon', 15.0::DOUBLE, 'b')
	) AS t(_field, _value, station)`,
	`CREATE TABLE cells AS SELECT * FROM (VALUES
		('temp', 20.0::DOUBLE, '89c25a31', 'a'),
		('hum', 0.4::DOUBLE, '89c25a31', 'a'),
		('temp', 18.0::DOUBLE, '47a1cbd5', 'b'),
		('hum', 0.6::DOUBLE, '47a1cbd5', 'b')
	) AS t(_field, _value, s2_cell_id, station)`,
}

type geoTestEnv struct {
	app      *fiber.App
	handler  *GeoHandler
	registry *pivotregistry.Registry
	store    *secrets.SQLiteStore
}

func setupGeoTest(t *testing.T) *geoTestEnv {
	t.Helper()
	metrics.Init(zerolog.Nop())
	logger := zerolog.Nop()

	db, err := database.New(&database.Config{InitSQL: testInitSQL}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := secrets.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend, err := storage.NewLocalBackend(t.TempDir(), logger)
	require.NoError(t, err)

	resolver, err := tileserver.NewResolver(store, tileserver.ResolverConfig{}, logger)
	require.NoError(t, err)

	registry := pivotregistry.NewRegistry(&pivotregistry.RegistryConfig{HistorySize: 10}, logger)
	t.Cleanup(func() { registry.Close() })

	h := NewGeoHandler(&GeoHandlerConfig{
		DB:               db,
		Cache:            cache.NewMemoryCache(time.Minute, 100),
		CacheTTL:         time.Minute,
		Registry:         registry,
		Resolver:         resolver,
		Secrets:          store,
		Exporter:         export.NewExporter(backend, logger),
		MaxRows:          1000,
		AutoPivoting:     false,
		PivotTimeout:     5 * time.Second,
		ProcessorIdleTTL: time.Minute,
	}, logger)
	t.Cleanup(func() { h.Close() })

	app := fiber.New()
	h.RegisterRoutes(app)
	NewPivotTaskHandler(registry, logger).RegisterRoutes(app)

	return &geoTestEnv{app: app, handler: h, registry: registry, store: store}
}

func pointProps() map[string]interface{} {
	return map[string]interface{}{
		"center": map[string]interface{}{"lat": 10, "lon": 20},
		"zoom":   4,
		"layers": []map[string]interface{}{
			{"type": "pointMap", "colorField": "temp", "colors": []map[string]interface{}{{"hex": "#ff0000"}}},
		},
	}
}

func doJSON(t *testing.T, app *fiber.App, method, url string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGeo_QueryNative(t *testing.T) {
	env := setupGeoTest(t)

	body := map[string]interface{}{
		"sql":        "SELECT lat, lon, temp FROM points ORDER BY lat",
		"view_id":    "view-1",
		"properties": pointProps(),
	}
	resp := doJSON(t, env.app, "POST", "/api/v1/geo/query", body)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "miss", resp.Header.Get(headerCache))
	assert.Equal(t, "3", resp.Header.Get(headerRowCount))
	assert.Equal(t, "false", resp.Header.Get(headerTruncated))
	assert.Empty(t, resp.Header.Get(headerPivotID))

	fc := decode(t, resp)
	assert.Equal(t, "FeatureCollection", fc["type"])
	features := fc["features"].([]interface{})
	require.Len(t, features, 3)
	first := features[0].(map[string]interface{})
	assert.Equal(t, []interface{}{20.0, 10.0}, first["geometry"].(map[string]interface{})["coordinates"])

	// identical request is served from cache
	resp = doJSON(t, env.app, "POST", "/api/v1/geo/query", body)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(headerCache))
	assert.Len(t, decode(t, resp)["features"], 3)
}

func TestGeo_QueryPivot(t *testing.T) {
	env := setupGeoTest(t)

	resp := doJSON(t, env.app, "POST", "/api/v1/geo/query", map[string]interface{}{
		"sql":           "SELECT _field, _value, station FROM series",
		"view_id":       "view-1",
		"properties":    pointProps(),
		"auto_pivoting": true,
	})
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get(headerRowCount))

	pivotID := resp.Header.Get(headerPivotID)
	require.NotEmpty(t, pivotID)

	fc := decode(t, resp)
	assert.Len(t, fc["features"], 2)
	assert.Equal(t, pivotID, fc["pivotId"])

	require.Eventually(t, func() bool {
		p := env.registry.Get(pivotID)
		return p != nil && p.Status == pivotregistry.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGeo_QueryPivotCellIDs(t *testing.T) {
	env := setupGeoTest(t)

	want := map[string]geo.LatLon{}
	for _, token := range []string{"89c25a31", "47a1cbd5"} {
		ll, ok := geo.DecodeCellID(token)
		require.True(t, ok)
		want[token] = ll
	}

	// the pivot reads s2_cell_id from the query result while rendering,
	// so every round must see intact coordinates
	for i := 0; i < 20; i++ {
		resp := doJSON(t, env.app, "POST", "/api/v1/geo/query", map[string]interface{}{
			"sql":           fmt.Sprintf("SELECT _field, _value, s2_cell_id, station FROM cells WHERE %d = %d", i, i),
			"view_id":       fmt.Sprintf("cells-%d", i),
			"properties":    pointProps(),
			"auto_pivoting": true,
		})
		require.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "miss", resp.Header.Get(headerCache))

		features, ok := decode(t, resp)["features"].([]interface{})
		require.True(t, ok)
		require.Len(t, features, 2)

		var got []geo.LatLon
		for _, f := range features {
			coords := f.(map[string]interface{})["geometry"].(map[string]interface{})["coordinates"].([]interface{})
			got = append(got, geo.LatLon{Lat: coords[1].(float64), Lon: coords[0].(float64)})
		}
		for _, ll := range want {
			found := false
			for _, g := range got {
				if math.Abs(g.Lat-ll.Lat) < 1e-9 && math.Abs(g.Lon-ll.Lon) < 1e-9 {
					found = true
				}
			}
			assert.True(t, found, "missing feature at %v", ll)
		}
	}
}

func TestGeo_QueryDetectCoordinateFields(t *testing.T) {
	env := setupGeoTest(t)

	props := pointProps()
	props["detectCoordinateFields"] = true
	resp := doJSON(t, env.app, "POST", "/api/v1/geo/query", map[string]interface{}{
		"sql":        "SELECT _field, _value, station FROM series",
		"view_id":    "view-2",
		"properties": props,
	})
	require.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(headerPivotID))
	assert.Len(t, decode(t, resp)["features"], 2)

	// without pivoting the _field/_value rows carry no coordinates
	resp = doJSON(t, env.app, "POST", "/api/v1/geo/query", map[string]interface{}{
		"sql":        "SELECT _field, _value, station FROM series",
		"view_id":    "view-2",
		"properties": pointProps(),
	})
	require.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(headerPivotID))
	assert.Len(t, decode(t, resp)["features"], 0)
}

func TestGeo_QueryFlatGeobuf(t *testing.T) {
	env := setupGeoTest(t)

	resp := doJSON(t, env.app, "POST", "/api/v1/geo/query", map[string]interface{}{
		"sql":        "SELECT lat, lon, temp FROM points",
		"view_id":    "view-1",
		"properties": pointProps(),
		"format":     "flatgeobuf",
	})
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "application/flatgeobuf", resp.Header.Get("Content-Type"))

	data, _ := io.ReadAll(resp.Body)
	require.Greater(t, len(data), 8)
	assert.Equal(t, []byte("fgb"), data[:3])
}

func TestGeo_QueryErrors(t *testing.T) {
	env := setupGeoTest(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing sql", map[string]interface{}{"view_id": "v", "properties": pointProps()}},
		{"missing view", map[string]interface{}{"sql": "SELECT 1", "properties": pointProps()}},
		{"missing properties", map[string]interface{}{"sql": "SELECT 1", "view_id": "v"}},
		{"bad format", map[string]interface{}{"sql": "SELECT 1", "view_id": "v", "properties": pointProps(), "format": "kml"}},
		{"bad sql", map[string]interface{}{"sql": "SELECT * FROM nope", "view_id": "v", "properties": pointProps()}},
		{"no layers", map[string]interface{}{"sql": "SELECT 1", "view_id": "v", "properties": map[string]interface{}{"zoom": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, env.app, "POST", "/api/v1/geo/query", tt.body)
			assert.Equal(t, 400, resp.StatusCode)
			out := decode(t, resp)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func postTable(t *testing.T, app *fiber.App, url, contentType string, payload []byte, props interface{}) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("POST", url, bytes.NewReader(payload))
	req.Header.Set("Content-Type", contentType)
	if props != nil {
		p, err := json.Marshal(props)
		require.NoError(t, err)
		req.Header.Set(headerProperties, string(p))
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func seriesMsgPack(t *testing.T) []byte {
	t.Helper()
	src := table.MustFromColumns(
		[]string{"_field", "_value", "station"},
		map[string][]interface{}{
			"_field":  {"lat", "lon", "lat", "lon"},
			"_value":  {50.0, 14.0, 51.0, 15.0},
			"station": {"a", "a", "b", "b"},
		},
	)
	data, err := table.EncodeMsgPack(src)
	require.NoError(t, err)
	return data
}

func TestGeo_RenderTableMsgPack(t *testing.T) {
	env := setupGeoTest(t)

	resp := postTable(t, env.app, "/api/v1/geo/table?view_id=v1&auto_pivoting=true", contentTypeMsgPack, seriesMsgPack(t), pointProps())
	require.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(headerPivotID))
	assert.Len(t, decode(t, resp)["features"], 2)
}

func TestGeo_RenderTableGzip(t *testing.T) {
	env := setupGeoTest(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(seriesMsgPack(t))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	resp := postTable(t, env.app, "/api/v1/geo/table?view_id=v1&auto_pivoting=true", contentTypeMsgPack, buf.Bytes(), pointProps())
	require.Equal(t, 200, resp.StatusCode)
	assert.Len(t, decode(t, resp)["features"], 2)
}

func TestGeo_RenderTableArrow(t *testing.T) {
	env := setupGeoTest(t)

	db, err := database.New(&database.Config{InitSQL: testInitSQL}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	src, err := db.QueryTable(t.Context(), "SELECT lat, lon, temp FROM points")
	require.NoError(t, err)
	defer src.Release()

	var buf bytes.Buffer
	require.NoError(t, table.WriteIPC(&buf, src))

	resp := postTable(t, env.app, "/api/v1/geo/table?view_id=v1", contentTypeArrow, buf.Bytes(), pointProps())
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get(headerRowCount))
	assert.Len(t, decode(t, resp)["features"], 3)
}

func TestGeo_RenderTableErrors(t *testing.T) {
	env := setupGeoTest(t)
	payload := seriesMsgPack(t)

	tests := []struct {
		name        string
		url         string
		contentType string
		payload     []byte
		props       interface{}
	}{
		{"missing view", "/api/v1/geo/table", contentTypeMsgPack, payload, pointProps()},
		{"missing properties", "/api/v1/geo/table?view_id=v", contentTypeMsgPack, payload, nil},
		{"invalid properties", "/api/v1/geo/table?view_id=v", contentTypeMsgPack, payload, map[string]interface{}{"zoom": 99}},
		{"bad auto_pivoting", "/api/v1/geo/table?view_id=v&auto_pivoting=maybe", contentTypeMsgPack, payload, pointProps()},
		{"empty payload", "/api/v1/geo/table?view_id=v", contentTypeMsgPack, nil, pointProps()},
		{"unknown content type", "/api/v1/geo/table?view_id=v", "text/csv", payload, pointProps()},
		{"corrupt payload", "/api/v1/geo/table?view_id=v", contentTypeArrow, []byte("not arrow"), pointProps()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postTable(t, env.app, tt.url, tt.contentType, tt.payload, tt.props)
			assert.Equal(t, 400, resp.StatusCode)
		})
	}
}

func TestGeo_Columns(t *testing.T) {
	env := setupGeoTest(t)

	resp := doJSON(t, env.app, "POST", "/api/v1/geo/columns", map[string]interface{}{
		"sql": "SELECT lat, lon, temp FROM points",
	})
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []interface{}{"lat", "lon", "temp"}, decode(t, resp)["columns"])

	resp = doJSON(t, env.app, "POST", "/api/v1/geo/columns", map[string]interface{}{
		"sql":           "SELECT _field, _value, station FROM series",
		"auto_pivoting": true,
	})
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []interface{}{"lat", "lon"}, decode(t, resp)["columns"])
}

func TestGeo_Viewport(t *testing.T) {
	env := setupGeoTest(t)

	resp := doJSON(t, env.app, "POST", "/api/v1/geo/viewport", map[string]interface{}{
		"width": 800, "height": 600, "lat": 0, "lon": 10, "zoom": 0,
	})
	require.Equal(t, 200, resp.StatusCode)
	out := decode(t, resp)
	vars := out["variables"].([]interface{})
	require.Len(t, vars, 3)
	assert.Equal(t, "lon", vars[0].(map[string]interface{})["name"])
	assert.Equal(t, 10.0, vars[0].(map[string]interface{})["value"])
	assert.Equal(t, 1.75, out["min_zoom"])

	resp = doJSON(t, env.app, "POST", "/api/v1/geo/viewport", map[string]interface{}{
		"width": 0, "height": 600,
	})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGeo_ExportRoundTrip(t *testing.T) {
	env := setupGeoTest(t)

	resp := doJSON(t, env.app, "POST", "/api/v1/geo/export", map[string]interface{}{
		"sql":        "SELECT lat, lon, temp FROM points",
		"view_id":    "view-1",
		"properties": pointProps(),
		"name":       "my points",
	})
	require.Equal(t, 201, resp.StatusCode)
	out := decode(t, resp)
	res := out["export"].(map[string]interface{})
	p := res["path"].(string)
	assert.True(t, strings.HasPrefix(p, export.Prefix+"/"))
	assert.True(t, strings.HasSuffix(p, "/my_points.geojson"))
	assert.Equal(t, 3.0, res["features"])

	resp = doJSON(t, env.app, "GET", "/api/v1/geo/exports", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []interface{}{p}, decode(t, resp)["exports"])

	resp = doJSON(t, env.app, "GET", "/api/v1/geo/"+p, nil)
	require.Equal(t, 200, resp.StatusCode)
	fc := decode(t, resp)
	assert.Len(t, fc["features"], 3)

	resp = doJSON(t, env.app, "GET", "/api/v1/geo/exports/2020/01/01/missing.geojson", nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestGeo_SecretsAndTileServer(t *testing.T) {
	env := setupGeoTest(t)

	resp := doJSON(t, env.app, "GET", "/api/v1/geo/tile-server", nil)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, tileserver.DefaultTileServerURL, decode(t, resp)["tileServerUrl"])

	url := "https://tiles.example.com/{z}/{x}/{y}.png"
	resp = doJSON(t, env.app, "PUT", "/api/v1/geo/secrets/"+tileserver.SecretTileServerURL, map[string]interface{}{"value": url})
	require.Equal(t, 200, resp.StatusCode)

	// the update invalidates the cached configuration
	resp = doJSON(t, env.app, "GET", "/api/v1/geo/tile-server", nil)
	assert.Equal(t, url, decode(t, resp)["tileServerUrl"])

	// other organizations are unaffected
	resp = doJSON(t, env.app, "GET", "/api/v1/geo/tile-server?org=other", nil)
	assert.Equal(t, tileserver.DefaultTileServerURL, decode(t, resp)["tileServerUrl"])

	resp = doJSON(t, env.app, "GET", "/api/v1/geo/secrets", nil)
	assert.Equal(t, []interface{}{tileserver.SecretTileServerURL}, decode(t, resp)["keys"])

	resp = doJSON(t, env.app, "DELETE", "/api/v1/geo/secrets/"+tileserver.SecretTileServerURL, nil)
	require.Equal(t, 200, resp.StatusCode)
	resp = doJSON(t, env.app, "GET", "/api/v1/geo/tile-server", nil)
	assert.Equal(t, tileserver.DefaultTileServerURL, decode(t, resp)["tileServerUrl"])

	resp = doJSON(t, env.app, "PUT", "/api/v1/geo/secrets/x", map[string]interface{}{})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGeo_AutoPivotingPrecedence(t *testing.T) {
	h := &GeoHandler{cfg: GeoHandlerConfig{AutoPivoting: true}}
	yes, no := true, false

	assert.True(t, h.autoPivoting(nil, nil))
	assert.False(t, h.autoPivoting(nil, &layers.ViewProperties{}))
	assert.True(t, h.autoPivoting(nil, &layers.ViewProperties{DetectCoordinateFields: true}))
	assert.False(t, h.autoPivoting(&no, &layers.ViewProperties{DetectCoordinateFields: true}))
	assert.True(t, h.autoPivoting(&yes, &layers.ViewProperties{}))
}

func TestGeo_RowLimit(t *testing.T) {
	h := &GeoHandler{cfg: GeoHandlerConfig{MaxRows: 3000}}
	assert.Equal(t, 2000, h.rowLimit(&layers.ViewProperties{Layers: []layers.Layer{{Type: layers.PointMap}}}))
	assert.Equal(t, 3000, h.rowLimit(&layers.ViewProperties{Layers: []layers.Layer{{Type: layers.Heatmap}}}))

	h.cfg.MaxRows = 0
	assert.Equal(t, 100000, h.rowLimit(&layers.ViewProperties{Layers: []layers.Layer{{Type: layers.Heatmap}}}))
}
