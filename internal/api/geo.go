package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/basekick-labs/arc-geo/internal/cache"
	"github.com/basekick-labs/arc-geo/internal/export"
	"github.com/basekick-labs/arc-geo/internal/geo"
	"github.com/basekick-labs/arc-geo/internal/layers"
	"github.com/basekick-labs/arc-geo/internal/metrics"
	"github.com/basekick-labs/arc-geo/internal/pivotregistry"
	"github.com/basekick-labs/arc-geo/internal/storage"
	"github.com/basekick-labs/arc-geo/internal/table"
	"github.com/basekick-labs/arc-geo/internal/tileserver"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
)

// Header names used by the geo endpoints.
const (
	headerProperties = "x-geo-properties"
	headerOrg        = "x-geo-org"
	headerCache      = "x-geo-cache"
	headerTruncated  = "x-geo-truncated"
	headerRowCount   = "x-geo-row-count"
	headerPivotID    = "x-geo-pivot-id"

	contentTypeArrow   = "application/vnd.apache.arrow.stream"
	contentTypeMsgPack = "application/msgpack"
)

// Querier runs SQL and returns the result as an Arrow table.
type Querier interface {
	QueryTable(ctx context.Context, query string, args ...interface{}) (*table.ArrowTable, error)
}

// SecretStore persists per-organization secrets.
type SecretStore interface {
	Set(ctx context.Context, org, key, value string) error
	Delete(ctx context.Context, org, key string) error
	Keys(ctx context.Context, org string) ([]string, error)
}

// GeoHandlerConfig wires the geo endpoints to their dependencies.
type GeoHandlerConfig struct {
	DB       Querier
	Cache    cache.Cache // nil disables render caching
	CacheTTL time.Duration
	Registry *pivotregistry.Registry
	Resolver *tileserver.Resolver
	Secrets  SecretStore
	Exporter *export.Exporter

	MaxRows          int  // hard cap applied on top of per-layer limits
	AutoPivoting     bool // used when neither the request nor the view says
	PivotTimeout     time.Duration
	ProcessorIdleTTL time.Duration
	DefaultOrg       string
	MaxPayloadSize   int64
}

// GeoHandler serves map layer rendering, export and tile configuration.
type GeoHandler struct {
	cfg    GeoHandlerConfig
	views  *viewStore
	logger zerolog.Logger
}

var validate = validator.New()

// NewGeoHandler creates the geo API handler.
func NewGeoHandler(cfg *GeoHandlerConfig, logger zerolog.Logger) *GeoHandler {
	c := *cfg
	if c.Cache == nil {
		c.Cache = cache.Noop{}
	}
	if c.PivotTimeout <= 0 {
		c.PivotTimeout = 30 * time.Second
	}
	if c.DefaultOrg == "" {
		c.DefaultOrg = "default"
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 256 * 1024 * 1024
	}
	if c.Registry == nil {
		c.Registry = pivotregistry.NewRegistry(nil, logger)
	}
	l := logger.With().Str("component", "geo-api").Logger()
	return &GeoHandler{
		cfg:    c,
		views:  newViewStore(c.ProcessorIdleTTL, l),
		logger: l,
	}
}

// RegisterRoutes registers the geo routes under /api/v1/geo.
func (h *GeoHandler) RegisterRoutes(app fiber.Router) {
	group := app.Group("/api/v1/geo")

	group.Post("/query", h.query)
	group.Post("/table", h.renderTable)
	group.Post("/columns", h.columns)
	group.Post("/viewport", h.viewport)

	group.Post("/export", h.exportLayer)
	group.Get("/exports", h.listExports)
	group.Get("/exports/*", h.getExport)

	group.Get("/tile-server", h.tileServer)
	group.Get("/secrets", h.listSecrets)
	group.Put("/secrets/:key", h.putSecret)
	group.Delete("/secrets/:key", h.deleteSecret)
}

// Close cancels pending pivots of every view.
func (h *GeoHandler) Close() error {
	return h.views.Close()
}

type queryRequest struct {
	SQL          string                 `json:"sql" validate:"required"`
	ViewID       string                 `json:"view_id" validate:"required,max=128"`
	Properties   *layers.ViewProperties `json:"properties" validate:"required"`
	Format       string                 `json:"format"`
	AutoPivoting *bool                  `json:"auto_pivoting"`
}

type exportRequest struct {
	queryRequest
	Name string `json:"name" validate:"max=200"`
}

type columnsRequest struct {
	SQL          string `json:"sql" validate:"required"`
	AutoPivoting *bool  `json:"auto_pivoting"`
}

type viewportRequest struct {
	Width  int     `json:"width" validate:"gt=0"`
	Height int     `json:"height" validate:"gt=0"`
	Lat    float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon    float64 `json:"lon" validate:"gte=-180,lte=180"`
	Zoom   float64 `json:"zoom" validate:"gte=0,lte=28"`
}

type secretRequest struct {
	Value string `json:"value" validate:"required"`
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   msg,
	})
}

// parseBody decodes and validates a JSON request body into v.
func parseBody(c *fiber.Ctx, v interface{}) error {
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (h *GeoHandler) org(c *fiber.Ctx) string {
	if org := c.Get(headerOrg); org != "" {
		return org
	}
	if org := c.Query("org"); org != "" {
		return org
	}
	return h.cfg.DefaultOrg
}

// autoPivoting resolves the pivot switch: an explicit request value wins,
// then the view's coordinate detection, then the configured default.
func (h *GeoHandler) autoPivoting(override *bool, props *layers.ViewProperties) bool {
	if override != nil {
		return *override
	}
	if props != nil {
		return props.DetectCoordinateFields
	}
	return h.cfg.AutoPivoting
}

func (h *GeoHandler) rowLimit(props *layers.ViewProperties) int {
	limit := layers.RowLimit(props.Layers)
	if h.cfg.MaxRows > 0 && h.cfg.MaxRows < limit {
		return h.cfg.MaxRows
	}
	return limit
}

// rendered is the outcome of pushing one table through a view.
type rendered struct {
	fc        *geojson.FeatureCollection
	rowCount  int
	truncated bool
	pivotID   string
}

// render preprocesses src for the view, waits for a pivot when one is
// needed and draws the layers. release frees src once the pivot is done
// and the layers are drawn.
func (h *GeoHandler) render(ctx context.Context, viewID string, src table.Table, release func(), props *layers.ViewProperties, autoPivot bool) (*rendered, error) {
	proc := h.views.processor(viewID)
	gt, task := proc.Preprocess(ctx, src, geo.Options{MaxRows: h.rowLimit(props), AutoPivoting: autoPivot}, nil)

	out := &rendered{}
	if task == nil {
		defer release()
	} else {
		// the pivoted table reads key columns from src, so src outlives
		// rendering; a failed wait may leave the pivot still running
		defer func() {
			go func() {
				<-task.Done()
				release()
			}()
		}()

		out.pivotID = h.cfg.Registry.Track(viewID, src.Len(), task)
		waitCtx, cancel := context.WithTimeout(ctx, h.cfg.PivotTimeout)
		defer cancel()

		var err error
		gt, err = task.Wait(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				task.Cancel()
			}
			return nil, err
		}
	}

	out.fc = layers.Render(gt, props)
	out.rowCount = gt.RowCount()
	out.truncated = gt.IsTruncated()
	if out.pivotID != "" {
		out.fc.ExtraMembers["pivotId"] = out.pivotID
	}

	m := metrics.Get()
	m.IncRowsRendered(int64(out.rowCount))
	m.IncFeaturesRendered(int64(len(out.fc.Features)))
	return out, nil
}

// renderError maps pivot and query failures to HTTP responses.
func (h *GeoHandler) renderError(c *fiber.Ctx, viewID string, err error) error {
	switch {
	case errors.Is(err, geo.ErrSuperseded):
		return fail(c, fiber.StatusConflict, "superseded by a newer request for this view")
	case errors.Is(err, context.Canceled):
		return fail(c, fiber.StatusConflict, "pivot cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return fail(c, fiber.StatusGatewayTimeout, "pivot timed out")
	}
	h.logger.Error().Err(err).Str("view_id", viewID).Msg("Failed to render view")
	return fail(c, fiber.StatusInternalServerError, err.Error())
}

func (h *GeoHandler) send(c *fiber.Ctx, r *rendered, f export.Format, name string) error {
	data, err := export.Encode(r.fc, f, name)
	if err != nil {
		if errors.Is(err, export.ErrNoFeatures) {
			return fail(c, fiber.StatusUnprocessableEntity, err.Error())
		}
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	c.Set(headerRowCount, strconv.Itoa(r.rowCount))
	c.Set(headerTruncated, strconv.FormatBool(r.truncated))
	if r.pivotID != "" {
		c.Set(headerPivotID, r.pivotID)
	}
	c.Set(fiber.HeaderContentType, f.ContentType())
	return c.Send(data)
}

// query runs SQL, renders the view and returns GeoJSON or FlatGeobuf.
func (h *GeoHandler) query(c *fiber.Ctx) error {
	var req queryRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	f, err := export.ParseFormat(req.Format)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	auto := h.autoPivoting(req.AutoPivoting, req.Properties)
	ctx := c.UserContext()

	propsJSON, _ := json.Marshal(req.Properties)
	key := cache.Key("query", req.SQL, string(propsJSON), string(f), strconv.FormatBool(auto))
	if data, ok := h.cfg.Cache.Get(ctx, key); ok {
		metrics.Get().IncCacheHit()
		c.Set(headerCache, "hit")
		c.Set(fiber.HeaderContentType, f.ContentType())
		return c.Send(data)
	}
	metrics.Get().IncCacheMiss()

	src, err := h.cfg.DB.QueryTable(ctx, req.SQL)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	r, err := h.render(ctx, req.ViewID, src, src.Release, req.Properties, auto)
	if err != nil {
		return h.renderError(c, req.ViewID, err)
	}

	if err := h.send(c, r, f, req.ViewID); err != nil {
		return err
	}
	if c.Response().StatusCode() == fiber.StatusOK {
		body := append([]byte(nil), c.Response().Body()...)
		h.cfg.Cache.Set(ctx, key, body, h.cfg.CacheTTL)
	}
	c.Set(headerCache, "miss")
	return nil
}

// decodeTable reads an Arrow IPC stream or a columnar msgpack body,
// optionally gzip compressed.
func (h *GeoHandler) decodeTable(c *fiber.Ctx) (table.Table, func(), error) {
	payload := c.Request().Body()
	if len(payload) == 0 {
		return nil, nil, errors.New("empty payload")
	}
	if isGzip(payload) {
		var err error
		payload, err = gunzip(payload, h.cfg.MaxPayloadSize)
		if err != nil {
			return nil, nil, err
		}
	}

	ct := strings.ToLower(c.Get(fiber.HeaderContentType))
	switch {
	case strings.HasPrefix(ct, contentTypeArrow), strings.Contains(ct, "arrow"):
		t, err := table.ReadIPC(bytes.NewReader(payload), memory.DefaultAllocator)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Release, nil
	case strings.Contains(ct, "msgpack"):
		t, err := table.DecodeMsgPack(payload)
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported content type %q (use %s or %s)", ct, contentTypeArrow, contentTypeMsgPack)
	}
}

// renderTable renders a client-supplied table. The view properties travel
// in the x-geo-properties header.
func (h *GeoHandler) renderTable(c *fiber.Ctx) error {
	viewID := c.Query("view_id")
	if viewID == "" {
		return fail(c, fiber.StatusBadRequest, "view_id is required")
	}
	f, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	raw := c.Get(headerProperties)
	if raw == "" {
		return fail(c, fiber.StatusBadRequest, headerProperties+" header is required")
	}
	var props layers.ViewProperties
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return fail(c, fiber.StatusBadRequest, fmt.Sprintf("invalid %s header: %v", headerProperties, err))
	}
	if err := props.Validate(); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	var override *bool
	if v := c.Query("auto_pivoting"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid auto_pivoting")
		}
		override = &b
	}

	src, release, err := h.decodeTable(c)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) {
			return fail(c, fiber.StatusRequestEntityTooLarge, err.Error())
		}
		return fail(c, fiber.StatusBadRequest, fmt.Sprintf("invalid table payload: %v", err))
	}

	r, err := h.render(c.UserContext(), viewID, src, release, &props, h.autoPivoting(override, &props))
	if err != nil {
		return h.renderError(c, viewID, err)
	}
	return h.send(c, r, f, viewID)
}

// columns lists the fields selectable for a layer of the query result.
func (h *GeoHandler) columns(c *fiber.Ctx) error {
	var req columnsRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	src, err := h.cfg.DB.QueryTable(c.UserContext(), req.SQL)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	defer src.Release()

	return c.JSON(fiber.Map{
		"success": true,
		"columns": geo.ColumnNames(src, h.autoPivoting(req.AutoPivoting, nil)),
	})
}

// viewport returns the lon, lat and radius query variables for a map size.
func (h *GeoHandler) viewport(c *fiber.Ctx) error {
	var req viewportRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"variables": layers.VariableAssignment(req.Width, req.Height, req.Lat, req.Lon, req.Zoom),
		"min_zoom":  layers.MinZoom(req.Width),
	})
}

// exportLayer renders a query and stores the result.
func (h *GeoHandler) exportLayer(c *fiber.Ctx) error {
	var req exportRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	f, err := export.ParseFormat(req.Format)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	ctx := c.UserContext()

	src, err := h.cfg.DB.QueryTable(ctx, req.SQL)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	r, err := h.render(ctx, req.ViewID, src, src.Release, req.Properties, h.autoPivoting(req.AutoPivoting, req.Properties))
	if err != nil {
		return h.renderError(c, req.ViewID, err)
	}

	name := req.Name
	if name == "" {
		name = req.ViewID
	}
	res, err := h.cfg.Exporter.Export(ctx, r.fc, f, name)
	if err != nil {
		if errors.Is(err, export.ErrNoFeatures) {
			return fail(c, fiber.StatusUnprocessableEntity, err.Error())
		}
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":   true,
		"export":    res,
		"truncated": r.truncated,
	})
}

func (h *GeoHandler) listExports(c *fiber.Ctx) error {
	paths, err := h.cfg.Exporter.List(c.UserContext())
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"success": true,
		"exports": paths,
		"count":   len(paths),
	})
}

func (h *GeoHandler) getExport(c *fiber.Ctx) error {
	p := export.Prefix + "/" + c.Params("*")
	data, err := h.cfg.Exporter.Read(c.UserContext(), p)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail(c, fiber.StatusNotFound, "export not found")
		}
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	c.Set(fiber.HeaderContentType, storage.ContentType(p))
	return c.Send(data)
}

func (h *GeoHandler) tileServer(c *fiber.Ctx) error {
	return c.JSON(h.cfg.Resolver.Get(c.UserContext(), h.org(c)))
}

func (h *GeoHandler) listSecrets(c *fiber.Ctx) error {
	keys, err := h.cfg.Secrets.Keys(c.UserContext(), h.org(c))
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"success": true,
		"keys":    keys,
	})
}

// putSecret stores a secret. Values are write-only over the API.
func (h *GeoHandler) putSecret(c *fiber.Ctx) error {
	var req secretRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	org := h.org(c)
	key := c.Params("key")
	if err := h.cfg.Secrets.Set(c.UserContext(), org, key, req.Value); err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	h.cfg.Resolver.Invalidate(org)

	h.logger.Info().Str("org", org).Str("key", key).Msg("Secret updated")
	return c.JSON(fiber.Map{"success": true})
}

func (h *GeoHandler) deleteSecret(c *fiber.Ctx) error {
	org := h.org(c)
	if err := h.cfg.Secrets.Delete(c.UserContext(), org, c.Params("key")); err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	h.cfg.Resolver.Invalidate(org)
	return c.JSON(fiber.Map{"success": true})
}
