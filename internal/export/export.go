// Package export encodes rendered map layers as GeoJSON or FlatGeobuf and
// stores them in a storage backend.
package export

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/basekick-labs/arc-geo/internal/metrics"
	"github.com/basekick-labs/arc-geo/internal/storage"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
)

// Format is an export encoding.
type Format string

const (
	FormatGeoJSON    Format = "geojson"
	FormatFlatGeobuf Format = "flatgeobuf"
)

// ParseFormat accepts the format names and their file extensions. An empty
// string means GeoJSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "geojson", "json":
		return FormatGeoJSON, nil
	case "flatgeobuf", "fgb":
		return FormatFlatGeobuf, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// Extension returns the file extension, without the dot.
func (f Format) Extension() string {
	if f == FormatFlatGeobuf {
		return "fgb"
	}
	return "geojson"
}

// ContentType returns the MIME type.
func (f Format) ContentType() string {
	if f == FormatFlatGeobuf {
		return "application/flatgeobuf"
	}
	return "application/geo+json"
}

// GeoJSON marshals fc, including its foreign members.
func GeoJSON(fc *geojson.FeatureCollection) ([]byte, error) {
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode geojson: %w", err)
	}
	return data, nil
}

// Encode writes fc in format f.
func Encode(fc *geojson.FeatureCollection, f Format, name string) ([]byte, error) {
	switch f {
	case FormatGeoJSON:
		return GeoJSON(fc)
	case FormatFlatGeobuf:
		var buf bytes.Buffer
		if err := FlatGeobuf(&buf, fc, FlatGeobufOptions{Name: name, IncludeIndex: true}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported export format %q", f)
}

// Result describes a stored export.
type Result struct {
	Path     string    `json:"path"`
	Format   Format    `json:"format"`
	Size     int       `json:"size"`
	Features int       `json:"features"`
	Created  time.Time `json:"created"`
}

// Prefix is the storage prefix exports live under.
const Prefix = "exports"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Exporter writes encoded layers to a storage backend.
type Exporter struct {
	backend storage.Backend
	logger  zerolog.Logger
	now     func() time.Time
}

// NewExporter creates an exporter over backend.
func NewExporter(backend storage.Backend, logger zerolog.Logger) *Exporter {
	return &Exporter{
		backend: backend,
		logger:  logger.With().Str("component", "geo-export").Logger(),
		now:     time.Now,
	}
}

// Export encodes fc and stores it under exports/<yyyy>/<mm>/<dd>/. name is
// sanitized; an empty name gets a random one.
func (e *Exporter) Export(ctx context.Context, fc *geojson.FeatureCollection, f Format, name string) (*Result, error) {
	m := metrics.Get()
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = uuid.New().String()
	}

	data, err := Encode(fc, f, name)
	if err != nil {
		m.IncExportErrors()
		return nil, err
	}

	now := e.now().UTC()
	p := path.Join(Prefix, now.Format("2006/01/02"), name+"."+f.Extension())
	if err := e.backend.Write(ctx, p, data); err != nil {
		m.IncExportErrors()
		e.logger.Error().Err(err).Str("path", p).Msg("Failed to store export")
		return nil, fmt.Errorf("failed to store export: %w", err)
	}

	m.IncExports()
	m.IncExportBytes(int64(len(data)))
	e.logger.Info().
		Str("path", p).
		Str("format", string(f)).
		Int("features", len(fc.Features)).
		Int("size", len(data)).
		Msg("Stored export")

	return &Result{Path: p, Format: f, Size: len(data), Features: len(fc.Features), Created: now}, nil
}

// List returns the stored export paths.
func (e *Exporter) List(ctx context.Context) ([]string, error) {
	return e.backend.List(ctx, Prefix)
}

// Read returns a stored export. Paths outside the export prefix are rejected.
func (e *Exporter) Read(ctx context.Context, p string) ([]byte, error) {
	clean := path.Clean("/" + p)[1:]
	if !strings.HasPrefix(clean, Prefix+"/") {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, p)
	}
	return e.backend.Read(ctx, clean)
}

// StoredDate returns the UTC day encoded in an export path.
func StoredDate(p string) (time.Time, bool) {
	parts := strings.Split(p, "/")
	if len(parts) < 5 || parts[0] != Prefix {
		return time.Time{}, false
	}
	day, err := time.Parse("2006/01/02", strings.Join(parts[1:4], "/"))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Prune deletes the exports stored on a day before cutoff and returns how
// many were deleted. Paths without a date are left alone.
func (e *Exporter) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	paths, err := e.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list exports: %w", err)
	}

	cutoff = cutoff.UTC().Truncate(24 * time.Hour)
	deleted := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		day, ok := StoredDate(p)
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := e.backend.Delete(ctx, p); err != nil {
			e.logger.Warn().Err(err).Str("path", p).Msg("Failed to delete expired export")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		e.logger.Info().
			Int("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Pruned expired exports")
	}
	return deleted, nil
}
