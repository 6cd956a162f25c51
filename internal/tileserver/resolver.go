// Package tileserver resolves the map tile-server configuration of an
// organization from its secrets.
package tileserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basekick-labs/arc-geo/internal/circuitbreaker"
	"github.com/basekick-labs/arc-geo/internal/secrets"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTileServerURL is the OpenStreetMap tile template used when no
// tile server is configured.
const DefaultTileServerURL = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"

// Secret keys read by the resolver.
const (
	SecretTileServerURL = "geo.tile.server.url"
	SecretBingKey       = "geo.bing.key"
)

// Configuration is what a map view needs to fetch tiles.
type Configuration struct {
	TileServerURL string `json:"tileServerUrl"`
	BingKey       string `json:"bingKey,omitempty"`
}

// Default returns the configuration used when nothing is configured or
// the secrets cannot be read.
func Default() Configuration {
	return Configuration{TileServerURL: DefaultTileServerURL}
}

// SecretSource looks up secrets. A missing secret is reported with an
// error wrapping secrets.ErrNotFound.
type SecretSource interface {
	Secret(ctx context.Context, org, key string) (string, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// RefreshSchedule is a cron spec on which cached configurations are
	// dropped. Empty disables scheduled refresh.
	RefreshSchedule string
	// LoadTimeout bounds one secret lookup.
	LoadTimeout time.Duration
}

// Resolver caches one Configuration per organization. It is created by the
// application and handed to the components that render maps.
type Resolver struct {
	source  SecretSource
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]Configuration

	// bumped by Invalidate; a load only caches if neither moved meanwhile
	epoch    uint64
	versions map[string]uint64

	schedule string
	cron     *cron.Cron
}

// NewResolver validates cfg.RefreshSchedule and creates a resolver.
func NewResolver(source SecretSource, cfg ResolverConfig, logger zerolog.Logger) (*Resolver, error) {
	if cfg.RefreshSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cfg.RefreshSchedule); err != nil {
			return nil, fmt.Errorf("invalid tile server refresh schedule %q: %w", cfg.RefreshSchedule, err)
		}
	}
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	bcfg := circuitbreaker.DefaultConfig("tile-server-secrets")
	bcfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, secrets.ErrNotFound) && !errors.Is(err, context.Canceled)
	}

	return &Resolver{
		source:   source,
		timeout:  timeout,
		breaker:  circuitbreaker.New(bcfg, logger),
		logger:   logger.With().Str("component", "tile-server").Logger(),
		cache:    make(map[string]Configuration),
		versions: make(map[string]uint64),
		schedule: cfg.RefreshSchedule,
	}, nil
}

// Get returns the configuration of org. Missing secrets fall back to the
// defaults; lookup errors return the default without caching it, so the
// next call retries.
func (r *Resolver) Get(ctx context.Context, org string) Configuration {
	r.mu.RLock()
	c, ok := r.cache[org]
	r.mu.RUnlock()
	if ok {
		return c
	}

	v, err, _ := r.group.Do(org, func() (interface{}, error) {
		// a caller that gives up must not fail the others sharing this load
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		r.mu.RLock()
		epoch, version := r.epoch, r.versions[org]
		r.mu.RUnlock()

		c, err := r.load(loadCtx, org)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.epoch == epoch && r.versions[org] == version {
			r.cache[org] = c
		}
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("org", org).Msg("Failed to load tile server configuration, using default")
		return Default()
	}
	return v.(Configuration)
}

func (r *Resolver) load(ctx context.Context, org string) (Configuration, error) {
	c := Default()
	url, err := r.secret(ctx, org, SecretTileServerURL)
	if err != nil {
		return c, err
	}
	if url != "" {
		c.TileServerURL = url
	}
	if c.BingKey, err = r.secret(ctx, org, SecretBingKey); err != nil {
		return c, err
	}
	return c, nil
}

// secret returns "" for a missing secret.
func (r *Resolver) secret(ctx context.Context, org, key string) (string, error) {
	var v string
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		v, err = r.source.Secret(ctx, org, key)
		return err
	})
	if errors.Is(err, secrets.ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Invalidate drops the cached configuration of org, or of every
// organization when org is empty. Loads already running when Invalidate is
// called still answer their callers but are not cached.
func (r *Resolver) Invalidate(org string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if org == "" {
		r.epoch++
		r.cache = make(map[string]Configuration)
		return
	}
	r.versions[org]++
	delete(r.cache, org)
	r.group.Forget(org)
}

// Start runs the refresh schedule, if any.
func (r *Resolver) Start() error {
	if r.schedule == "" {
		return nil
	}
	r.cron = cron.New(cron.WithLocation(time.UTC), cron.WithParser(cron.NewParser(
		cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
	)))
	if _, err := r.cron.AddFunc(r.schedule, func() {
		r.Invalidate("")
		r.logger.Debug().Msg("Tile server configuration cache cleared")
	}); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info().Str("schedule", r.schedule).Msg("Tile server refresh scheduled")
	return nil
}

// Stop stops the refresh schedule and waits for a running refresh.
func (r *Resolver) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
