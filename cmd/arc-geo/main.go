package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/arc-geo/internal/api"
	"github.com/basekick-labs/arc-geo/internal/cache"
	"github.com/basekick-labs/arc-geo/internal/config"
	"github.com/basekick-labs/arc-geo/internal/database"
	"github.com/basekick-labs/arc-geo/internal/export"
	"github.com/basekick-labs/arc-geo/internal/logger"
	"github.com/basekick-labs/arc-geo/internal/metrics"
	"github.com/basekick-labs/arc-geo/internal/pivotregistry"
	"github.com/basekick-labs/arc-geo/internal/scheduler"
	"github.com/basekick-labs/arc-geo/internal/secrets"
	"github.com/basekick-labs/arc-geo/internal/shutdown"
	"github.com/basekick-labs/arc-geo/internal/storage"
	"github.com/basekick-labs/arc-geo/internal/tileserver"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting arc-geo...")

	metrics.Init(logger.Get("metrics"))

	shutdownCoordinator := shutdown.New(time.Duration(cfg.Server.ShutdownTimeout)*time.Second, logger.Get("shutdown"))

	// DuckDB runs the layer queries
	db, err := database.New(&database.Config{
		Path:           cfg.Database.Path,
		MaxConnections: cfg.Database.MaxConnections,
		MemoryLimit:    cfg.Database.MemoryLimit,
		ThreadCount:    cfg.Database.ThreadCount,
		InitSQL:        cfg.Database.InitSQL,
	}, logger.Get("database"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	shutdownCoordinator.Register("database", db, shutdown.PriorityDatabase)

	storageBackend, err := newStorageBackend(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to initialize storage backend")
	}
	shutdownCoordinator.Register("storage", storageBackend, shutdown.PriorityStorage)
	log.Info().Str("backend", storageBackend.Type()).Msg("Storage backend initialized")

	renderCache, err := newCache(cfg.Cache)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Cache.Backend).Msg("Failed to initialize render cache")
	}
	shutdownCoordinator.Register("cache", renderCache, shutdown.PriorityCache)
	if mc, ok := renderCache.(*cache.MemoryCache); ok {
		stop := make(chan struct{})
		go sweepCache(mc, time.Duration(cfg.Cache.DefaultTTL)*time.Second, stop)
		shutdownCoordinator.RegisterHook("cache-sweeper", func(ctx context.Context) error {
			close(stop)
			return nil
		}, shutdown.PriorityScheduler)
	}

	secretStore, err := secrets.NewSQLiteStore(cfg.Secrets.DBPath, logger.Get("secrets"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open secrets store")
	}
	shutdownCoordinator.Register("secrets", secretStore, shutdown.PrioritySecrets)

	resolver, err := tileserver.NewResolver(secretStore, tileserver.ResolverConfig{
		RefreshSchedule: cfg.TileServer.RefreshSchedule,
		LoadTimeout:     cfg.TileServer.LoadTimeout,
	}, logger.Get("tile-server"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tile server resolver")
	}
	if err := resolver.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tile server refresh")
	}
	shutdownCoordinator.RegisterHook("tile-server-refresh", resolver.Stop, shutdown.PriorityScheduler)

	registry := pivotregistry.NewRegistry(&pivotregistry.RegistryConfig{
		HistorySize: cfg.Registry.HistorySize,
	}, logger.Get("pivot-registry"))

	exporter := export.NewExporter(storageBackend, logger.Get("export"))

	if cfg.Export.RetentionDays > 0 {
		retention, err := scheduler.NewRetentionScheduler(&scheduler.RetentionSchedulerConfig{
			Pruner:        exporter,
			RetentionDays: cfg.Export.RetentionDays,
			Schedule:      cfg.Export.RetentionSchedule,
			Logger:        logger.Get("export-retention"),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create export retention scheduler")
		}
		if err := retention.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start export retention scheduler")
		}
		shutdownCoordinator.RegisterHook("export-retention", func(ctx context.Context) error {
			retention.Stop()
			return nil
		}, shutdown.PriorityScheduler)
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		MaxPayloadSize:  cfg.Server.MaxPayloadSize,
	}
	if cfg.Server.TLSEnabled {
		serverConfig.TLS = &api.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile}
	}
	server := api.NewServer(serverConfig, logger.Get("server"))
	server.AddReadinessCheck("database", db.Ping)
	server.RegisterRoutes()

	geoHandler := api.NewGeoHandler(&api.GeoHandlerConfig{
		DB:               db,
		Cache:            renderCache,
		CacheTTL:         time.Duration(cfg.Cache.DefaultTTL) * time.Second,
		Registry:         registry,
		Resolver:         resolver,
		Secrets:          secretStore,
		Exporter:         exporter,
		MaxRows:          cfg.Geo.MaxRows,
		AutoPivoting:     cfg.Geo.AutoPivoting,
		PivotTimeout:     cfg.Geo.PivotTimeout,
		ProcessorIdleTTL: cfg.Geo.ProcessorIdleTTL,
		DefaultOrg:       cfg.TileServer.DefaultOrg,
		MaxPayloadSize:   cfg.Server.MaxPayloadSize,
	}, logger.Get("geo-api"))
	geoHandler.RegisterRoutes(server.GetApp())
	api.NewPivotTaskHandler(registry, logger.Get("pivot-tasks-api")).RegisterRoutes(server.GetApp())

	// Views first so their pivots are superseded before the registry waits on them
	shutdownCoordinator.RegisterHook("pivots", func(ctx context.Context) error {
		geoHandler.Close()
		return registry.Close()
	}, shutdown.PriorityPivots)

	shutdownCoordinator.RegisterHook("http-server", server.Shutdown, shutdown.PriorityHTTPServer)

	errCh := server.Start()

	protocol := "HTTP"
	if cfg.Server.TLSEnabled {
		protocol = "HTTPS"
	}
	log.Info().
		Int("port", cfg.Server.Port).
		Str("protocol", protocol).
		Str("version", Version).
		Msg("arc-geo is ready!")

	go func() {
		if err, ok := <-errCh; ok && err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			shutdownCoordinator.TriggerShutdown()
		}
	}()

	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}

	log.Info().Msg("arc-geo shutdown complete")
}

func newStorageBackend(cfg config.StorageConfig) (storage.Backend, error) {
	l := logger.Get("storage")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var backend storage.Backend
	var err error
	switch cfg.Backend {
	case "local":
		// local disks fail loudly, not transiently
		return storage.NewLocalBackend(cfg.LocalPath, l)
	case "s3", "minio":
		backend, err = storage.NewS3Backend(ctx, &storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		}, l)
	case "azure", "azblob":
		backend, err = storage.NewAzureBlobBackend(ctx, &storage.AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
		}, l)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q (use 'local', 's3', 'minio', 'azure', or 'azblob')", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	rc := storage.DefaultResilientConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.RetryDelay = time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond
	rc.MaxFailures = cfg.BreakerMaxFailures
	rc.Timeout = time.Duration(cfg.BreakerTimeoutSecs) * time.Second
	return storage.NewResilientBackend(backend, rc, l), nil
}

func newCache(cfg config.CacheConfig) (cache.Cache, error) {
	if !cfg.Enabled {
		return cache.Noop{}, nil
	}
	if cfg.Backend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  2 * time.Second,
		}, logger.Get("cache"))
	}
	return cache.NewMemoryCache(time.Duration(cfg.DefaultTTL)*time.Second, cfg.MaxEntries), nil
}

// sweepCache drops expired render results until stop is closed.
func sweepCache(c *cache.MemoryCache, every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-stop:
			return
		}
	}
}
