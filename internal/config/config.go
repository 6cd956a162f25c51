package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for arc-geo
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Storage    StorageConfig
	Cache      CacheConfig
	Log        LogConfig
	Geo        GeoConfig
	TileServer TileServerConfig
	Secrets    SecretsConfig
	Registry   RegistryConfig
	Export     ExportConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int
	MaxPayloadSize  int64 // Maximum request payload size in bytes (applies to both compressed and decompressed)
	// TLS Configuration
	TLSEnabled  bool   // Enable HTTPS/TLS
	TLSCertFile string // Path to TLS certificate file (PEM format)
	TLSKeyFile  string // Path to TLS private key file (PEM format)
}

type DatabaseConfig struct {
	Path           string // DuckDB file; empty means in-memory
	MaxConnections int
	MemoryLimit    string
	ThreadCount    int
	InitSQL        []string // Statements run once on startup (ATTACH, CREATE VIEW, ...)
}

type StorageConfig struct {
	Backend   string
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string // AWS access key (or use AWS_ACCESS_KEY_ID env var)
	S3SecretKey string // AWS secret key (or use AWS_SECRET_ACCESS_KEY env var)
	S3UseSSL    bool   // Use HTTPS for S3 connections
	S3PathStyle bool   // Use path-style addressing (required for MinIO)
	S3Prefix    string // Key prefix inside the bucket
	// Azure Blob Storage configuration
	AzureConnectionString   string // Connection string (simplest auth method)
	AzureAccountName        string // Storage account name
	AzureAccountKey         string // Storage account key
	AzureSASToken           string // SAS token for scoped access
	AzureContainer          string // Container name
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool   // Use managed identity (Azure-hosted deployments)
	// Retry and circuit breaker around remote backends
	MaxRetries         int
	RetryBaseDelayMS   int
	BreakerMaxFailures int
	BreakerTimeoutSecs int
}

type CacheConfig struct {
	Enabled       bool
	Backend       string // memory or redis
	DefaultTTL    int    // seconds
	MaxEntries    int    // memory backend only
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type LogConfig struct {
	Level  string
	Format string
}

type GeoConfig struct {
	MaxRows          int  // Upper bound on rendered rows; layer limits apply below it
	AutoPivoting     bool // Default when a request does not say
	PivotTimeout     time.Duration
	ProcessorIdleTTL time.Duration // Per-view processors unused this long are dropped
}

type TileServerConfig struct {
	RefreshSchedule string // Cron schedule for dropping cached tile-server settings
	LoadTimeout     time.Duration
	DefaultOrg      string
}

type SecretsConfig struct {
	DBPath string
}

type RegistryConfig struct {
	HistorySize int
}

type ExportConfig struct {
	RetentionDays     int    // 0 disables export pruning
	RetentionSchedule string // Cron schedule for export pruning (default: "0 3 * * *" = 3am daily)
}

// Load loads configuration from a .env file, the environment and an
// optional arc-geo.toml
func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARC_GEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("arc-geo")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/arc-geo/")
	v.AddConfigPath("$HOME/.arc-geo/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	maxPayloadSize, err := ParseSize(v.GetString("server.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_payload_size: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetInt("server.read_timeout"),
			WriteTimeout:    v.GetInt("server.write_timeout"),
			ShutdownTimeout: v.GetInt("server.shutdown_timeout"),
			MaxPayloadSize:  maxPayloadSize,
			TLSEnabled:      v.GetBool("server.tls_enabled"),
			TLSCertFile:     v.GetString("server.tls_cert_file"),
			TLSKeyFile:      v.GetString("server.tls_key_file"),
		},
		Database: DatabaseConfig{
			Path:           v.GetString("database.path"),
			MaxConnections: v.GetInt("database.max_connections"),
			MemoryLimit:    v.GetString("database.memory_limit"),
			ThreadCount:    v.GetInt("database.thread_count"),
			InitSQL:        v.GetStringSlice("database.init_sql"),
		},
		Storage: StorageConfig{
			Backend:     v.GetString("storage.backend"),
			LocalPath:   v.GetString("storage.local_path"),
			S3Bucket:    v.GetString("storage.s3_bucket"),
			S3Region:    v.GetString("storage.s3_region"),
			S3Endpoint:  v.GetString("storage.s3_endpoint"),
			S3AccessKey: v.GetString("storage.s3_access_key"),
			S3SecretKey: v.GetString("storage.s3_secret_key"),
			S3UseSSL:    v.GetBool("storage.s3_use_ssl"),
			S3PathStyle: v.GetBool("storage.s3_path_style"),
			S3Prefix:    v.GetString("storage.s3_prefix"),
			// Azure Blob Storage
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
			MaxRetries:              v.GetInt("storage.max_retries"),
			RetryBaseDelayMS:        v.GetInt("storage.retry_base_delay_ms"),
			BreakerMaxFailures:      v.GetInt("storage.breaker_max_failures"),
			BreakerTimeoutSecs:      v.GetInt("storage.breaker_timeout_secs"),
		},
		Cache: CacheConfig{
			Enabled:       v.GetBool("cache.enabled"),
			Backend:       v.GetString("cache.backend"),
			DefaultTTL:    v.GetInt("cache.default_ttl"),
			MaxEntries:    v.GetInt("cache.max_entries"),
			RedisAddr:     v.GetString("cache.redis_addr"),
			RedisPassword: v.GetString("cache.redis_password"),
			RedisDB:       v.GetInt("cache.redis_db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Geo: GeoConfig{
			MaxRows:          v.GetInt("geo.max_rows"),
			AutoPivoting:     v.GetBool("geo.auto_pivoting"),
			PivotTimeout:     v.GetDuration("geo.pivot_timeout"),
			ProcessorIdleTTL: v.GetDuration("geo.processor_idle_ttl"),
		},
		TileServer: TileServerConfig{
			RefreshSchedule: v.GetString("tile_server.refresh_schedule"),
			LoadTimeout:     v.GetDuration("tile_server.load_timeout"),
			DefaultOrg:      v.GetString("tile_server.default_org"),
		},
		Secrets: SecretsConfig{
			DBPath: v.GetString("secrets.db_path"),
		},
		Registry: RegistryConfig{
			HistorySize: v.GetInt("registry.history_size"),
		},
		Export: ExportConfig{
			RetentionDays:     v.GetInt("export.retention_days"),
			RetentionSchedule: v.GetString("export.retention_schedule"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8010)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.max_payload_size", "256MB")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	// Database defaults - dynamically calculated based on system resources
	v.SetDefault("database.path", "")
	v.SetDefault("database.max_connections", getDefaultMaxConnections())
	v.SetDefault("database.memory_limit", getDefaultMemoryLimit())
	v.SetDefault("database.thread_count", getDefaultThreadCount())
	v.SetDefault("database.init_sql", []string{})

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data/arc-geo")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false) // set true for MinIO
	v.SetDefault("storage.max_retries", 3)
	v.SetDefault("storage.retry_base_delay_ms", 100)
	v.SetDefault("storage.breaker_max_failures", 5)
	v.SetDefault("storage.breaker_timeout_secs", 30)

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.default_ttl", 60)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Geo defaults
	v.SetDefault("geo.max_rows", 100000)
	v.SetDefault("geo.auto_pivoting", true)
	v.SetDefault("geo.pivot_timeout", "30s")
	v.SetDefault("geo.processor_idle_ttl", "10m")

	// Tile server defaults
	v.SetDefault("tile_server.refresh_schedule", "*/15 * * * *") // every 15 minutes
	v.SetDefault("tile_server.load_timeout", "5s")
	v.SetDefault("tile_server.default_org", "default")

	v.SetDefault("secrets.db_path", "./data/arc-geo.db")
	v.SetDefault("registry.history_size", 100)

	// Export retention defaults
	v.SetDefault("export.retention_days", 30)
	v.SetDefault("export.retention_schedule", "0 3 * * *") // 3am daily
}

func getDefaultThreadCount() int {
	return runtime.NumCPU()
}

func getDefaultMaxConnections() int {
	// 2x CPU cores, bounded
	maxConns := runtime.NumCPU() * 2
	if maxConns < 4 {
		return 4
	}
	if maxConns > 64 {
		return 64
	}
	return maxConns
}

func getDefaultMemoryLimit() string {
	// Heuristic: ~2GB per core, half of it for DuckDB
	targetMemGB := runtime.NumCPU()
	if targetMemGB < 1 {
		return "1GB"
	}
	if targetMemGB > 32 {
		return "32GB"
	}
	return fmt.Sprintf("%dGB", targetMemGB)
}

// Validate checks cross-field constraints that viper cannot express.
func (cfg *Config) Validate() error {
	switch cfg.Storage.Backend {
	case "local", "s3", "minio", "azure", "azblob":
	default:
		return fmt.Errorf("unsupported storage.backend: %s", cfg.Storage.Backend)
	}
	switch cfg.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache.backend: %s", cfg.Cache.Backend)
	}
	if cfg.Geo.MaxRows <= 0 {
		return fmt.Errorf("geo.max_rows must be positive, got %d", cfg.Geo.MaxRows)
	}
	if cfg.Export.RetentionDays < 0 {
		return fmt.Errorf("export.retention_days cannot be negative, got %d", cfg.Export.RetentionDays)
	}
	return cfg.Server.ValidateTLS()
}

// ValidateTLS validates TLS configuration when TLS is enabled.
// Returns nil if TLS is disabled or if configuration is valid.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}
	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}
	if err := checkFile("TLS certificate", cfg.TLSCertFile); err != nil {
		return err
	}
	return checkFile("TLS key", cfg.TLSKeyFile)
}

func checkFile(what, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s file not found: %s", what, path)
		}
		return fmt.Errorf("cannot access %s file %s: %w", what, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s path is a directory, not a file: %s", what, path)
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			// e.g. the "T" in "1TB"
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
