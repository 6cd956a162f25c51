package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves into an empty directory so no config or .env file is found.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(oldWd) })
	return dir
}

func TestGetDefaultThreadCount(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), getDefaultThreadCount())
}

func TestGetDefaultMaxConnections_Bounds(t *testing.T) {
	actual := getDefaultMaxConnections()
	assert.GreaterOrEqual(t, actual, 4)
	assert.LessOrEqual(t, actual, 64)
}

func TestGetDefaultMemoryLimit(t *testing.T) {
	result := getDefaultMemoryLimit()
	_, err := ParseSize(result)
	assert.NoError(t, err)
	assert.Regexp(t, `^\d+GB$`, result)
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8010, cfg.Server.Port)
	assert.Equal(t, int64(256*1024*1024), cfg.Server.MaxPayloadSize)
	assert.Equal(t, runtime.NumCPU(), cfg.Database.ThreadCount)
	assert.Equal(t, getDefaultMaxConnections(), cfg.Database.MaxConnections)
	assert.Empty(t, cfg.Database.Path)

	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Storage.MaxRetries)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 60, cfg.Cache.DefaultTTL)

	assert.Equal(t, 100000, cfg.Geo.MaxRows)
	assert.True(t, cfg.Geo.AutoPivoting)
	assert.Equal(t, 30*time.Second, cfg.Geo.PivotTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Geo.ProcessorIdleTTL)

	assert.Equal(t, "*/15 * * * *", cfg.TileServer.RefreshSchedule)
	assert.Equal(t, 5*time.Second, cfg.TileServer.LoadTimeout)
	assert.Equal(t, "default", cfg.TileServer.DefaultOrg)
	assert.Equal(t, 100, cfg.Registry.HistorySize)
	assert.Equal(t, 30, cfg.Export.RetentionDays)
	assert.Equal(t, "0 3 * * *", cfg.Export.RetentionSchedule)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ARC_GEO_DATABASE_MAX_CONNECTIONS", "42")
	t.Setenv("ARC_GEO_DATABASE_MEMORY_LIMIT", "16GB")
	t.Setenv("ARC_GEO_GEO_PIVOT_TIMEOUT", "2s")
	t.Setenv("ARC_GEO_CACHE_BACKEND", "redis")
	t.Setenv("ARC_GEO_EXPORT_RETENTION_DAYS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Database.MaxConnections)
	assert.Equal(t, "16GB", cfg.Database.MemoryLimit)
	assert.Equal(t, 2*time.Second, cfg.Geo.PivotTimeout)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 0, cfg.Export.RetentionDays)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	toml := `
[server]
port = 9100

[storage]
backend = "s3"
s3_bucket = "maps"

[database]
init_sql = ["CREATE VIEW v AS SELECT 1"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arc-geo.toml"), []byte(toml), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "maps", cfg.Storage.S3Bucket)
	assert.Equal(t, []string{"CREATE VIEW v AS SELECT 1"}, cfg.Database.InitSQL)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ARC_GEO_SERVER_PORT=9200\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("ARC_GEO_SERVER_PORT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"storage backend", map[string]string{"ARC_GEO_STORAGE_BACKEND": "ftp"}},
		{"cache backend", map[string]string{"ARC_GEO_CACHE_BACKEND": "memcached"}},
		{"max rows", map[string]string{"ARC_GEO_GEO_MAX_ROWS": "0"}},
		{"payload size", map[string]string{"ARC_GEO_SERVER_MAX_PAYLOAD_SIZE": "1TB"}},
		{"tls without cert", map[string]string{"ARC_GEO_SERVER_TLS_ENABLED": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestServerConfig_ValidateTLS(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(key, []byte("key"), 0600))

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{"disabled", ServerConfig{TLSEnabled: false}, ""},
		{"missing cert", ServerConfig{TLSEnabled: true, TLSKeyFile: key}, "tls_cert_file not specified"},
		{"missing key", ServerConfig{TLSEnabled: true, TLSCertFile: cert}, "tls_key_file not specified"},
		{"cert not found", ServerConfig{TLSEnabled: true, TLSCertFile: filepath.Join(dir, "nope"), TLSKeyFile: key}, "not found"},
		{"cert is dir", ServerConfig{TLSEnabled: true, TLSCertFile: dir, TLSKeyFile: key}, "is a directory"},
		{"valid", ServerConfig{TLSEnabled: true, TLSCertFile: cert, TLSKeyFile: key}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateTLS()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1GB", 1 << 30, false},
		{"500mb", 500 << 20, false},
		{"1.5KB", 1536, false},
		{"42", 42, false},
		{" 10 B ", 10, false},
		{"", 0, true},
		{"1TB", 0, true},
		{"-1MB", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
