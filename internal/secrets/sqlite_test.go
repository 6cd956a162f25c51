package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "org1", "geo.tile.server.url")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "org1", "geo.tile.server.url", "https://tiles.example/{z}/{x}/{y}.png"))
	v, err := s.Get(ctx, "org1", "geo.tile.server.url")
	require.NoError(t, err)
	assert.Equal(t, "https://tiles.example/{z}/{x}/{y}.png", v)

	require.NoError(t, s.Set(ctx, "org1", "geo.tile.server.url", "https://other/{z}/{x}/{y}.png"))
	v, err = s.Secret(ctx, "org1", "geo.tile.server.url")
	require.NoError(t, err)
	assert.Equal(t, "https://other/{z}/{x}/{y}.png", v)

	// orgs are isolated
	_, err = s.Get(ctx, "org2", "geo.tile.server.url")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "org1", "geo.bing.key", "k"))
	keys, err := s.Keys(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, []string{"geo.bing.key", "geo.tile.server.url"}, keys)

	require.NoError(t, s.Delete(ctx, "org1", "geo.bing.key"))
	require.NoError(t, s.Delete(ctx, "org1", "geo.bing.key"))
	keys, err = s.Keys(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, []string{"geo.tile.server.url"}, keys)

	assert.Error(t, s.Set(ctx, "org1", "", "v"))
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secrets.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "default", "geo.bing.key", "abc"))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "default", "geo.bing.key")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}
