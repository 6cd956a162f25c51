package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basekick-labs/arc-geo/internal/circuitbreaker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalBackend_BasicOperations(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	t.Run("Write and Read", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "exports/a.geojson", []byte(`{"type":"FeatureCollection"}`)))
		data, err := backend.Read(ctx, "exports/a.geojson")
		require.NoError(t, err)
		assert.Equal(t, `{"type":"FeatureCollection"}`, string(data))
	})

	t.Run("WriteReader and ReadTo", func(t *testing.T) {
		require.NoError(t, backend.WriteReader(ctx, "exports/b.fgb", strings.NewReader("fgb"), -1))
		var buf bytes.Buffer
		require.NoError(t, backend.ReadTo(ctx, "exports/b.fgb", &buf))
		assert.Equal(t, "fgb", buf.String())
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, backend.Write(ctx, "x.txt", []byte("one")))
		require.NoError(t, backend.Write(ctx, "x.txt", []byte("two")))
		data, err := backend.Read(ctx, "x.txt")
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
	})

	t.Run("Exists and Delete", func(t *testing.T) {
		exists, err := backend.Exists(ctx, "gone.txt")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, backend.Write(ctx, "gone.txt", []byte("x")))
		exists, err = backend.Exists(ctx, "gone.txt")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, backend.Delete(ctx, "gone.txt"))
		require.NoError(t, backend.Delete(ctx, "gone.txt"))
		exists, err = backend.Exists(ctx, "gone.txt")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Read missing", func(t *testing.T) {
		_, err := backend.Read(ctx, "nope.txt")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, backend.ReadTo(ctx, "nope.txt", io.Discard), ErrNotFound)
	})
}

func TestLocalBackend_List(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()
	for _, p := range []string{"exports/2024/01/02/a.geojson", "exports/2024/01/03/b.fgb", "other/c.txt"} {
		require.NoError(t, backend.Write(ctx, p, []byte("x")))
	}

	got, err := backend.List(ctx, "exports")
	require.NoError(t, err)
	sort.Strings(got)
	assert.Equal(t, []string{"exports/2024/01/02/a.geojson", "exports/2024/01/03/b.fgb"}, got)

	got, err = backend.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalBackend_PathTraversal(t *testing.T) {
	backend := newLocal(t)
	ctx := context.Background()

	assert.Error(t, backend.Write(ctx, "../escape.txt", []byte("x")))
	assert.Error(t, backend.Write(ctx, "a/../../escape.txt", []byte("x")))
	assert.Error(t, backend.Write(ctx, "bad\x00name", []byte("x")))

	// a leading slash is relative to the base path
	require.NoError(t, backend.Write(ctx, "/abs.txt", []byte("x")))
	exists, err := backend.Exists(ctx, "abs.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/geo+json", ContentType("exports/a.geojson"))
	assert.Equal(t, "application/flatgeobuf", ContentType("a.FGB"))
	assert.Equal(t, "application/octet-stream", ContentType("a.bin"))
}

// flakyBackend fails the first failN calls of every operation.
type flakyBackend struct {
	Backend
	mu    sync.Mutex
	calls int
	failN int
	err   error
}

func (f *flakyBackend) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return f.err
	}
	return nil
}

func (f *flakyBackend) Write(ctx context.Context, path string, data []byte) error {
	if err := f.next(); err != nil {
		return err
	}
	return f.Backend.Write(ctx, path, data)
}

func (f *flakyBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.Backend.Read(ctx, path)
}

func fastRetries() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         100,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
		MaxRetries:          3,
		RetryDelay:          time.Millisecond,
		RetryMaxDelay:       2 * time.Millisecond,
	}
}

func TestResilientBackend_RetriesTransientErrors(t *testing.T) {
	flaky := &flakyBackend{Backend: newLocal(t), failN: 2, err: errors.New("503 slow down")}
	r := NewResilientBackend(flaky, fastRetries(), zerolog.Nop())

	require.NoError(t, r.Write(context.Background(), "a.txt", []byte("x")))
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, "local", r.Type())
}

func TestResilientBackend_GivesUp(t *testing.T) {
	flaky := &flakyBackend{Backend: newLocal(t), failN: 100, err: errors.New("down")}
	r := NewResilientBackend(flaky, fastRetries(), zerolog.Nop())

	err := r.Write(context.Background(), "a.txt", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, 4, flaky.calls)
}

func TestResilientBackend_NotFoundIsNotRetried(t *testing.T) {
	flaky := &flakyBackend{Backend: newLocal(t)}
	r := NewResilientBackend(flaky, fastRetries(), zerolog.Nop())

	_, err := r.Read(context.Background(), "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, flaky.calls)
	assert.Equal(t, "closed", r.CircuitBreakerStats().State)
}

func TestResilientBackend_CircuitOpens(t *testing.T) {
	cfg := fastRetries()
	cfg.MaxFailures = 2
	cfg.MaxRetries = 0
	flaky := &flakyBackend{Backend: newLocal(t), failN: 100, err: errors.New("down")}
	r := NewResilientBackend(flaky, cfg, zerolog.Nop())
	ctx := context.Background()

	_ = r.Write(ctx, "a", []byte("x"))
	_ = r.Write(ctx, "a", []byte("x"))
	err := r.Write(ctx, "a", []byte("x"))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, flaky.calls)
}

func TestResilientBackend_ReadToBuffers(t *testing.T) {
	local := newLocal(t)
	require.NoError(t, local.Write(context.Background(), "a.txt", []byte("payload")))
	r := NewResilientBackend(local, fastRetries(), zerolog.Nop())

	var buf bytes.Buffer
	require.NoError(t, r.ReadTo(context.Background(), "a.txt", &buf))
	assert.Equal(t, "payload", buf.String())
}

func BenchmarkLocalBackend_Write(b *testing.B) {
	backend, err := NewLocalBackend(b.TempDir(), zerolog.Nop())
	if err != nil {
		b.Fatal(err)
	}
	data := bytes.Repeat([]byte("x"), 64*1024)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := backend.Write(ctx, "bench/file.fgb", data); err != nil {
			b.Fatal(err)
		}
	}
}
