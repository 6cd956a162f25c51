package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basekick-labs/arc-geo/internal/circuitbreaker"
	"github.com/rs/zerolog"
)

// ResilientConfig configures retries and the circuit breaker of a
// ResilientBackend.
type ResilientConfig struct {
	MaxFailures         int
	Timeout             time.Duration
	HalfOpenMaxRequests int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns the defaults used for export storage.
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
		RetryMaxDelay:       5 * time.Second,
	}
}

// ResilientBackend retries failed calls with exponential backoff and stops
// calling the wrapped backend while its circuit is open. Missing objects
// are not failures.
type ResilientBackend struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	cfg     ResilientConfig
	logger  zerolog.Logger
}

// NewResilientBackend wraps backend. A nil cfg uses DefaultResilientConfig.
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:                "storage-" + backend.Type(),
		MaxFailures:         cfg.MaxFailures,
		Timeout:             cfg.Timeout,
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
		IsFailure:           isStorageFailure,
	}, logger)

	return &ResilientBackend{
		backend: backend,
		cb:      cb,
		cfg:     *cfg,
		logger:  logger.With().Str("component", "resilient-storage").Logger(),
	}
}

func isStorageFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

// retry runs fn until it succeeds, returns a non-retryable error, or the
// retry budget is spent.
func (r *ResilientBackend) retry(ctx context.Context, op, path string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		err := r.cb.Do(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			r.logger.Warn().Str("op", op).Str("path", path).Msg("Storage call rejected, circuit breaker open")
			return err
		}
		if !isStorageFailure(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.RetryDelay * time.Duration(1<<uint(attempt))
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("path", path).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Storage call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("storage %s failed after %d retries: %w", op, r.cfg.MaxRetries, lastErr)
}

func (r *ResilientBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.retry(ctx, "write", path, func(ctx context.Context) error {
		return r.backend.Write(ctx, path, data)
	})
}

// WriteReader retries only readers that can be rewound; others get a
// single attempt.
func (r *ResilientBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	seeker, ok := reader.(io.Seeker)
	if !ok {
		return r.cb.Do(ctx, func(ctx context.Context) error {
			return r.backend.WriteReader(ctx, path, reader, size)
		})
	}
	return r.retry(ctx, "write", path, func(ctx context.Context) error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return r.backend.WriteReader(ctx, path, reader, size)
	})
}

func (r *ResilientBackend) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.retry(ctx, "read", path, func(ctx context.Context) error {
		var err error
		data, err = r.backend.Read(ctx, path)
		return err
	})
	return data, err
}

// ReadTo buffers the object so a failed attempt never leaves partial output
// in writer.
func (r *ResilientBackend) ReadTo(ctx context.Context, path string, writer io.Writer) error {
	var buf bytes.Buffer
	err := r.retry(ctx, "read", path, func(ctx context.Context) error {
		buf.Reset()
		return r.backend.ReadTo(ctx, path, &buf)
	})
	if err != nil {
		return err
	}
	_, err = buf.WriteTo(writer)
	return err
}

func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.retry(ctx, "list", prefix, func(ctx context.Context) error {
		var err error
		out, err = r.backend.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *ResilientBackend) Delete(ctx context.Context, path string) error {
	return r.retry(ctx, "delete", path, func(ctx context.Context) error {
		return r.backend.Delete(ctx, path)
	})
}

func (r *ResilientBackend) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := r.retry(ctx, "exists", path, func(ctx context.Context) error {
		var err error
		exists, err = r.backend.Exists(ctx, path)
		return err
	})
	return exists, err
}

func (r *ResilientBackend) Close() error { return r.backend.Close() }

func (r *ResilientBackend) Type() string { return r.backend.Type() }

// CircuitBreakerStats reports the breaker state for the health endpoint.
func (r *ResilientBackend) CircuitBreakerStats() circuitbreaker.Stats { return r.cb.Stats() }
