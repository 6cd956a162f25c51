package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component that can be shut down gracefully.
type Closer interface {
	Close() error
}

// Func performs cleanup during shutdown.
type Func func(ctx context.Context) error

// Priorities for arc-geo components. Lower runs first.
const (
	PriorityHTTPServer = 10 // stop accepting requests
	PriorityScheduler  = 20 // cron jobs: export retention, tile config refresh
	PriorityPivots     = 30 // cancel running pivots
	PriorityCache      = 50
	PriorityStorage    = 60
	PrioritySecrets    = 70
	PriorityDatabase   = 90
)

// Coordinator runs registered shutdown steps in priority order.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	triggerOnce  sync.Once
	shutdownCh   chan struct{}
	err          error
}

type step struct {
	name     string
	priority int
	seq      int
	run      Func
}

// New creates a shutdown coordinator whose steps share one timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:    timeout,
		logger:     logger.With().Str("component", "shutdown").Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// Register adds a component closed at the given priority.
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.RegisterHook(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterHook adds a cleanup function run at the given priority. Steps with
// equal priority run in registration order.
func (c *Coordinator) RegisterHook(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, seq: len(c.steps), run: fn})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown step")
}

// Done is closed once shutdown has been triggered.
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownCh
}

// WaitForSignal blocks until SIGINT, SIGTERM or SIGQUIT arrives or shutdown
// is triggered programmatically.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		return sig
	case <-c.shutdownCh:
		return syscall.SIGTERM
	}
}

// TriggerShutdown releases WaitForSignal. Safe for concurrent use.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.shutdownCh)
	})
}

// Shutdown runs every step once, lowest priority first. A failing step does
// not stop later ones; the returned error joins all failures. Steps not yet
// started when the timeout expires are skipped.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.triggerOnce.Do(func() { close(c.shutdownCh) })

		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()
		sortSteps(steps)

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("step", s.name).
					Int("skipped", len(steps)-i).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}

			stepStart := time.Now()
			if err := s.run(ctx); err != nil {
				c.logger.Error().
					Err(err).
					Str("step", s.name).
					Msg("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			c.logger.Debug().
				Str("step", s.name).
				Dur("duration", time.Since(stepStart)).
				Msg("Shutdown step complete")
		}

		c.err = errors.Join(errs...)
		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})
	return c.err
}

func sortSteps(steps []step) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].priority != steps[j].priority {
			return steps[i].priority < steps[j].priority
		}
		return steps[i].seq < steps[j].seq
	})
}
