// Package pivotregistry tracks background pivots so they can be listed and
// cancelled over the API.
package pivotregistry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basekick-labs/arc-geo/internal/geo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskStatus represents the lifecycle state of a tracked pivot.
type TaskStatus string

const (
	StatusRunning    TaskStatus = "running"
	StatusCompleted  TaskStatus = "completed"
	StatusSuperseded TaskStatus = "superseded"
	StatusCancelled  TaskStatus = "cancelled"
	StatusFailed     TaskStatus = "failed"
)

// Task is the part of geo.PivotTask the registry needs.
type Task interface {
	Generation() uint64
	Done() <-chan struct{}
	Cancel()
	Wait(ctx context.Context) (geo.GeoTable, error)
}

// TrackedPivot holds the metadata of a tracked pivot.
type TrackedPivot struct {
	ID         string     `json:"id"`
	ViewID     string     `json:"view_id"`
	Generation uint64     `json:"generation"`
	SourceRows int        `json:"source_rows"`
	Status     TaskStatus `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs float64    `json:"duration_ms,omitempty"`
	RowCount   int        `json:"row_count,omitempty"`
	Truncated  bool       `json:"truncated,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type activeEntry struct {
	pivot *TrackedPivot
	task  Task
}

// RegistryConfig holds configuration for the pivot registry.
type RegistryConfig struct {
	HistorySize int // Ring buffer size for finished pivots (default: 100)
}

// Registry tracks running and recently finished pivots.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*activeEntry
	history  []*TrackedPivot // Ring buffer
	histSize int
	histHead int
	histLen  int
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewRegistry creates a new pivot registry.
func NewRegistry(cfg *RegistryConfig, logger zerolog.Logger) *Registry {
	histSize := 100
	if cfg != nil && cfg.HistorySize > 0 {
		histSize = cfg.HistorySize
	}
	return &Registry{
		active:   make(map[string]*activeEntry),
		history:  make([]*TrackedPivot, histSize),
		histSize: histSize,
		logger:   logger.With().Str("component", "pivot-registry").Logger(),
	}
}

// Track registers a running pivot and returns its ID. The pivot moves to
// history on its own once the task finishes.
func (r *Registry) Track(viewID string, sourceRows int, task Task) string {
	id := uuid.New().String()[:12]
	p := &TrackedPivot{
		ID:         id,
		ViewID:     viewID,
		Generation: task.Generation(),
		SourceRows: sourceRows,
		Status:     StatusRunning,
		StartTime:  time.Now(),
	}

	r.mu.Lock()
	r.active[id] = &activeEntry{pivot: p, task: task}
	r.mu.Unlock()

	r.logger.Debug().
		Str("pivot_id", id).
		Str("view_id", viewID).
		Uint64("generation", p.Generation).
		Int("source_rows", sourceRows).
		Msg("Pivot registered")

	r.wg.Add(1)
	go r.watch(id, task)
	return id
}

func (r *Registry) watch(id string, task Task) {
	defer r.wg.Done()
	<-task.Done()
	t, err := task.Wait(context.Background())
	switch {
	case err == nil:
		r.finish(id, StatusCompleted, func(p *TrackedPivot) {
			p.RowCount = t.RowCount()
			p.Truncated = t.IsTruncated()
		})
	case errors.Is(err, geo.ErrSuperseded):
		r.finish(id, StatusSuperseded, nil)
	case errors.Is(err, context.Canceled):
		r.finish(id, StatusCancelled, nil)
	default:
		r.finish(id, StatusFailed, func(p *TrackedPivot) { p.Error = err.Error() })
	}
}

// finish moves an active pivot to history. It is a no-op for unknown IDs.
func (r *Registry) finish(id string, status TaskStatus, update func(*TrackedPivot)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[id]
	if !ok {
		return false
	}

	now := time.Now()
	entry.pivot.Status = status
	entry.pivot.EndTime = &now
	entry.pivot.DurationMs = float64(now.Sub(entry.pivot.StartTime).Milliseconds())
	if update != nil {
		update(entry.pivot)
	}

	r.addToHistory(entry.pivot)
	delete(r.active, id)
	return true
}

// Cancel cancels a running pivot by ID. Returns true if the pivot was found
// and cancelled.
func (r *Registry) Cancel(id string) bool {
	r.mu.RLock()
	entry, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if !r.finish(id, StatusCancelled, nil) {
		return false
	}
	entry.task.Cancel()

	r.logger.Info().
		Str("pivot_id", id).
		Str("view_id", entry.pivot.ViewID).
		Msg("Pivot cancelled via API")
	return true
}

// GetActive returns a snapshot of all running pivots.
func (r *Registry) GetActive() []*TrackedPivot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*TrackedPivot, 0, len(r.active))
	now := time.Now()
	for _, entry := range r.active {
		p := *entry.pivot
		p.DurationMs = float64(now.Sub(p.StartTime).Milliseconds())
		result = append(result, &p)
	}
	return result
}

// GetHistory returns the most recent finished pivots, newest first.
func (r *Registry) GetHistory(limit int) []*TrackedPivot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.histLen
	if limit > 0 && limit < count {
		count = limit
	}

	result := make([]*TrackedPivot, 0, count)
	for i := 0; i < count; i++ {
		idx := (r.histHead - 1 - i + r.histSize) % r.histSize
		if r.history[idx] != nil {
			p := *r.history[idx]
			result = append(result, &p)
		}
	}
	return result
}

// Get returns a pivot by ID, checking running pivots before history.
func (r *Registry) Get(id string) *TrackedPivot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.active[id]; ok {
		p := *entry.pivot
		p.DurationMs = float64(time.Since(p.StartTime).Milliseconds())
		return &p
	}
	for i := 0; i < r.histLen; i++ {
		idx := (r.histHead - 1 - i + r.histSize) % r.histSize
		if r.history[idx] != nil && r.history[idx].ID == id {
			p := *r.history[idx]
			return &p
		}
	}
	return nil
}

// ActiveCount returns the number of running pivots.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// HistoryLen returns the number of pivots in the history buffer.
func (r *Registry) HistoryLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histLen
}

// Close cancels every running pivot and waits for the watchers to exit.
func (r *Registry) Close() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Cancel(id)
	}
	r.wg.Wait()
	return nil
}

// addToHistory appends a pivot to the ring buffer. Must be called with mu held.
func (r *Registry) addToHistory(p *TrackedPivot) {
	r.history[r.histHead] = p
	r.histHead = (r.histHead + 1) % r.histSize
	if r.histLen < r.histSize {
		r.histLen++
	}
}
