package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/basekick-labs/arc-geo/internal/metrics"
	"github.com/basekick-labs/arc-geo/internal/table"
	"github.com/rs/zerolog"
)

// ErrSuperseded is returned by PivotTask.Wait when a newer table replaced
// the one being pivoted.
var ErrSuperseded = errors.New("pivot superseded by a newer table")

// Options controls how a source table becomes a GeoTable.
type Options struct {
	// MaxRows caps the rows a GeoTable exposes; <= 0 means unlimited.
	MaxRows int
	// AutoPivoting pivots _field/_value tables into wide rows.
	AutoPivoting bool
}

// Processor turns source tables into GeoTables for one consumer, such as
// one map view. Each call to Preprocess supersedes the previous one.
type Processor struct {
	logger zerolog.Logger

	mu         sync.Mutex
	generation uint64
	pending    *PivotTask
}

// NewProcessor creates a Processor.
func NewProcessor(logger zerolog.Logger) *Processor {
	return &Processor{
		logger: logger.With().Str("component", "geo-processor").Logger(),
	}
}

// PivotTask is a pivot running in the background.
type PivotTask struct {
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}

	mu         sync.Mutex
	superseded bool
	result     *PivotedGeoTable
	err        error
}

// Generation is the Processor generation that created the task.
func (t *PivotTask) Generation() uint64 { return t.generation }

// Done is closed once the task has finished, failed or been cancelled.
func (t *PivotTask) Done() <-chan struct{} { return t.done }

// Cancel stops the pivot. A cancelled task never calls its onReady.
func (t *PivotTask) Cancel() { t.cancel() }

// Wait blocks until the pivot finishes or ctx is done.
func (t *PivotTask) Wait(ctx context.Context) (GeoTable, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

func (t *PivotTask) supersede() {
	t.mu.Lock()
	t.superseded = true
	t.mu.Unlock()
	t.cancel()
}

// Preprocess returns the GeoTable for src.
//
// Without auto-pivoting, or when src has no _field/_value columns, the
// result is a NativeGeoTable and the task is nil. Otherwise the pivot runs
// in the background: Preprocess returns an EmptyGeoTable at once and
// onReady receives the pivoted table exactly once, unless a later call to
// Preprocess or Cancel supersedes the task first. onReady runs while the
// Processor is locked and must not call back into it.
func (p *Processor) Preprocess(ctx context.Context, src table.Table, opts Options, onReady func(GeoTable)) (GeoTable, *PivotTask) {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	if p.pending != nil {
		p.pending.supersede()
		p.pending = nil
		metrics.Get().IncPivotsSuperseded()
	}

	if !opts.AutoPivoting || !IsPivotSensible(src) {
		p.mu.Unlock()
		metrics.Get().IncPreprocessNative()
		native := NewNativeGeoTable(src, opts.MaxRows)
		if native.IsTruncated() {
			metrics.Get().IncTruncatedResults()
		}
		return native, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &PivotTask{
		generation: gen,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	p.pending = task
	p.mu.Unlock()

	metrics.Get().IncPreprocessPivot()
	go p.run(taskCtx, task, src, opts.MaxRows, onReady)
	return EmptyGeoTable{}, task
}

func (p *Processor) run(ctx context.Context, task *PivotTask, src table.Table, maxRows int, onReady func(GeoTable)) {
	defer close(task.done)
	defer task.cancel()

	start := time.Now()
	pivoted, err := NewPivotedGeoTable(ctx, src, maxRows)

	task.mu.Lock()
	if task.superseded {
		err = ErrSuperseded
	}
	task.result = pivoted
	task.err = err
	task.mu.Unlock()

	if err != nil {
		if !errors.Is(err, ErrSuperseded) && !errors.Is(err, context.Canceled) {
			metrics.Get().IncPivotsFailed()
		}
		p.logger.Debug().
			Err(err).
			Uint64("generation", task.generation).
			Msg("Pivot discarded")
		p.mu.Lock()
		if p.pending == task {
			p.pending = nil
		}
		p.mu.Unlock()
		return
	}

	elapsed := time.Since(start)
	metrics.Get().RecordPivot(elapsed.Microseconds())
	if pivoted.IsTruncated() {
		metrics.Get().IncTruncatedResults()
	}
	p.logger.Debug().
		Uint64("generation", task.generation).
		Int("source_rows", src.Len()).
		Int("pivoted_rows", pivoted.PivotedRows()).
		Int("row_count", pivoted.RowCount()).
		Dur("elapsed", elapsed).
		Msg("Pivot completed")

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != task || p.generation != task.generation {
		// a newer table arrived after the pivot finished
		task.mu.Lock()
		task.result, task.err = nil, ErrSuperseded
		task.mu.Unlock()
		return
	}
	p.pending = nil
	if onReady != nil {
		onReady(pivoted)
	}
}

// Generation returns the number of Preprocess calls made so far.
func (p *Processor) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Close cancels the pending pivot, if any.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		p.pending.supersede()
		p.pending = nil
	}
	return nil
}

// ColumnNames lists the fields a user can pick for a layer. With
// auto-pivoting these are the distinct _field values that carry a numeric
// _value, minus the meta columns. Otherwise they are the numeric columns.
func ColumnNames(t table.Table, autoPivoting bool) []string {
	if !autoPivoting {
		return table.NumericColumns(t)
	}

	fieldCol := table.TypedColumn(t, FieldColumn, table.TypeString)
	valueCol := t.Column(ValueColumn)
	if fieldCol == nil || valueCol == nil {
		return []string{}
	}

	seen := make(map[string]struct{})
	names := []string{}
	for i := 0; i < t.Len(); i++ {
		if _, ok := valueCol.Number(i); !ok {
			continue
		}
		name, ok := fieldCol.Text(i)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return FilterMetaColumns(names)
}
