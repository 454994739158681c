// Package runner orchestrates one reduction run against a measurement
// table: synchronous validation and preprocessing, background reduction,
// and an atomic merge of the embedding back into the table.
package runner

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasbio/morpho/internal/errors"
	"github.com/atlasbio/morpho/internal/feature"
	"github.com/atlasbio/morpho/internal/metrics"
	"github.com/atlasbio/morpho/internal/reduce"
	"github.com/atlasbio/morpho/internal/table"
)

// State tracks where a run currently is. Failed states are not stored:
// a failed run reports through its completion and the runner returns to
// StateIdle.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StatePreprocessing
	StateReducing
	StateMerging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StatePreprocessing:
		return "preprocessing"
	case StateReducing:
		return "reducing"
	case StateMerging:
		return "merging"
	default:
		return "unknown"
	}
}

// ErrRunInProgress rejects a second Run while one is still in flight.
// A run must complete or fail before the next one may start; there is no
// cancel-and-replace, so two completions can never race on the same merge.
var ErrRunInProgress = errors.NewValidationError("runner.run", "a reduction run is already in progress")

// Request describes one reduction run.
type Request struct {
	Table       *table.Table
	Columns     []string
	Algorithm   reduce.Algorithm
	Standardize bool
	Params      reduce.Params
}

// Completion is delivered exactly once per dispatched run, carrying either
// the merged output column names or the error that stopped the run.
type Completion struct {
	Algorithm reduce.Algorithm
	Columns   []string
	Duration  time.Duration
	Err       error
}

// Runner executes at most one reduction run at a time.
type Runner struct {
	logger  *zap.Logger
	state   atomic.Int32
	running atomic.Bool
}

// New creates a runner. A nil logger falls back to a no-op logger.
func New(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// State returns the runner's current state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Busy reports whether a run is in flight.
func (r *Runner) Busy() bool {
	return r.running.Load()
}

// Run validates the request, preprocesses the selected columns, then
// dispatches the reduction to a background goroutine. Validation failures
// are returned synchronously and schedule no work. On success the returned
// channel delivers exactly one Completion; data-quality and algorithm
// errors travel on that channel, never silently dropped.
func (r *Runner) Run(ctx context.Context, req Request) (<-chan Completion, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}

	done, err := r.start(ctx, req)
	if err != nil {
		r.running.Store(false)
		r.state.Store(int32(StateIdle))
		return nil, err
	}
	return done, nil
}

func (r *Runner) start(ctx context.Context, req Request) (<-chan Completion, error) {
	r.state.Store(int32(StateValidating))
	if err := validate(req); err != nil {
		return nil, err
	}

	r.state.Store(int32(StatePreprocessing))
	m, err := feature.Select(req.Table, req.Columns)
	if err != nil {
		return nil, err
	}

	// The run-level flag scales UMAP and t-SNE inputs only. PCA always
	// standardizes internally, whatever the flag says.
	if req.Standardize && req.Algorithm != reduce.PCA {
		m = feature.Standardize(m)
	}

	r.logger.Info("reduction run dispatched",
		zap.String("algorithm", string(req.Algorithm)),
		zap.Strings("columns", req.Columns),
		zap.Int("rows", req.Table.NumRows()),
		zap.Bool("standardize", req.Standardize))

	done := make(chan Completion, 1)
	go r.reduceAndMerge(ctx, req, m, done)
	return done, nil
}

// reduceAndMerge is the background half of a run. It owns the NaN guard,
// the algorithm invocation and the merge, and always delivers exactly one
// Completion before releasing the runner.
func (r *Runner) reduceAndMerge(ctx context.Context, req Request, m *mat.Dense, done chan<- Completion) {
	started := time.Now()

	finish := func(cols []string, err error) {
		elapsed := time.Since(started)
		status := "success"
		if err != nil {
			status = "failure"
			r.logger.Error("reduction run failed",
				zap.String("algorithm", string(req.Algorithm)),
				zap.Error(err))
		} else {
			r.logger.Info("reduction run finished",
				zap.String("algorithm", string(req.Algorithm)),
				zap.Strings("merged_columns", cols),
				zap.Duration("elapsed", elapsed))
		}
		metrics.ReductionRunsTotal.WithLabelValues(string(req.Algorithm), status).Inc()
		metrics.ReductionDurationSeconds.WithLabelValues(string(req.Algorithm)).Observe(elapsed.Seconds())

		r.state.Store(int32(StateIdle))
		r.running.Store(false)
		done <- Completion{Algorithm: req.Algorithm, Columns: cols, Duration: elapsed, Err: err}
	}

	r.state.Store(int32(StateReducing))

	// Guard every algorithm identically: bad data never reaches them.
	if err := feature.CheckNaN(m); err != nil {
		finish(nil, err)
		return
	}

	res, err := reduce.Reduce(m, req.Algorithm, req.Params)
	if err != nil {
		finish(nil, err)
		return
	}

	if err := ctx.Err(); err != nil {
		finish(nil, errors.Wrap(err, errors.ErrorTypeAlgorithm, "runner.reduce", "run cancelled before merge"))
		return
	}

	r.state.Store(int32(StateMerging))
	names := res.ColumnNames()
	if err := req.Table.ApplyMerge(res.OutputPrefix(), names, res.Columns()); err != nil {
		metrics.TableMergesTotal.WithLabelValues("failure").Inc()
		finish(nil, err)
		return
	}
	metrics.TableMergesTotal.WithLabelValues("success").Inc()
	metrics.EmbeddingColumnsWritten.WithLabelValues(string(req.Algorithm)).Add(float64(len(names)))

	finish(names, nil)
}

// validate applies the synchronous checks: a target table, at least one
// selected column, a known algorithm and in-range parameters. Failures
// here never schedule background work.
func validate(req Request) error {
	if req.Table == nil {
		return errors.NewValidationError("runner.validate", "no measurement table selected")
	}
	if len(req.Columns) == 0 {
		return errors.NewValidationError("runner.validate", "no measurement columns selected")
	}
	if _, err := reduce.ParseAlgorithm(string(req.Algorithm)); err != nil {
		return err
	}
	return req.Params.Validate(req.Algorithm)
}
