package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
	"github.com/ekaya-inc/tap-loganalytics/pkg/bookmark"
	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
	"github.com/ekaya-inc/tap-loganalytics/pkg/metrics"
	"github.com/ekaya-inc/tap-loganalytics/pkg/projector"
	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
	"github.com/ekaya-inc/tap-loganalytics/pkg/schema"
	"github.com/ekaya-inc/tap-loganalytics/pkg/sink"
	"github.com/ekaya-inc/tap-loganalytics/pkg/state"
	"github.com/ekaya-inc/tap-loganalytics/pkg/window"
)

// maxLoggedWarnings caps coercion warnings logged per window; the rest
// are only counted.
const maxLoggedWarnings = 10

// Engine discovers stream schemas and runs incremental extractions.
type Engine interface {
	// Discover samples each stream and returns its frozen schema. It never
	// reads or writes bookmarks.
	Discover(ctx context.Context, streams []config.Stream) ([]DiscoveredStream, error)
	// Run extracts every stream from its bookmark in initial up to now.
	// schemas, if non-nil, supplies frozen schemas by stream name; other
	// streams infer theirs from their first window.
	Run(ctx context.Context, streams []config.Stream, initial state.State, schemas map[string]schema.StreamSchema) (*RunReport, error)
}

// DiscoveredStream is a stream with its inferred schema.
type DiscoveredStream struct {
	Stream config.Stream
	Schema schema.StreamSchema
}

// EngineDeps are the collaborators of an Engine. Metrics may be nil.
type EngineDeps struct {
	Executor *query.Executor
	Sink     sink.Sink
	Store    state.Store
	Metrics  *metrics.Metrics
}

// EngineConfig tunes an Engine. Zero values take defaults.
type EngineConfig struct {
	Concurrency  int
	LandingDelay time.Duration
	SampleWindow time.Duration
	SampleRows   int
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// EngineConfigFrom maps loaded configuration onto an EngineConfig.
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	return EngineConfig{
		Concurrency:  cfg.Concurrency,
		LandingDelay: cfg.LandingDelayDuration(),
		SampleWindow: config.MustDuration(cfg.Discovery.SampleWindow),
		SampleRows:   cfg.Discovery.SampleRows,
	}
}

type engine struct {
	exec    *query.Executor
	sink    sink.Sink
	store   state.Store
	metrics *metrics.Metrics
	cfg     EngineConfig
	logger  *zap.Logger
}

var _ Engine = (*engine)(nil)

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps, cfg EngineConfig, logger *zap.Logger) (Engine, error) {
	if deps.Executor == nil {
		return nil, errors.New("engine requires a query executor")
	}
	if deps.Sink == nil {
		return nil, errors.New("engine requires a sink")
	}
	if deps.Store == nil {
		return nil, errors.New("engine requires a state store")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.LandingDelay < 0 {
		return nil, fmt.Errorf("landing delay must not be negative: %v", cfg.LandingDelay)
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = time.Hour
	}
	if cfg.SampleRows < 1 {
		cfg.SampleRows = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &engine{
		exec:    deps.Executor,
		sink:    deps.Sink,
		store:   deps.Store,
		metrics: deps.Metrics,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("engine"),
	}, nil
}

// Discover samples [now - SampleWindow, now) of every stream.
func (e *engine) Discover(ctx context.Context, streams []config.Stream) ([]DiscoveredStream, error) {
	now := e.cfg.Now().UTC()
	sample := window.Window{From: now.Add(-e.cfg.SampleWindow), To: now}

	items := make([]WorkItem[schema.StreamSchema], len(streams))
	for i, s := range streams {
		s := s
		items[i] = WorkItem[schema.StreamSchema]{
			ID: s.Name,
			Execute: func(ctx context.Context) (schema.StreamSchema, error) {
				return e.discoverStream(ctx, s, sample)
			},
		}
	}

	var (
		out  []DiscoveredStream
		errs []error
	)
	for _, r := range Process(ctx, e.cfg.Concurrency, items) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("discovery failed for stream %q (query %q): %w",
				r.ID, logging.SanitizeQuery(streams[r.Index].Query), r.Err))
			continue
		}
		out = append(out, DiscoveredStream{Stream: streams[r.Index], Schema: r.Result})
	}
	return out, errors.Join(errs...)
}

func (e *engine) discoverStream(ctx context.Context, s config.Stream, sample window.Window) (schema.StreamSchema, error) {
	rows, err := e.exec.Execute(ctx, s, sample)
	if err != nil {
		return schema.StreamSchema{}, err
	}

	b := schema.NewBuilder(rows.Columns())
	n := 0
	for n < e.cfg.SampleRows && rows.Next() {
		b.Observe(rows.Row())
		n++
	}
	if err := rows.Err(); err != nil {
		return schema.StreamSchema{}, err
	}
	b.Declare(rows.Columns())

	discovered := b.Schema()
	e.logger.Info("Discovered stream schema",
		zap.String("stream", s.Name),
		zap.Int("sample_rows", n),
		zap.Int("columns", discovered.Len()))
	return discovered, nil
}

// runState is the bookmark state shared by the streams of one run.
type runState struct {
	mu sync.Mutex
	st state.State
}

func (r *runState) advance(stream string, t time.Time) state.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.Advance(stream, t)
	return r.st.Clone()
}

func (r *runState) snapshot() state.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Clone()
}

// Run extracts all streams concurrently; failures stay within their stream.
func (e *engine) Run(ctx context.Context, streams []config.Stream, initial state.State, schemas map[string]schema.StreamSchema) (*RunReport, error) {
	report := &RunReport{
		RunID:   uuid.New(),
		Started: e.cfg.Now().UTC(),
		Streams: make([]StreamReport, len(streams)),
	}
	logger := e.logger.With(zap.String("run_id", report.RunID.String()))
	shared := &runState{st: initial.Clone()}

	logger.Info("Starting run", zap.Int("streams", len(streams)))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, s := range streams {
		i, s := i, s
		g.Go(func() error {
			var frozen *schema.StreamSchema
			if sc, ok := schemas[s.Name]; ok {
				frozen = &sc
			}
			report.Streams[i] = e.runStream(ctx, s, frozen, shared, logger)
			e.recordRun(report.RunID, report.Streams[i], logger)
			return nil
		})
	}
	_ = g.Wait()

	report.Finished = e.cfg.Now().UTC()
	report.State = shared.snapshot()
	e.metrics.RunDuration(report.Finished.Sub(report.Started))

	logger.Info("Run finished",
		zap.Int("streams", len(streams)),
		zap.Int("failed", len(report.Failed())),
		zap.Int64("rows", report.Rows()),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)))
	return report, nil
}

func (e *engine) recordRun(runID uuid.UUID, r StreamReport, logger *zap.Logger) {
	recorder, ok := e.store.(state.RunRecorder)
	if !ok {
		return
	}
	rec := state.RunRecord{
		RunID:            runID,
		Stream:           r.Stream,
		Status:           string(r.Status),
		WindowsCompleted: r.WindowsCompleted,
		RowsEmitted:      r.RowsEmitted,
		Warnings:         r.Warnings,
		Bookmark:         r.Bookmark,
	}
	if r.Err != nil {
		rec.Error = logging.SanitizeError(r.Err)
	}
	if err := recorder.RecordRun(context.Background(), rec); err != nil {
		logger.Warn("Failed to record stream run",
			zap.String("stream", r.Stream),
			zap.String("error", logging.SanitizeError(err)))
	}
}

// streamRun is the mutable state of one stream in one run.
type streamRun struct {
	stream    config.Stream
	tracker   *bookmark.Tracker
	frozen    *schema.StreamSchema
	suggested schema.StreamSchema
	widened   bool
	proj      *projector.Projector
	columns   []query.Column // declared columns seen before the schema froze
	report    StreamReport
	logger    *zap.Logger
}

func (e *engine) runStream(ctx context.Context, s config.Stream, frozen *schema.StreamSchema, shared *runState, runLogger *zap.Logger) StreamReport {
	logger := runLogger.With(zap.String("stream", s.Name))
	sr := &streamRun{
		stream: s,
		frozen: frozen,
		report: StreamReport{Stream: s.Name, Status: StatusSucceeded},
		logger: logger,
	}

	initial, err := shared.snapshot().Lookup(s.Name)
	if err != nil {
		return sr.fail(e, fmt.Errorf("failed to read bookmark: %w", err), "state")
	}
	if !s.Incremental() {
		initial = nil
	}
	sr.tracker = bookmark.NewTracker(s.Name, s.ReplicationKey, initial)
	sr.report.Bookmark = sr.tracker.Value()

	windows, err := window.PlanStream(s, initial, e.cfg.Now(), e.cfg.LandingDelay)
	if err != nil {
		return sr.fail(e, err, "config")
	}
	sr.report.WindowsPlanned = len(windows)
	logger.Info("Planned windows",
		zap.Int("windows", len(windows)),
		zap.Timep("bookmark", initial))

	if frozen != nil {
		if err := sr.start(e, *frozen); err != nil {
			return sr.fail(e, err, "sink")
		}
	}

	for _, w := range windows {
		if ctx.Err() != nil {
			sr.report.Status = StatusCancelled
			sr.report.Err = fmt.Errorf("stream %q cancelled before window %s: %w", s.Name, w, ctx.Err())
			logger.Info("Run cancelled between windows", zap.Stringer("next_window", w))
			break
		}

		// The in-flight window is never abandoned half-written; attempt
		// timeouts still bound it.
		wctx := context.WithoutCancel(ctx)
		if err := e.runWindow(wctx, sr, w, shared); err != nil {
			return sr.fail(e, err, failureReason(err))
		}
	}

	if sr.frozen == nil && sr.columns != nil {
		// Every window was empty; announce the declared columns.
		if err := sr.start(e, schema.Discover(nil, sr.columns)); err != nil {
			return sr.fail(e, err, "sink")
		}
	}
	if sr.widened {
		suggested := sr.suggested
		sr.report.SuggestedSchema = &suggested
		logger.Warn("Rows did not fit the frozen schema; rediscover to widen it",
			zap.Int("suggested_columns", suggested.Len()))
	}
	sr.report.Bookmark = sr.tracker.Value()
	if sr.report.Bookmark != nil {
		e.metrics.BookmarkLag(s.Name, sr.tracker.Lag(e.cfg.Now()))
	}
	return sr.report
}

// start freezes the stream schema and announces it downstream.
func (sr *streamRun) start(e *engine, s schema.StreamSchema) error {
	sr.frozen = &s
	sr.suggested = s
	sr.proj = projector.New(sr.stream.Name, s)
	if err := e.sink.WriteSchema(sr.stream.Name, s, sr.stream.PrimaryKeys, sr.stream.ReplicationKey); err != nil {
		return fmt.Errorf("failed to write schema for stream %q: %w", sr.stream.Name, err)
	}
	return nil
}

func (e *engine) runWindow(ctx context.Context, sr *streamRun, w window.Window, shared *runState) error {
	logger := sr.logger.With(zap.Time("window_from", w.From), zap.Time("window_to", w.To))

	rows, err := e.exec.Execute(ctx, sr.stream, w)
	if err != nil {
		return err
	}
	extracted := e.cfg.Now().UTC()

	// Until a window returns rows, each window is buffered for schema
	// inference before anything is written.
	inferring := sr.frozen == nil
	var buffered []query.RawRow
	if inferring {
		for rows.Next() {
			buffered = append(buffered, rows.Row())
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(buffered) > 0 {
			if err := sr.start(e, schema.Discover(buffered, rows.Columns())); err != nil {
				return err
			}
		} else {
			sr.columns = rows.Columns()
			logger.Debug("Empty window, schema inference deferred")
		}
	}

	var emitted, warned int
	emit := func(row query.RawRow) error {
		rec, warnings := sr.proj.Project(row)
		if widened, changed := schema.Widen(sr.suggested, row); changed {
			sr.suggested = widened
			sr.widened = true
		}
		for _, wn := range warnings {
			if warned < maxLoggedWarnings {
				logger.Warn("Schema coercion", zap.String("column", wn.Column),
					zap.String("expected", wn.Expected), zap.String("value", wn.Value))
			}
			warned++
		}
		if err := e.sink.WriteRecord(sr.stream.Name, rec, extracted); err != nil {
			return fmt.Errorf("failed to write record for stream %q: %w", sr.stream.Name, err)
		}
		emitted++
		return nil
	}

	for _, row := range buffered {
		if err := emit(row); err != nil {
			return err
		}
	}
	if !inferring {
		for rows.Next() {
			if err := emit(rows.Row()); err != nil {
				return err
			}
		}
	}
	sr.report.RowsEmitted += int64(emitted)
	sr.report.Warnings += warned
	e.metrics.RowsEmitted(sr.stream.Name, emitted)
	e.metrics.CoercionWarnings(sr.stream.Name, warned)
	if err := rows.Err(); err != nil {
		return err
	}

	if err := e.sink.Flush(); err != nil {
		return fmt.Errorf("failed to flush records for stream %q: %w", sr.stream.Name, err)
	}

	if sr.tracker.Advance(w.To) {
		snapshot := shared.advance(sr.stream.Name, w.To)
		if err := e.sink.WriteState(snapshot); err != nil {
			return fmt.Errorf("failed to write state for stream %q: %w", sr.stream.Name, err)
		}
		if err := e.sink.Flush(); err != nil {
			return fmt.Errorf("failed to flush state for stream %q: %w", sr.stream.Name, err)
		}
		if err := e.store.Save(ctx, sr.stream.Name, w.To); err != nil {
			return fmt.Errorf("failed to persist bookmark for stream %q: %w", sr.stream.Name, err)
		}
	}

	sr.report.WindowsCompleted++
	e.metrics.WindowCompleted(sr.stream.Name)
	logger.Info("Window completed",
		zap.Int("rows", emitted),
		zap.Int("pages", rows.Pages()),
		zap.Int("warnings", warned),
		zap.Timep("bookmark", sr.tracker.Value()))
	return nil
}

func (sr *streamRun) fail(e *engine, err error, reason string) StreamReport {
	sr.report.Status = StatusFailed
	sr.report.Err = err
	if sr.tracker != nil {
		sr.report.Bookmark = sr.tracker.Value()
	}
	e.metrics.WindowFailed(sr.stream.Name, reason)
	sr.logger.Error("Stream failed",
		zap.String("reason", reason),
		zap.Bool("fatal", apperrors.IsFatal(err)),
		zap.Int("windows_completed", sr.report.WindowsCompleted),
		zap.Timep("bookmark", sr.report.Bookmark),
		zap.String("error", logging.SanitizeError(err)))
	return sr.report
}

func failureReason(err error) string {
	var tooLarge *apperrors.WindowTooLargeError
	var qe *apperrors.QueryExecutionError
	switch {
	case errors.As(err, &tooLarge):
		return "too_large"
	case errors.As(err, &qe) && qe.Fatal:
		return "fatal"
	case errors.As(err, &qe):
		return "transient"
	default:
		return "sink"
	}
}
