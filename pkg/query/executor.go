package query

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
	"github.com/ekaya-inc/tap-loganalytics/pkg/retry"
	"github.com/ekaya-inc/tap-loganalytics/pkg/window"
)

// DefaultMaxRows is the Log Analytics result-set cap.
const DefaultMaxRows = 500000

// ExecutorConfig tunes retries, attempt timeouts and the per-window row cap.
type ExecutorConfig struct {
	Retry          *retry.Config
	AttemptTimeout time.Duration
	MaxRows        int
	// OnAttempt, if set, is called after every page request attempt with
	// its outcome: "success", "transient" or "fatal".
	OnAttempt func(stream, outcome string)
}

// DefaultExecutorConfig returns 5 retries with 1s to 30s backoff, a
// 2 minute attempt timeout and the 500000 row cap.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Retry:          retry.QueryConfig(),
		AttemptTimeout: 2 * time.Minute,
		MaxRows:        DefaultMaxRows,
	}
}

// Executor runs one query per window and hides continuation-token
// pagination behind a row cursor.
type Executor struct {
	client      Client
	workspaceID string
	cfg         ExecutorConfig
	logger      *zap.Logger
}

// NewExecutor creates an Executor. Zero-valued config fields take defaults.
func NewExecutor(client Client, workspaceID string, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	def := DefaultExecutorConfig()
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	return &Executor{
		client:      client,
		workspaceID: workspaceID,
		cfg:         cfg,
		logger:      logging.OrNop(logger).Named("query"),
	}
}

// Execute queries stream for window w. The first page is fetched before
// Execute returns so column metadata is available; later pages are
// fetched as the cursor drains. The result is restartable only by calling
// Execute again with the same window.
func (e *Executor) Execute(ctx context.Context, stream config.Stream, w window.Window) (*Rows, error) {
	rows := &Rows{
		exec:   e,
		ctx:    ctx,
		stream: stream,
		window: w,
		query:  Render(stream.Query, w),
	}
	if err := rows.fetch(""); err != nil {
		return nil, err
	}
	return rows, nil
}

// Classify maps a page request error to its retry class. HTTP 408, 429
// and 5xx, network timeouts, connection resets and attempt deadlines are
// transient; other HTTP statuses are fatal.
func Classify(err error) retry.Class {
	if err == nil {
		return retry.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient
	}
	if errors.Is(err, context.Canceled) {
		return retry.Fatal
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		if remote.IsRetryable() {
			return retry.Transient
		}
		return retry.Fatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Transient
	}
	return retry.DefaultClassifier(err)
}

// fetchPage requests one page under the retry state machine, each attempt
// bounded by AttemptTimeout.
func (e *Executor) fetchPage(ctx context.Context, stream config.Stream, w window.Window, req PageRequest) (*Page, error) {
	classify := func(err error) retry.Class {
		if ctx.Err() != nil {
			return retry.Fatal
		}
		return Classify(err)
	}
	machine := retry.NewMachine(e.cfg.Retry, classify)

	fields := []zap.Field{
		zap.String("stream", stream.Name),
		zap.Time("window_from", w.From),
		zap.Time("window_to", w.To),
	}

	var page *Page
	err := retry.Run(ctx, machine, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()

		p, err := e.client.QueryPage(attemptCtx, req)
		if err != nil {
			outcome := "transient"
			if classify(err) == retry.Fatal {
				outcome = "fatal"
			}
			e.observe(stream.Name, outcome)
			e.logger.Warn("Query attempt failed",
				append(fields,
					zap.Int("attempt", attempt),
					zap.String("outcome", outcome),
					zap.String("error", logging.SanitizeError(err)))...)
			return err
		}
		e.observe(stream.Name, "success")
		page = p
		return nil
	})
	if err == nil {
		return page, nil
	}

	qe := &apperrors.QueryExecutionError{
		Stream:     stream.Name,
		WindowFrom: w.From,
		WindowTo:   w.To,
		Attempts:   machine.Attempts(),
		Cause:      err,
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		qe.StatusCode = remote.StatusCode
	}
	// Cancellation and exhaustion both leave the window for the next run.
	if ctx.Err() == nil && machine.State() == retry.Aborted && Classify(err) == retry.Fatal {
		qe.Fatal = true
	}
	e.logger.Error("Query failed",
		append(fields,
			zap.Int("attempts", qe.Attempts),
			zap.Bool("fatal", qe.Fatal),
			zap.String("query", logging.SanitizeQuery(stream.Query)),
			zap.String("error", logging.SanitizeError(err)))...)
	return nil, qe
}

func (e *Executor) observe(stream, outcome string) {
	if e.cfg.OnAttempt != nil {
		e.cfg.OnAttempt(stream, outcome)
	}
}

// Rows is a cursor over one window's result set, in the order the remote
// engine returned it.
//
//	rows, err := exec.Execute(ctx, stream, w)
//	for rows.Next() {
//		row := rows.Row()
//	}
//	if err := rows.Err(); err != nil { ... }
type Rows struct {
	exec   *Executor
	ctx    context.Context
	stream config.Stream
	window window.Window
	query  string

	columns []Column
	names   []string
	index   map[string]int

	page  [][]any
	pos   int
	next  string
	pages int
	total int

	current RawRow
	err     error
}

// Next advances to the next row, fetching continuation pages as needed.
func (r *Rows) Next() bool {
	for {
		if r.err != nil {
			return false
		}
		if r.pos < len(r.page) {
			r.current = RawRow{Columns: r.names, Values: r.page[r.pos], index: r.index}
			r.pos++
			return true
		}
		if r.next == "" {
			return false
		}
		if err := r.fetch(r.next); err != nil {
			r.err = err
			return false
		}
	}
}

// Row returns the current row.
func (r *Rows) Row() RawRow {
	return r.current
}

// Columns returns the declared columns of the most recent page.
func (r *Rows) Columns() []Column {
	return r.columns
}

// Err returns the error that stopped iteration, if any.
func (r *Rows) Err() error {
	return r.err
}

// Pages returns the number of pages fetched so far.
func (r *Rows) Pages() int {
	return r.pages
}

// Total returns the number of rows received so far.
func (r *Rows) Total() int {
	return r.total
}

func (r *Rows) fetch(continuation string) error {
	e := r.exec
	page, err := e.fetchPage(r.ctx, r.stream, r.window, PageRequest{
		WorkspaceID:  e.workspaceID,
		Query:        r.query,
		Window:       r.window,
		Continuation: continuation,
	})
	if err != nil {
		return err
	}

	r.pages++
	r.total += len(page.Rows)

	if page.Partial != nil && page.Partial.SizeLimited() {
		return r.tooLarge(page.Partial.Code)
	}
	if r.total > e.cfg.MaxRows {
		return r.tooLarge("")
	}
	if page.Partial != nil {
		e.logger.Warn("Partial results for window",
			zap.String("stream", r.stream.Name),
			zap.Time("window_from", r.window.From),
			zap.Time("window_to", r.window.To),
			zap.String("code", page.Partial.Code),
			zap.String("message", logging.SanitizeError(page.Partial)))
	}

	if len(page.Columns) > 0 || r.columns == nil {
		r.setColumns(page.Columns)
	}
	r.page = page.Rows
	r.pos = 0
	r.next = page.Continuation
	return nil
}

func (r *Rows) setColumns(columns []Column) {
	r.columns = columns
	r.names = make([]string, len(columns))
	r.index = make(map[string]int, len(columns))
	for i, c := range columns {
		r.names[i] = c.Name
		r.index[c.Name] = i
	}
}

func (r *Rows) tooLarge(code string) error {
	err := &apperrors.WindowTooLargeError{
		Stream:           r.stream.Name,
		WindowFrom:       r.window.From,
		WindowTo:         r.window.To,
		Rows:             r.total,
		Limit:            r.exec.cfg.MaxRows,
		RemoteCode:       code,
		RecommendedChunk: apperrors.RecommendChunk(r.window.Duration()),
	}
	r.exec.logger.Error("Window result set too large",
		zap.String("stream", r.stream.Name),
		zap.Time("window_from", r.window.From),
		zap.Time("window_to", r.window.To),
		zap.Int("rows", r.total),
		zap.Duration("recommended_chunk", err.RecommendedChunk))
	return err
}
