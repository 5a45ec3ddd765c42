package retry

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64 // 0.0-1.0, default 0.1 for +/-10% jitter to prevent thundering herd
	MaxSameErrorType int     // After N consecutive same-type errors, treat as permanent (0 disables)
}

// DefaultConfig returns defaults for short local operations such as state
// store connections: 3 retries with 100ms initial delay, capped at 5s,
// doubling each time, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

// QueryConfig returns defaults for remote query attempts: 5 retries,
// 1s initial delay capped at 30s, doubling, with 10% jitter.
func QueryConfig() *Config {
	return &Config{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// applyJitter adds random jitter to a delay.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// State is the position of a Machine in its lifecycle.
type State int

const (
	// Pending means an attempt may be started.
	Pending State = iota
	// Backoff means the last attempt failed transiently and the caller
	// should wait Decision.Delay before the next attempt.
	Backoff
	// Succeeded is terminal: an attempt succeeded.
	Succeeded
	// Exhausted is terminal: every permitted attempt failed transiently.
	Exhausted
	// Aborted is terminal: a fatal error, escalation, or cancellation.
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Backoff:
		return "backoff"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further attempts are permitted.
func (s State) Terminal() bool {
	return s == Succeeded || s == Exhausted || s == Aborted
}

// Class is the retry classification of an error.
type Class int

const (
	Transient Class = iota
	Fatal
)

// Classifier maps an error to its retry class.
type Classifier func(error) Class

// DefaultClassifier uses IsRetryable.
func DefaultClassifier(err error) Class {
	if IsRetryable(err) {
		return Transient
	}
	return Fatal
}

func alwaysTransient(error) Class { return Transient }

// Decision is what a Machine tells its driver after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Machine is the retry policy as an explicit state machine. It never
// sleeps or performs I/O itself, so the attempt/backoff sequence can be
// stepped through in tests without a live endpoint. Not safe for
// concurrent use; one Machine drives one logical operation.
type Machine struct {
	cfg      Config
	classify Classifier
	jitter   func(time.Duration, float64) time.Duration

	state     State
	attempts  int
	nextDelay time.Duration
	elapsed   time.Duration
	lastErr   error

	lastErrorType  string
	sameErrorCount int
}

// NewMachine creates a Machine. A nil cfg uses DefaultConfig and a nil
// classifier uses DefaultClassifier.
func NewMachine(cfg *Config, classify Classifier) *Machine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Machine{
		cfg:       *cfg,
		classify:  classify,
		jitter:    applyJitter,
		state:     Pending,
		nextDelay: cfg.InitialDelay,
	}
}

// Attempt starts the next attempt and returns its 1-based number.
// It returns 0 if the machine is terminal.
func (m *Machine) Attempt() int {
	if m.state.Terminal() {
		return 0
	}
	m.state = Pending
	m.attempts++
	return m.attempts
}

// Success records that the current attempt succeeded.
func (m *Machine) Success() {
	if m.state.Terminal() {
		return
	}
	m.state = Succeeded
	m.lastErr = nil
}

// Failure records that the current attempt failed with err and returns
// whether, and after what delay, the next attempt should run.
func (m *Machine) Failure(err error) Decision {
	if m.state.Terminal() {
		return Decision{}
	}
	m.lastErr = err

	if m.classify(err) == Fatal {
		m.state = Aborted
		return Decision{}
	}

	if m.cfg.MaxSameErrorType > 0 {
		current := classifyErrorType(err)
		if current == m.lastErrorType {
			m.sameErrorCount++
		} else {
			m.sameErrorCount = 1
			m.lastErrorType = current
		}
		if m.sameErrorCount >= m.cfg.MaxSameErrorType {
			m.lastErr = fmt.Errorf("repeated error (%d times, type=%s): %w", m.sameErrorCount, current, err)
			m.state = Aborted
			return Decision{}
		}
	}

	if m.attempts > m.cfg.MaxRetries {
		m.state = Exhausted
		return Decision{}
	}

	delay := m.jitter(m.nextDelay, m.cfg.JitterFactor)
	m.elapsed += delay
	m.nextDelay = time.Duration(float64(m.nextDelay) * m.cfg.Multiplier)
	if m.nextDelay > m.cfg.MaxDelay {
		m.nextDelay = m.cfg.MaxDelay
	}
	m.state = Backoff
	return Decision{Retry: true, Delay: delay}
}

// Cancel aborts the machine, e.g. when the context ends during backoff.
func (m *Machine) Cancel(err error) {
	if m.state.Terminal() {
		return
	}
	m.lastErr = err
	m.state = Aborted
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Attempts returns the number of attempts started so far.
func (m *Machine) Attempts() int { return m.attempts }

// Elapsed returns the total backoff delay handed out so far.
func (m *Machine) Elapsed() time.Duration { return m.elapsed }

// Err returns the error that drove the machine into its current state,
// or nil after success.
func (m *Machine) Err() error { return m.lastErr }

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives m until it reaches a terminal state. The returned error is
// m.Err() on failure, or ctx.Err() when cancelled during backoff.
func Run(ctx context.Context, m *Machine, fn func(attempt int) error) error {
	for {
		attempt := m.Attempt()
		if attempt == 0 {
			return m.Err()
		}
		err := fn(attempt)
		if err == nil {
			m.Success()
			return nil
		}
		d := m.Failure(err)
		if !d.Retry {
			return m.Err()
		}
		if werr := wait(ctx, d.Delay); werr != nil {
			m.Cancel(werr)
			return werr
		}
	}
}

// Do executes fn with exponential backoff retry logic, retrying every error.
// Returns nil on success, or last error after all retries exhausted.
// Respects context cancellation during wait periods.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	plain := *cfg
	plain.MaxSameErrorType = 0
	return Run(ctx, NewMachine(&plain, alwaysTransient), func(int) error { return fn() })
}

// DoWithResult executes fn and returns both result and error.
// The last result is kept even on error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		r, err := fn()
		result = r
		return err
	})
	return result, err
}

// DoIfRetryable only retries if the error is transient.
// For permanent errors (auth failures, bad queries, etc.), it returns immediately.
// After N consecutive failures of the same error type, escalates to permanent failure.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	return Run(ctx, NewMachine(cfg, DefaultClassifier), func(int) error { return fn() })
}

// RetryableError is an interface for errors that explicitly declare their retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsRetryable determines if an error is transient and worth retrying.
//
// The function checks errors in this order:
// 1. If the error implements RetryableError interface, use its IsRetryable() method
// 2. Otherwise, pattern-match against known retryable error strings
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		// Connection errors
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"network is unreachable",
		"unexpected eof",
		// HTTP status codes
		"408",
		"429",
		"500",
		"502",
		"503",
		"504",
		// HTTP error messages
		"rate limit",
		"throttled",
		"service busy",
		"service unavailable",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// classifyErrorType extracts a category from error for comparison.
// This is used to detect repeated failures of the same error type.
func classifyErrorType(err error) string {
	if err == nil {
		return "nil"
	}

	errStr := strings.ToLower(err.Error())

	httpCodes := []string{"503", "502", "504", "500", "429", "408", "404", "403", "401", "400"}
	for _, code := range httpCodes {
		if strings.Contains(errStr, code) {
			return code
		}
	}

	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") {
		return "connection"
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "timeout"
	}
	if strings.Contains(errStr, "broken pipe") {
		return "broken_pipe"
	}
	if strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests") || strings.Contains(errStr, "throttled") {
		return "rate_limit"
	}

	return "unknown"
}
