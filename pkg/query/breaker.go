package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
	"github.com/ekaya-inc/tap-loganalytics/pkg/retry"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the reset period has passed.
	CircuitOpen
	// CircuitHalfOpen lets a single probe request through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive transient failures that trip
	// the circuit.
	Threshold int
	// ResetAfter is how long the circuit stays open before a probe.
	ResetAfter time.Duration
}

// DefaultBreakerConfig trips after 10 failures and probes after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 10, ResetAfter: 30 * time.Second}
}

// CircuitOpenError is returned without contacting the remote engine while
// the circuit is open. It is retryable.
type CircuitOpenError struct {
	State    CircuitState
	Failures int
	RetryIn  time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == CircuitHalfOpen {
		return "workspace circuit half-open: probe request in flight"
	}
	return fmt.Sprintf("workspace circuit open after %d consecutive failures, retry in %v",
		e.Failures, e.RetryIn.Round(time.Second))
}

// IsRetryable implements retry.RetryableError.
func (e *CircuitOpenError) IsRetryable() bool { return true }

// Breaker is a Client shared by every stream of a workspace. Transient
// failures and attempt timeouts from any stream count toward tripping the
// circuit; a fatal response proves the engine reachable and counts as
// success. A cancelled request counts as neither.
type Breaker struct {
	next   Client
	cfg    BreakerConfig
	now    func() time.Time
	logger *zap.Logger

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
}

var _ Client = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Client, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold < 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = def.ResetAfter
	}
	return &Breaker{
		next:   next,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.OrNop(logger).Named("breaker"),
	}
}

// QueryPage implements Client.
func (b *Breaker) QueryPage(ctx context.Context, req PageRequest) (*Page, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	page, err := b.next.QueryPage(ctx, req)
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(ctx.Err(), context.Canceled):
		b.abandonProbe()
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		// Attempt timeouts count against the workspace.
		b.recordFailure()
	case Classify(err) == retry.Transient:
		b.recordFailure()
	default:
		b.recordSuccess()
	}
	return page, err
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		since := b.now().Sub(b.lastFailure)
		if since >= b.cfg.ResetAfter {
			b.state = CircuitHalfOpen
			return nil
		}
		return &CircuitOpenError{State: CircuitOpen, Failures: b.failures, RetryIn: b.cfg.ResetAfter - since}
	default:
		return &CircuitOpenError{State: CircuitHalfOpen, Failures: b.failures}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitClosed {
		b.logger.Info("Workspace circuit closed")
	}
	b.failures = 0
	b.state = CircuitClosed
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == CircuitHalfOpen || (b.state == CircuitClosed && b.failures >= b.cfg.Threshold) {
		b.state = CircuitOpen
		b.logger.Warn("Workspace circuit opened",
			zap.Int("consecutive_failures", b.failures),
			zap.Duration("reset_after", b.cfg.ResetAfter))
	}
}

// abandonProbe reopens a half-open circuit whose probe was cancelled so
// the next request can probe again.
func (b *Breaker) abandonProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
	}
}
