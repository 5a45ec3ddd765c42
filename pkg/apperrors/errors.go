package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrNoRange  = errors.New("stream has no replication key, start_date, or timespan")
)

// ConfigurationError is fatal for the affected stream and never retried.
type ConfigurationError struct {
	Stream string // empty for global settings
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Stream != "" {
		fmt.Fprintf(&b, " in stream %q", e.Stream)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// NewConfigurationError creates a ConfigurationError for a stream field.
func NewConfigurationError(stream, field, reason string) *ConfigurationError {
	return &ConfigurationError{Stream: stream, Field: field, Reason: reason}
}

// QueryExecutionError reports a window whose query could not be completed.
// Fatal errors (malformed query, authorization) abort the stream
// immediately; non-fatal ones are transient failures that exhausted the
// retry budget and will be re-attempted on the next run.
type QueryExecutionError struct {
	Stream     string
	WindowFrom time.Time
	WindowTo   time.Time
	Attempts   int
	Fatal      bool
	StatusCode int
	Cause      error
}

func (e *QueryExecutionError) Error() string {
	kind := "retries exhausted"
	if e.Fatal {
		kind = "non-retryable"
	}
	msg := fmt.Sprintf("query for stream %q window [%s, %s) failed (%s after %d attempt(s))",
		e.Stream, e.WindowFrom.Format(time.RFC3339), e.WindowTo.Format(time.RFC3339), kind, e.Attempts)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" HTTP %d", e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *QueryExecutionError) Unwrap() error {
	return e.Cause
}

// IsRetryable implements retry.RetryableError. An exhausted window is worth
// re-attempting on a later run; a fatal one is not.
func (e *QueryExecutionError) IsRetryable() bool {
	return !e.Fatal
}

// WindowTooLargeError reports a window whose result set exceeds the remote
// engine's row or size limit. The window is never truncated silently.
type WindowTooLargeError struct {
	Stream           string
	WindowFrom       time.Time
	WindowTo         time.Time
	Rows             int
	Limit            int
	RemoteCode       string
	RecommendedChunk time.Duration
}

func (e *WindowTooLargeError) Error() string {
	reason := fmt.Sprintf("%d rows exceed the limit of %d", e.Rows, e.Limit)
	if e.RemoteCode != "" {
		reason = fmt.Sprintf("remote engine reported %s after %d rows", e.RemoteCode, e.Rows)
	}
	return fmt.Sprintf("window [%s, %s) of stream %q is too large: %s; reduce chunk_size to %s or less",
		e.WindowFrom.Format(time.RFC3339), e.WindowTo.Format(time.RFC3339), e.Stream, reason, e.RecommendedChunk)
}

// IsRetryable implements retry.RetryableError. Re-running the same window
// yields the same result set.
func (e *WindowTooLargeError) IsRetryable() bool {
	return false
}

// RecommendChunk halves a window duration with a one minute floor.
func RecommendChunk(window time.Duration) time.Duration {
	half := (window / 2).Truncate(time.Minute)
	if half < time.Minute {
		return time.Minute
	}
	return half
}

// SchemaCoercionWarning is non-fatal: the field was emitted as its string
// representation because it could not be represented under its column type.
type SchemaCoercionWarning struct {
	Stream   string
	Column   string
	Expected string
	Value    string
}

func (w SchemaCoercionWarning) Error() string {
	return fmt.Sprintf("stream %q column %q: value %s is not representable as %s, emitted as string",
		w.Stream, w.Column, w.Value, w.Expected)
}

// IsFatal reports whether err should stop a stream rather than just the
// current run window.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return true
	}
	var tooLarge *WindowTooLargeError
	if errors.As(err, &tooLarge) {
		return true
	}
	var qe *QueryExecutionError
	if errors.As(err, &qe) {
		return qe.Fatal
	}
	return false
}
