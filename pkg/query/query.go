package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/tap-loganalytics/pkg/window"
)

// Column is a result column as declared by the remote engine.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PageRequest asks the remote engine for one page of a window's result set.
// Continuation is empty for the first page.
type PageRequest struct {
	WorkspaceID  string
	Query        string
	Window       window.Window
	Continuation string
}

// PartialError is a non-HTTP error the remote engine attached to an
// otherwise successful response.
type PartialError struct {
	Code    string
	Message string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial result (%s): %s", e.Code, e.Message)
}

// SizeLimited reports whether the engine cut the result short because it
// hit its row or byte limit.
func (e *PartialError) SizeLimited() bool {
	s := strings.ToLower(e.Code + " " + e.Message)
	for _, marker := range []string{"too_large", "too large", "exceeded", "truncat"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Page is one response from the remote engine.
type Page struct {
	Columns      []Column
	Rows         [][]any
	Continuation string
	Partial      *PartialError
}

// Client fetches result pages from the remote engine. Implementations
// must be safe for concurrent use by multiple streams.
type Client interface {
	QueryPage(ctx context.Context, req PageRequest) (*Page, error)
}

// RemoteError is an HTTP-level failure reported by a Client.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable implements retry.RetryableError.
func (e *RemoteError) IsRetryable() bool {
	switch {
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// RawRow is an ordered column to value mapping as returned by the remote
// engine. Rows are never mutated after creation; Columns may be shared
// between rows of the same page.
type RawRow struct {
	Columns []string
	Values  []any
	index   map[string]int
}

// NewRawRow builds a row from parallel columns and values.
func NewRawRow(columns []string, values []any) RawRow {
	return RawRow{Columns: columns, Values: values}
}

// Get returns the value of column name.
func (r RawRow) Get(name string) (any, bool) {
	if r.index != nil {
		i, ok := r.index[name]
		if !ok || i >= len(r.Values) {
			return nil, false
		}
		return r.Values[i], true
	}
	for i, c := range r.Columns {
		if c == name {
			if i >= len(r.Values) {
				return nil, false
			}
			return r.Values[i], true
		}
	}
	return nil, false
}

// Len returns the number of columns in the row.
func (r RawRow) Len() int {
	return len(r.Columns)
}

const (
	startPlaceholder = "{{start}}"
	endPlaceholder   = "{{end}}"
)

// Render substitutes the window bounds into the query's {{start}} and
// {{end}} placeholders as KQL datetime literals. Queries without
// placeholders are returned unchanged; the window is then applied through
// the request timespan alone.
func Render(query string, w window.Window) string {
	if !strings.Contains(query, "{{") {
		return query
	}
	r := strings.NewReplacer(
		startPlaceholder, datetimeLiteral(w.From),
		endPlaceholder, datetimeLiteral(w.To),
	)
	return r.Replace(query)
}

func datetimeLiteral(t time.Time) string {
	return "datetime(" + t.UTC().Format(time.RFC3339Nano) + ")"
}
