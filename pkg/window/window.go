// Package window turns a stream's extraction range into ordered, disjoint
// half-open query windows.
package window

import (
	"fmt"
	"time"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
)

// DefaultLandingDelay is how far behind "now" the range end is placed.
const DefaultLandingDelay = 5 * time.Minute

// DefaultLookback is the first-run range of an incremental stream that has
// no start date or timespan.
const DefaultLookback = 24 * time.Hour

// Window is the half-open interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Duration returns To - From.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

// Range is a resolved extraction range [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the range holds nothing to extract.
func (r Range) Empty() bool {
	return !r.Start.Before(r.End)
}

// ResolveRange picks the range start from, in order: the bookmark (only
// for streams with a replication key), the stream's start date, now minus
// the stream's timespan, and for incremental streams the range end minus
// DefaultLookback. The end is now minus landingDelay.
func ResolveRange(stream config.Stream, bookmark *time.Time, now time.Time, landingDelay time.Duration) (Range, error) {
	if landingDelay < 0 {
		return Range{}, apperrors.NewConfigurationError(stream.Name, "landing_delay", "must not be negative")
	}
	now = now.UTC()

	end := now.Add(-landingDelay)

	var start time.Time
	switch {
	case bookmark != nil && stream.Incremental():
		start = *bookmark
	case stream.StartDate != nil:
		start = *stream.StartDate
	case stream.Timespan > 0:
		start = now.Add(-stream.Timespan)
	case stream.Incremental():
		start = end.Add(-DefaultLookback)
	default:
		return Range{}, &apperrors.ConfigurationError{
			Stream: stream.Name,
			Field:  "start_date",
			Reason: apperrors.ErrNoRange.Error(),
		}
	}

	return Range{Start: start.UTC(), End: end}, nil
}

// Plan splits r into consecutive windows of length chunk, the last one
// truncated to r.End. An empty range yields no windows.
func Plan(r Range, chunk time.Duration) ([]Window, error) {
	if chunk <= 0 {
		return nil, apperrors.NewConfigurationError("", "chunk_size", fmt.Sprintf("must be positive, got %s", chunk))
	}
	if r.Empty() {
		return nil, nil
	}

	start, end := r.Start.UTC(), r.End.UTC()
	windows := make([]Window, 0, int(end.Sub(start)/chunk)+1)
	for from := start; from.Before(end); {
		to := from.Add(chunk)
		if to.After(end) {
			to = end
		}
		windows = append(windows, Window{From: from, To: to})
		from = to
	}
	return windows, nil
}

// PlanStream resolves the range for stream and plans its windows. The
// stream name is attached to any configuration error.
func PlanStream(stream config.Stream, bookmark *time.Time, now time.Time, landingDelay time.Duration) ([]Window, error) {
	r, err := ResolveRange(stream, bookmark, now, landingDelay)
	if err != nil {
		return nil, err
	}
	windows, err := Plan(r, stream.ChunkSize)
	if err != nil {
		return nil, apperrors.NewConfigurationError(stream.Name, "chunk_size", fmt.Sprintf("must be positive, got %s", stream.ChunkSize))
	}
	return windows, nil
}
