// Package bookmark tracks the replication bookmark of a stream.
package bookmark

import (
	"sync"
	"time"
)

// Tracker holds the highest fully-emitted window upper bound of one
// stream. A Tracker for a stream without a replication key is inert.
type Tracker struct {
	mu     sync.Mutex
	stream string
	inert  bool
	value  *time.Time
}

// NewTracker creates a Tracker for stream. replicationKey is empty for
// full-table streams. initial is the persisted bookmark, if any.
func NewTracker(stream, replicationKey string, initial *time.Time) *Tracker {
	t := &Tracker{stream: stream, inert: replicationKey == ""}
	if initial != nil && !t.inert {
		v := initial.UTC()
		t.value = &v
	}
	return t
}

// Stream returns the stream name.
func (t *Tracker) Stream() string {
	return t.stream
}

// Inert reports whether the tracker ignores Advance.
func (t *Tracker) Inert() bool {
	return t.inert
}

// Advance moves the bookmark to upper if that is later than the current
// value. It reports whether the bookmark changed.
func (t *Tracker) Advance(upper time.Time) bool {
	if t.inert {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	upper = upper.UTC()
	if t.value != nil && !upper.After(*t.value) {
		return false
	}
	t.value = &upper
	return true
}

// Value returns a copy of the current bookmark, or nil if none is set.
func (t *Tracker) Value() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.value == nil {
		return nil
	}
	v := *t.value
	return &v
}

// Lag returns how far the bookmark trails now, or zero when unset.
func (t *Tracker) Lag(now time.Time) time.Duration {
	v := t.Value()
	if v == nil || now.Before(*v) {
		return 0
	}
	return now.Sub(*v)
}
