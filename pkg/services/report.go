package services

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/tap-loganalytics/pkg/schema"
	"github.com/ekaya-inc/tap-loganalytics/pkg/state"
)

// StreamStatus is the outcome of one stream in a run.
type StreamStatus string

const (
	StatusSucceeded StreamStatus = "succeeded"
	StatusFailed    StreamStatus = "failed"
	StatusCancelled StreamStatus = "cancelled"
)

// StreamReport summarizes one stream of a run.
type StreamReport struct {
	Stream           string
	Status           StreamStatus
	WindowsPlanned   int
	WindowsCompleted int
	RowsEmitted      int64
	Warnings         int
	Bookmark         *time.Time
	// SuggestedSchema is set when rows did not fit the frozen schema; it is
	// the widened schema to use on the next discovery.
	SuggestedSchema *schema.StreamSchema
	Err             error
}

// RunReport summarizes a run. Streams are in the order they were given.
type RunReport struct {
	RunID    uuid.UUID
	Started  time.Time
	Finished time.Time
	Streams  []StreamReport
	// State is the bookmark state after the run.
	State state.State
}

// Failed returns the reports of streams that did not succeed.
func (r *RunReport) Failed() []StreamReport {
	var out []StreamReport
	for _, s := range r.Streams {
		if s.Status != StatusSucceeded {
			out = append(out, s)
		}
	}
	return out
}

// Err joins the errors of all failed streams.
func (r *RunReport) Err() error {
	var errs []error
	for _, s := range r.Streams {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// Rows returns the total records emitted.
func (r *RunReport) Rows() int64 {
	var n int64
	for _, s := range r.Streams {
		n += s.RowsEmitted
	}
	return n
}
