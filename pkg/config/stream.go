package config

import (
	"fmt"
	"time"
)

// Stream is a named extraction unit bound to one query. Values are
// created from configuration at process start and never modified.
type Stream struct {
	Name           string
	Query          string
	PrimaryKeys    []string
	ReplicationKey string
	// Timespan is the fixed lookback used when there is no bookmark and no start date.
	Timespan  time.Duration
	ChunkSize time.Duration
	StartDate *time.Time
}

// Incremental reports whether the stream keeps a bookmark between runs.
func (s Stream) Incremental() bool {
	return s.ReplicationKey != ""
}

func (s Stream) String() string {
	return fmt.Sprintf("stream %q", s.Name)
}
