// Package state persists per-stream replication bookmarks between runs.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
	"github.com/ekaya-inc/tap-loganalytics/pkg/jsonutil"
)

// Bookmark is the persisted position of one stream.
type Bookmark struct {
	ReplicationKeyValue string `json:"replication_key_value"`
}

// State is the Singer-style state document:
//
//	{"bookmarks": {"<stream>": {"replication_key_value": "<RFC 3339>"}}}
type State struct {
	Bookmarks map[string]Bookmark `json:"bookmarks"`
}

// New returns an empty State.
func New() State {
	return State{Bookmarks: map[string]Bookmark{}}
}

// Get returns the bookmark of stream. It returns apperrors.ErrNotFound
// when the stream has none.
func (s State) Get(stream string) (time.Time, error) {
	b, ok := s.Bookmarks[stream]
	if !ok || b.ReplicationKeyValue == "" {
		return time.Time{}, apperrors.ErrNotFound
	}
	t, err := time.Parse(time.RFC3339Nano, b.ReplicationKeyValue)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid bookmark for stream %q: %w", stream, err)
	}
	return t.UTC(), nil
}

// Lookup is Get with a nil result for streams without a bookmark.
func (s State) Lookup(stream string) (*time.Time, error) {
	t, err := s.Get(stream)
	if err == apperrors.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Advance sets the bookmark of stream to t unless the existing bookmark
// is already at or past t. It reports whether the state changed.
func (s *State) Advance(stream string, t time.Time) bool {
	if s.Bookmarks == nil {
		s.Bookmarks = map[string]Bookmark{}
	}
	if cur, err := s.Get(stream); err == nil && !t.After(cur) {
		return false
	}
	s.Bookmarks[stream] = Bookmark{ReplicationKeyValue: FormatBookmark(t)}
	return true
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := New()
	for k, v := range s.Bookmarks {
		out.Bookmarks[k] = v
	}
	return out
}

// FormatBookmark renders a bookmark value.
func FormatBookmark(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Parse decodes a state document. Empty input is an empty State.
func Parse(data []byte) (State, error) {
	s := New()
	if len(data) == 0 {
		return s, nil
	}
	if err := jsonutil.API.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to parse state: %w", err)
	}
	if s.Bookmarks == nil {
		s.Bookmarks = map[string]Bookmark{}
	}
	return s, nil
}

// Marshal encodes s as an indented state document.
func Marshal(s State) ([]byte, error) {
	if s.Bookmarks == nil {
		s = New()
	}
	return jsonutil.API.MarshalIndent(s, "", "  ")
}

// Store persists bookmarks. Save never moves a stream's bookmark
// backwards. Implementations are safe for concurrent use.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, stream string, bookmark time.Time) error
	Close() error
}
