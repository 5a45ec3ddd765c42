// Package sink delivers schemas, records and state downstream.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ekaya-inc/tap-loganalytics/pkg/jsonutil"
	"github.com/ekaya-inc/tap-loganalytics/pkg/projector"
	"github.com/ekaya-inc/tap-loganalytics/pkg/schema"
	"github.com/ekaya-inc/tap-loganalytics/pkg/state"
)

// Sink receives the output of a run. Within a stream, calls arrive in
// order: one schema, then records, with state after each window.
type Sink interface {
	WriteSchema(stream string, s schema.StreamSchema, keyProperties []string, replicationKey string) error
	WriteRecord(stream string, rec projector.Record, extracted time.Time) error
	WriteState(st state.State) error
	Flush() error
}

// Message types of the Singer specification.
const (
	TypeSchema = "SCHEMA"
	TypeRecord = "RECORD"
	TypeState  = "STATE"
)

type schemaMessage struct {
	Type               string         `json:"type"`
	Stream             string         `json:"stream"`
	Schema             map[string]any `json:"schema"`
	KeyProperties      []string       `json:"key_properties"`
	BookmarkProperties []string       `json:"bookmark_properties,omitempty"`
}

type recordMessage struct {
	Type          string         `json:"type"`
	Stream        string         `json:"stream"`
	Record        map[string]any `json:"record"`
	TimeExtracted string         `json:"time_extracted"`
}

type stateMessage struct {
	Type  string      `json:"type"`
	Value state.State `json:"value"`
}

// SingerWriter writes newline-delimited Singer messages. Writes from
// concurrent streams interleave as whole lines.
type SingerWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

var _ Sink = (*SingerWriter)(nil)

// NewSingerWriter buffers messages to w.
func NewSingerWriter(w io.Writer) *SingerWriter {
	return &SingerWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

// WriteSchema emits a SCHEMA message.
func (s *SingerWriter) WriteSchema(stream string, sc schema.StreamSchema, keyProperties []string, replicationKey string) error {
	msg := schemaMessage{
		Type:          TypeSchema,
		Stream:        stream,
		Schema:        schema.JSONSchema(sc),
		KeyProperties: keyProperties,
	}
	if msg.KeyProperties == nil {
		msg.KeyProperties = []string{}
	}
	if replicationKey != "" {
		msg.BookmarkProperties = []string{replicationKey}
	}
	return s.write(msg)
}

// WriteRecord emits a RECORD message.
func (s *SingerWriter) WriteRecord(stream string, rec projector.Record, extracted time.Time) error {
	return s.write(recordMessage{
		Type:          TypeRecord,
		Stream:        stream,
		Record:        rec.Values,
		TimeExtracted: extracted.UTC().Format(time.RFC3339Nano),
	})
}

// WriteState emits a STATE message.
func (s *SingerWriter) WriteState(st state.State) error {
	if st.Bookmarks == nil {
		st = state.New()
	}
	return s.write(stateMessage{Type: TypeState, Value: st})
}

// Flush writes buffered messages through.
func (s *SingerWriter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

func (s *SingerWriter) write(msg any) error {
	line, err := jsonutil.API.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
