package services

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/jsonutil"
	"github.com/ekaya-inc/tap-loganalytics/pkg/schema"
)

// Catalog formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Catalog is the output of discovery and an optional input to runs.
type Catalog struct {
	Streams []CatalogEntry `json:"streams" yaml:"streams"`
}

// CatalogEntry describes one discovered stream. Columns is the frozen
// schema; Schema is its JSON Schema rendering for downstream tools.
type CatalogEntry struct {
	Stream         string                    `json:"stream" yaml:"stream"`
	TapStreamID    string                    `json:"tap_stream_id" yaml:"tap_stream_id"`
	KeyProperties  []string                  `json:"key_properties" yaml:"key_properties"`
	ReplicationKey string                    `json:"replication_key,omitempty" yaml:"replication_key,omitempty"`
	Columns        []schema.ColumnDescriptor `json:"columns" yaml:"columns"`
	Schema         map[string]any            `json:"schema" yaml:"schema"`
}

// NewCatalog builds a catalog from discovery results.
func NewCatalog(discovered []DiscoveredStream) *Catalog {
	c := &Catalog{Streams: make([]CatalogEntry, 0, len(discovered))}
	for _, d := range discovered {
		keys := d.Stream.PrimaryKeys
		if keys == nil {
			keys = []string{}
		}
		c.Streams = append(c.Streams, CatalogEntry{
			Stream:         d.Stream.Name,
			TapStreamID:    d.Stream.Name,
			KeyProperties:  keys,
			ReplicationKey: d.Stream.ReplicationKey,
			Columns:        d.Schema.Describe(),
			Schema:         schema.JSONSchema(d.Schema),
		})
	}
	return c
}

// Schemas returns the frozen schema of every catalog entry by stream name.
func (c *Catalog) Schemas() (map[string]schema.StreamSchema, error) {
	out := make(map[string]schema.StreamSchema, len(c.Streams))
	for _, e := range c.Streams {
		s, err := schema.FromDescriptors(e.Columns)
		if err != nil {
			return nil, fmt.Errorf("catalog stream %q: %w", e.Stream, err)
		}
		out[e.Stream] = s
	}
	return out, nil
}

// Select keeps the streams named in the catalog, preserving config order.
// An empty catalog selects everything.
func (c *Catalog) Select(streams []config.Stream) []config.Stream {
	if c == nil || len(c.Streams) == 0 {
		return streams
	}
	keep := make(map[string]bool, len(c.Streams))
	for _, e := range c.Streams {
		keep[e.Stream] = true
	}
	out := make([]config.Stream, 0, len(streams))
	for _, s := range streams {
		if keep[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// WriteCatalog encodes c in format.
func WriteCatalog(w io.Writer, c *Catalog, format string) error {
	switch format {
	case "", FormatJSON:
		data, err := jsonutil.API.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode catalog: %w", err)
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode catalog: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown catalog format %q", format)
	}
}

// ReadCatalog loads a catalog file. Files ending in .yaml or .yml are
// YAML; anything else is JSON.
func ReadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var c Catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("failed to parse catalog: %w", err)
		}
	default:
		if err := jsonutil.API.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to parse catalog: %w", err)
		}
	}
	return &c, nil
}
