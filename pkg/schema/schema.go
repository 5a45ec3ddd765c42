package schema

import (
	"fmt"

	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
)

// Column is one column of a StreamSchema. Declared is the remote engine's
// type name; when it maps to a scalar type, Authoritative is set and
// evidence never changes Type.
type Column struct {
	Name          string
	Type          ColumnType
	Declared      string
	Authoritative bool
}

// StreamSchema is an ordered, immutable mapping from column name to type.
// The zero value is an empty schema.
type StreamSchema struct {
	columns []Column
	index   map[string]int
}

// NewStreamSchema builds a schema from columns in order. Later duplicates
// of a name are ignored.
func NewStreamSchema(columns []Column) StreamSchema {
	s := StreamSchema{
		columns: make([]Column, 0, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		if _, dup := s.index[c.Name]; dup {
			continue
		}
		s.index[c.Name] = len(s.columns)
		s.columns = append(s.columns, c)
	}
	return s
}

// Columns returns a copy of the columns in order.
func (s StreamSchema) Columns() []Column {
	return append([]Column(nil), s.columns...)
}

// Names returns the column names in order.
func (s StreamSchema) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of columns.
func (s StreamSchema) Len() int {
	return len(s.columns)
}

// Lookup returns the column called name.
func (s StreamSchema) Lookup(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// Equal reports whether both schemas have the same columns in the same order.
func (s StreamSchema) Equal(o StreamSchema) bool {
	if len(s.columns) != len(o.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != o.columns[i] {
			return false
		}
	}
	return true
}

// Covers reports whether s has every column of o with a type at least as wide.
func (s StreamSchema) Covers(o StreamSchema) bool {
	for _, oc := range o.columns {
		c, ok := s.Lookup(oc.Name)
		if !ok || !c.Type.Covers(oc.Type) {
			return false
		}
	}
	return true
}

// Builder folds rows into a schema incrementally. Column order is the
// declared order, then order of first appearance. Not safe for concurrent use.
type Builder struct {
	order   []string
	columns map[string]*Column
}

// NewBuilder seeds a Builder with the remote engine's declared columns.
func NewBuilder(declared []query.Column) *Builder {
	b := &Builder{columns: make(map[string]*Column, len(declared))}
	for _, d := range declared {
		b.declare(d)
	}
	return b
}

func (b *Builder) declare(d query.Column) {
	if _, ok := b.columns[d.Name]; ok {
		return
	}
	c := &Column{Name: d.Name, Declared: d.Type}
	if t, ok := Declared(d.Type); ok {
		c.Type = t
		c.Authoritative = true
	}
	b.columns[d.Name] = c
	b.order = append(b.order, d.Name)
}

// Declare adds declared columns not yet known, e.g. from a later page.
func (b *Builder) Declare(declared []query.Column) {
	for _, d := range declared {
		b.declare(d)
	}
}

// Observe folds one row into the builder.
func (b *Builder) Observe(row query.RawRow) {
	for i, name := range row.Columns {
		var v any
		if i < len(row.Values) {
			v = row.Values[i]
		}
		c, ok := b.columns[name]
		if !ok {
			c = &Column{Name: name}
			b.columns[name] = c
			b.order = append(b.order, name)
		}
		if !c.Authoritative {
			c.Type = Join(c.Type, Observe(v))
		}
	}
}

// Schema freezes the current state into a StreamSchema.
func (b *Builder) Schema() StreamSchema {
	cols := make([]Column, len(b.order))
	for i, name := range b.order {
		cols[i] = *b.columns[name]
	}
	return NewStreamSchema(cols)
}

// Discover infers a schema from sample rows and the declared columns.
// The result depends only on its inputs, so repeated calls agree.
func Discover(samples []query.RawRow, declared []query.Column) StreamSchema {
	b := NewBuilder(declared)
	for _, row := range samples {
		b.Observe(row)
	}
	return b.Schema()
}

// Admits reports whether every column of row is present in s with a type
// that already represents its value. Authoritative columns admit anything;
// mismatches there are the projector's concern.
func (s StreamSchema) Admits(row query.RawRow) bool {
	for i, name := range row.Columns {
		c, ok := s.Lookup(name)
		if !ok {
			return false
		}
		if c.Authoritative || i >= len(row.Values) {
			continue
		}
		if !c.Type.Covers(Observe(row.Values[i])) {
			return false
		}
	}
	return true
}

// Widen returns existing widened to also represent row, and whether
// anything changed. Columns missing from existing are appended with
// their observed type. existing is never modified.
func Widen(existing StreamSchema, row query.RawRow) (StreamSchema, bool) {
	if existing.Admits(row) {
		return existing, false
	}
	b := &Builder{
		order:   existing.Names(),
		columns: make(map[string]*Column, existing.Len()+len(row.Columns)),
	}
	for _, c := range existing.columns {
		c := c
		b.columns[c.Name] = &c
	}
	b.Observe(row)
	return b.Schema(), true
}

// ColumnDescriptor is the serialized form of a Column used in catalogs.
type ColumnDescriptor struct {
	Name          string `json:"name" yaml:"name"`
	Kind          string `json:"kind" yaml:"kind"`
	Items         string `json:"items,omitempty" yaml:"items,omitempty"`
	DeclaredType  string `json:"declared_type,omitempty" yaml:"declared_type,omitempty"`
	Authoritative bool   `json:"authoritative,omitempty" yaml:"authoritative,omitempty"`
}

// Describe returns the serialized form of s.
func (s StreamSchema) Describe() []ColumnDescriptor {
	out := make([]ColumnDescriptor, len(s.columns))
	for i, c := range s.columns {
		d := ColumnDescriptor{
			Name:          c.Name,
			Kind:          c.Type.Kind.String(),
			DeclaredType:  c.Declared,
			Authoritative: c.Authoritative,
		}
		if c.Type.Kind == ArrayOfPrimitive {
			d.Items = c.Type.Items.String()
		}
		out[i] = d
	}
	return out
}

// FromDescriptors rebuilds a schema written by Describe.
func FromDescriptors(descs []ColumnDescriptor) (StreamSchema, error) {
	cols := make([]Column, 0, len(descs))
	for _, d := range descs {
		kind, err := ParseKind(d.Kind)
		if err != nil {
			return StreamSchema{}, fmt.Errorf("column %q: %w", d.Name, err)
		}
		t := Of(kind)
		if kind == ArrayOfPrimitive && d.Items != "" {
			items, err := ParseKind(d.Items)
			if err != nil {
				return StreamSchema{}, fmt.Errorf("column %q items: %w", d.Name, err)
			}
			t.Items = items
		}
		cols = append(cols, Column{Name: d.Name, Type: t, Declared: d.DeclaredType, Authoritative: d.Authoritative})
	}
	return NewStreamSchema(cols), nil
}
