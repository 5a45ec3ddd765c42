package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
)

func allTypes() []ColumnType {
	types := []ColumnType{
		Of(Null), Of(Boolean), Of(Integer), Of(Float), Of(Timestamp), Of(String),
		Of(Object), Of(ArrayOfObject),
	}
	for _, items := range []Kind{Null, Boolean, Integer, Float, Timestamp, String} {
		types = append(types, ArrayOf(items))
	}
	return types
}

func TestJoin_LatticeLaws(t *testing.T) {
	types := allTypes()
	for _, a := range types {
		assert.Equal(t, a, Join(a, a), "idempotent %s", a)
		assert.Equal(t, a, Join(Of(Null), a), "null identity %s", a)
		for _, b := range types {
			assert.Equal(t, Join(a, b), Join(b, a), "commutative %s %s", a, b)
			j := Join(a, b)
			assert.True(t, j.Covers(a) && j.Covers(b), "upper bound %s %s", a, b)
			for _, c := range types {
				assert.Equal(t, Join(Join(a, b), c), Join(a, Join(b, c)), "associative %s %s %s", a, b, c)
			}
		}
	}
}

func TestJoin_Precedence(t *testing.T) {
	tests := []struct {
		a, b     ColumnType
		expected ColumnType
	}{
		{Of(Integer), Of(String), Of(String)},
		{Of(Integer), Of(Float), Of(Float)},
		{Of(Boolean), Of(Integer), Of(Integer)},
		{Of(Timestamp), Of(Integer), Of(String)},
		{Of(Timestamp), Of(Timestamp), Of(Timestamp)},
		{Of(Object), Of(String), Of(Object)},
		{ArrayOf(Integer), Of(Object), ArrayOf(Integer)},
		{ArrayOf(Integer), ArrayOf(Float), ArrayOf(Float)},
		{ArrayOf(Null), ArrayOf(String), ArrayOf(String)},
		{Of(ArrayOfObject), ArrayOf(String), Of(ArrayOfObject)},
		{Of(ArrayOfObject), Of(Object), Of(ArrayOfObject)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, Join(tt.a, tt.b), "%s ⊔ %s", tt.a, tt.b)
	}
}

func TestObserve(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected ColumnType
	}{
		{"nil", nil, Of(Null)},
		{"bool", true, Of(Boolean)},
		{"int", 3, Of(Integer)},
		{"int64", int64(3), Of(Integer)},
		{"float", 1.5, Of(Float)},
		{"json integer", json.Number("42"), Of(Integer)},
		{"json float", json.Number("4.2"), Of(Float)},
		{"json exponent", json.Number("1e3"), Of(Float)},
		{"json overflow", json.Number("123456789012345678901234567890"), Of(Float)},
		{"string", "x", Of(String)},
		{"time", time.Now(), Of(Timestamp)},
		{"object", map[string]any{"k": 1}, Of(Object)},
		{"empty array", []any{}, ArrayOf(Null)},
		{"array of ints", []any{json.Number("1"), json.Number("2")}, ArrayOf(Integer)},
		{"array mixed scalars", []any{json.Number("1"), "x"}, ArrayOf(String)},
		{"array with null", []any{nil, true}, ArrayOf(Boolean)},
		{"array with object", []any{json.Number("1"), map[string]any{}}, Of(ArrayOfObject)},
		{"nested array", []any{[]any{json.Number("1")}}, ArrayOf(String)},
		{"typed string slice", []string{"a"}, ArrayOf(String)},
		{"typed object slice", []map[string]any{{}}, Of(ArrayOfObject)},
		{"unknown type", struct{}{}, Of(String)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Observe(tt.value))
		})
	}
}

func TestDeclared(t *testing.T) {
	tests := map[string]ColumnType{
		"string":   Of(String),
		"guid":     Of(String),
		"timespan": Of(String),
		"int":      Of(Integer),
		"long":     Of(Integer),
		"real":     Of(Float),
		"decimal":  Of(Float),
		"bool":     Of(Boolean),
		"datetime": Of(Timestamp),
		"DateTime": Of(Timestamp),
	}
	for azure, expected := range tests {
		got, ok := Declared(azure)
		assert.True(t, ok, azure)
		assert.Equal(t, expected, got, azure)
	}
	_, ok := Declared("dynamic")
	assert.False(t, ok)
	_, ok = Declared("something-new")
	assert.False(t, ok)
}

func rows(column string, values ...any) []query.RawRow {
	out := make([]query.RawRow, len(values))
	for i, v := range values {
		out[i] = query.NewRawRow([]string{column}, []any{v})
	}
	return out
}

func TestDiscover_IntegerAndStringBecomeString(t *testing.T) {
	s := Discover(rows("a", json.Number("1"), "x"), nil)
	c, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, Of(String), c.Type)
}

func TestDiscover_ArrayOfObjectDominatesEmptyArray(t *testing.T) {
	s := Discover(rows("p", []any{map[string]any{"k": json.Number("1")}}, []any{}), nil)
	c, _ := s.Lookup("p")
	assert.Equal(t, Of(ArrayOfObject), c.Type)
}

func TestDiscover_AllNullIsNullOnly(t *testing.T) {
	s := Discover(rows("n", nil, nil), []query.Column{{Name: "n", Type: "dynamic"}})
	c, _ := s.Lookup("n")
	assert.Equal(t, Of(Null), c.Type)
	assert.Equal(t, "dynamic", c.Declared)
	assert.False(t, c.Authoritative)
}

func TestDiscover_ObjectDominatesScalars(t *testing.T) {
	s := Discover(rows("d", "text", map[string]any{"a": 1}, json.Number("3")), nil)
	c, _ := s.Lookup("d")
	assert.Equal(t, Of(Object), c.Type)
}

func TestDiscover_DeclaredScalarIsAuthoritative(t *testing.T) {
	declared := []query.Column{{Name: "Count", Type: "long"}, {Name: "Props", Type: "dynamic"}}
	samples := []query.RawRow{
		query.NewRawRow([]string{"Count", "Props"}, []any{json.Number("1"), map[string]any{}}),
		query.NewRawRow([]string{"Count", "Props"}, []any{"oops", []any{json.Number("1")}}),
	}
	s := Discover(samples, declared)

	count, _ := s.Lookup("Count")
	assert.Equal(t, Of(Integer), count.Type)
	assert.True(t, count.Authoritative)

	props, _ := s.Lookup("Props")
	assert.Equal(t, ArrayOf(Integer), props.Type)
}

func TestDiscover_ColumnOrderAndIdempotence(t *testing.T) {
	declared := []query.Column{{Name: "b", Type: "string"}, {Name: "a", Type: "dynamic"}}
	samples := []query.RawRow{
		query.NewRawRow([]string{"a", "b", "z"}, []any{json.Number("1"), "x", nil}),
		query.NewRawRow([]string{"y", "a"}, []any{true, json.Number("2.5")}),
	}

	first := Discover(samples, declared)
	assert.Equal(t, []string{"b", "a", "z", "y"}, first.Names())

	for i := 0; i < 5; i++ {
		assert.True(t, first.Equal(Discover(samples, declared)))
	}
	a, _ := first.Lookup("a")
	assert.Equal(t, Of(Float), a.Type)
}

func TestDiscover_NoSamples(t *testing.T) {
	s := Discover(nil, []query.Column{{Name: "TimeGenerated", Type: "datetime"}, {Name: "Props", Type: "dynamic"}})
	assert.Equal(t, 2, s.Len())
	props, _ := s.Lookup("Props")
	assert.Equal(t, Of(Null), props.Type)
}

func TestBuilder_MatchesDiscover(t *testing.T) {
	samples := rows("v", json.Number("1"), nil, json.Number("2.5"), true)
	b := NewBuilder(nil)
	for _, r := range samples {
		b.Observe(r)
	}
	assert.True(t, b.Schema().Equal(Discover(samples, nil)))
}

func TestWiden_MonotonicAndImmutable(t *testing.T) {
	base := Discover(rows("v", json.Number("1")), nil)
	original := base.Columns()

	sequence := []any{json.Number("2"), json.Number("2.5"), "text", map[string]any{}, []any{json.Number("1")}, []any{map[string]any{}}, nil, true}
	current := base
	for _, v := range sequence {
		row := query.NewRawRow([]string{"v"}, []any{v})
		next, changed := Widen(current, row)

		assert.True(t, next.Covers(current), "widening must never narrow (value %v)", v)
		assert.True(t, next.Admits(row))
		if !changed {
			assert.True(t, next.Equal(current))
		}
		current = next
	}

	assert.Equal(t, original, base.Columns(), "input schema must not be mutated")
	v, _ := current.Lookup("v")
	assert.Equal(t, Of(ArrayOfObject), v.Type)
}

func TestWiden_AddsUnknownColumns(t *testing.T) {
	base := Discover(rows("a", "x"), nil)
	row := query.NewRawRow([]string{"a", "extra"}, []any{"y", json.Number("5")})

	widened, changed := Widen(base, row)
	require.True(t, changed)
	assert.Equal(t, []string{"a", "extra"}, widened.Names())
	extra, _ := widened.Lookup("extra")
	assert.Equal(t, Of(Integer), extra.Type)
	assert.Equal(t, 1, base.Len())
}

func TestWiden_IgnoresAuthoritativeColumns(t *testing.T) {
	base := Discover(nil, []query.Column{{Name: "Count", Type: "long"}})
	_, changed := Widen(base, query.NewRawRow([]string{"Count"}, []any{"not a number"}))
	assert.False(t, changed)
}

func TestDescriptors_RoundTrip(t *testing.T) {
	s := Discover([]query.RawRow{
		query.NewRawRow([]string{"t", "tags", "props", "list"}, []any{time.Now(), []any{"a"}, map[string]any{}, []any{map[string]any{}}}),
	}, []query.Column{{Name: "t", Type: "datetime"}})

	back, err := FromDescriptors(s.Describe())
	require.NoError(t, err)
	assert.True(t, s.Equal(back))

	_, err = FromDescriptors([]ColumnDescriptor{{Name: "x", Kind: "tuple"}})
	assert.Error(t, err)
}

func TestKindStrings(t *testing.T) {
	for k := Null; k <= ArrayOfObject; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	assert.Equal(t, "array-of-primitive<integer>", ArrayOf(Integer).String())
}
