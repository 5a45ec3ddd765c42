package projector

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
	"github.com/ekaya-inc/tap-loganalytics/pkg/schema"
)

func schemaOf(cols ...schema.Column) schema.StreamSchema {
	return schema.NewStreamSchema(cols)
}

func col(name string, t schema.ColumnType) schema.Column {
	return schema.Column{Name: name, Type: t}
}

func TestProject_Coercions(t *testing.T) {
	tests := []struct {
		name     string
		typ      schema.ColumnType
		value    any
		expected any
	}{
		{"integer from json number", schema.Of(schema.Integer), json.Number("42"), int64(42)},
		{"integer from integral float", schema.Of(schema.Integer), 3.0, int64(3)},
		{"integer from bool", schema.Of(schema.Integer), true, int64(1)},
		{"integer from numeric string", schema.Of(schema.Integer), " 17 ", int64(17)},
		{"float from json integer", schema.Of(schema.Float), json.Number("1"), float64(1)},
		{"float from json float", schema.Of(schema.Float), json.Number("1.5"), 1.5},
		{"float from string", schema.Of(schema.Float), "2.25", 2.25},
		{"boolean from string", schema.Of(schema.Boolean), "true", true},
		{"timestamp from time", schema.Of(schema.Timestamp), time.Date(2024, 1, 3, 12, 0, 0, 0, time.FixedZone("p", 7200)), "2024-01-03T10:00:00Z"},
		{"timestamp from string", schema.Of(schema.Timestamp), "2024-01-03T10:00:00.5+01:00", "2024-01-03T09:00:00.5Z"},
		{"string from number", schema.Of(schema.String), json.Number("7"), "7"},
		{"string from object", schema.Of(schema.String), map[string]any{"k": json.Number("1")}, `{"k":1}`},
		{"object passes", schema.Of(schema.Object), map[string]any{"k": "v"}, map[string]any{"k": "v"}},
		{"array of object passes", schema.Of(schema.ArrayOfObject), []any{map[string]any{}}, []any{map[string]any{}}},
		{"array of object wraps lone object", schema.Of(schema.ArrayOfObject), map[string]any{"k": "v"}, []any{map[string]any{"k": "v"}}},
		{"array of primitive coerces elements", schema.ArrayOf(schema.Float), []any{json.Number("1"), json.Number("2.5"), nil}, []any{float64(1), 2.5, nil}},
		{"array of primitive wraps scalar", schema.ArrayOf(schema.Integer), json.Number("3"), []any{int64(3)}},
		{"array of string stringifies elements", schema.ArrayOf(schema.String), []any{json.Number("1"), "x"}, []any{"1", "x"}},
		{"array of primitive keeps strays as strings", schema.ArrayOf(schema.Integer), []any{json.Number("1"), "x"}, []any{int64(1), "x"}},
		{"array never populated passes elements", schema.ArrayOf(schema.Null), []any{"a"}, []any{"a"}},
		{"null only column takes strings", schema.Of(schema.Null), "late", "late"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := schemaOf(col("c", tt.typ))
			rec, warnings := Project(query.NewRawRow([]string{"c"}, []any{tt.value}), s)
			assert.Empty(t, warnings)
			assert.Equal(t, tt.expected, rec.Get("c"))
		})
	}
}

func TestProject_DegradesToStringWithWarning(t *testing.T) {
	tests := []struct {
		name     string
		typ      schema.ColumnType
		value    any
		expected string
	}{
		{"fractional into integer", schema.Of(schema.Integer), json.Number("1.5"), "1.5"},
		{"word into integer", schema.Of(schema.Integer), "many", "many"},
		{"word into boolean", schema.Of(schema.Boolean), "maybe", "maybe"},
		{"bad timestamp", schema.Of(schema.Timestamp), "yesterday", "yesterday"},
		{"scalar into object", schema.Of(schema.Object), json.Number("5"), "5"},
		{"scalar into array of object", schema.Of(schema.ArrayOfObject), "x", "x"},
		{"object into array of primitive", schema.ArrayOf(schema.String), map[string]any{"a": true}, `{"a":true}`},
		{"number into null only column", schema.Of(schema.Null), json.Number("9"), "9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("exceptions", schemaOf(col("c", tt.typ)))
			rec, warnings := p.Project(query.NewRawRow([]string{"c"}, []any{tt.value}))
			assert.Equal(t, tt.expected, rec.Get("c"))
			require.Len(t, warnings, 1)
			assert.Equal(t, "exceptions", warnings[0].Stream)
			assert.Equal(t, "c", warnings[0].Column)
			assert.Equal(t, tt.typ.String(), warnings[0].Expected)
			assert.Contains(t, warnings[0].Error(), "emitted as string")
		})
	}
}

func TestProject_ColumnOrderMissingAndExtras(t *testing.T) {
	s := schemaOf(
		col("TimeGenerated", schema.Of(schema.Timestamp)),
		col("Count", schema.Of(schema.Integer)),
		col("Absent", schema.Of(schema.String)),
	)
	row := query.NewRawRow(
		[]string{"Extra", "Count", "TimeGenerated", "Nested"},
		[]any{json.Number("1"), json.Number("2"), "2024-01-01T00:00:00Z", map[string]any{"a": nil}},
	)

	rec, warnings := Project(row, s)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"TimeGenerated", "Count", "Absent", "Extra", "Nested"}, rec.Columns)
	assert.Nil(t, rec.Get("Absent"))
	assert.Contains(t, rec.Values, "Absent")
	assert.Equal(t, "1", rec.Get("Extra"))
	assert.Equal(t, `{"a":null}`, rec.Get("Nested"))
	assert.Equal(t, int64(2), rec.Get("Count"))
}

func TestProject_NullsPassThrough(t *testing.T) {
	s := schemaOf(col("n", schema.Of(schema.Integer)), col("o", schema.Of(schema.Object)))
	rec, warnings := Project(query.NewRawRow([]string{"n", "o", "x"}, []any{nil, nil, nil}), s)
	assert.Empty(t, warnings)
	assert.Nil(t, rec.Get("n"))
	assert.Nil(t, rec.Get("o"))
	assert.Nil(t, rec.Get("x"))
	assert.Len(t, rec.Columns, 3)
}

func TestProject_DiscoveredSchemaAdmitsSamples(t *testing.T) {
	samples := []query.RawRow{
		query.NewRawRow([]string{"a", "p"}, []any{json.Number("1"), []any{map[string]any{"k": json.Number("1")}}}),
		query.NewRawRow([]string{"a", "p"}, []any{"x", []any{}}),
	}
	s := schema.Discover(samples, nil)

	for _, row := range samples {
		_, warnings := Project(row, s)
		assert.Empty(t, warnings)
	}
	rec, _ := Project(samples[0], s)
	assert.Equal(t, "1", rec.Get("a"))
}

func TestProject_WarningValueTruncated(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'z'
	}
	_, warnings := Project(query.NewRawRow([]string{"c"}, []any{string(long)}), schemaOf(col("c", schema.Of(schema.Boolean))))
	require.Len(t, warnings, 1)
	assert.Less(t, len(warnings[0].Value), 200)
}
