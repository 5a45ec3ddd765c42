// Package projector turns raw result rows into records that conform to a
// frozen StreamSchema.
package projector

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
	"github.com/ekaya-inc/tap-loganalytics/pkg/jsonutil"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
	"github.com/ekaya-inc/tap-loganalytics/pkg/schema"
)

// maxWarningValue bounds the value text carried in a coercion warning.
const maxWarningValue = 120

// Record is one projected row. Columns lists schema columns in schema
// order followed by any extra row columns in row order.
type Record struct {
	Columns []string
	Values  map[string]any
}

// Get returns the projected value for column name.
func (r Record) Get(name string) any {
	return r.Values[name]
}

// Projector projects rows of one stream against its frozen schema.
type Projector struct {
	stream string
	schema schema.StreamSchema
}

// New creates a Projector for stream.
func New(stream string, s schema.StreamSchema) *Projector {
	return &Projector{stream: stream, schema: s}
}

// Project coerces row into the shape of s. Values that cannot be
// represented under their column type are emitted as strings and
// reported as warnings; rows are never dropped.
func Project(row query.RawRow, s schema.StreamSchema) (Record, []apperrors.SchemaCoercionWarning) {
	return New("", s).Project(row)
}

// Project coerces one row.
func (p *Projector) Project(row query.RawRow) (Record, []apperrors.SchemaCoercionWarning) {
	rec := Record{
		Columns: p.schema.Names(),
		Values:  make(map[string]any, p.schema.Len()+len(row.Columns)),
	}
	var warnings []apperrors.SchemaCoercionWarning

	for _, col := range p.schema.Columns() {
		v, ok := row.Get(col.Name)
		if !ok || v == nil {
			rec.Values[col.Name] = nil
			continue
		}
		out, ok := coerce(v, col.Type)
		if !ok {
			out = jsonutil.StringValue(v)
			warnings = append(warnings, p.warning(col.Name, col.Type, v))
		}
		rec.Values[col.Name] = out
	}

	for i, name := range row.Columns {
		if _, known := p.schema.Lookup(name); known {
			continue
		}
		if _, seen := rec.Values[name]; seen {
			continue
		}
		var v any
		if i < len(row.Values) {
			v = row.Values[i]
		}
		rec.Columns = append(rec.Columns, name)
		if v == nil {
			rec.Values[name] = nil
		} else {
			rec.Values[name] = jsonutil.StringValue(v)
		}
	}

	return rec, warnings
}

func (p *Projector) warning(column string, t schema.ColumnType, v any) apperrors.SchemaCoercionWarning {
	return apperrors.SchemaCoercionWarning{
		Stream:   p.stream,
		Column:   column,
		Expected: t.String(),
		Value:    logging.TruncateString(jsonutil.StringValue(v), maxWarningValue),
	}
}

// coerce converts a non-nil v to t, reporting false when v cannot be
// represented.
func coerce(v any, t schema.ColumnType) (any, bool) {
	switch t.Kind {
	case schema.Null:
		s, ok := v.(string)
		return s, ok
	case schema.String:
		return jsonutil.StringValue(v), true
	case schema.Object:
		m, ok := v.(map[string]any)
		return m, ok
	case schema.ArrayOfObject:
		return toObjectArray(v)
	case schema.ArrayOfPrimitive:
		return toPrimitiveArray(v, t.Items)
	default:
		return coerceScalar(v, t.Kind)
	}
}

func toObjectArray(v any) (any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out, true
	case map[string]any:
		return []any{x}, true
	default:
		return nil, false
	}
}

func toPrimitiveArray(v any, items schema.Kind) (any, bool) {
	var elems []any
	switch x := v.(type) {
	case []any:
		elems = x
	case []string:
		elems = make([]any, len(x))
		for i, s := range x {
			elems[i] = s
		}
	case map[string]any, []map[string]any:
		return nil, false
	default:
		elems = []any{x}
	}

	out := make([]any, len(elems))
	for i, e := range elems {
		out[i] = coerceElement(e, items)
	}
	return out, true
}

// coerceElement never fails: elements that do not fit become strings.
func coerceElement(e any, items schema.Kind) any {
	if e == nil || items == schema.Null {
		return e
	}
	if items == schema.String {
		return jsonutil.StringValue(e)
	}
	if out, ok := coerceScalar(e, items); ok {
		return out
	}
	return jsonutil.StringValue(e)
}

func coerceScalar(v any, k schema.Kind) (any, bool) {
	switch k {
	case schema.Boolean:
		return toBool(v)
	case schema.Integer:
		return toInt(v)
	case schema.Float:
		return toFloat(v)
	case schema.Timestamp:
		return toTimestamp(v)
	case schema.String:
		return jsonutil.StringValue(v), true
	default:
		return nil, false
	}
}

func toBool(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	default:
		return nil, false
	}
}

func toInt(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1), true
		}
		return int64(0), true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case float32:
		return integral(float64(x))
	case float64:
		return integral(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		f, err := x.Float64()
		if err != nil {
			return nil, false
		}
		return integral(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return i, err == nil
	default:
		return nil, false
	}
}

func integral(f float64) (any, bool) {
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, false
	}
	return int64(f), true
}

func toFloat(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return float64(1), true
		}
		return float64(0), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return nil, false
	}
}

func toTimestamp(v any) (any, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return ts.UTC().Format(time.RFC3339Nano), true
	default:
		return nil, false
	}
}
