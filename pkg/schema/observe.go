package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Observe classifies a single decoded value. Arrays holding any object
// are array-of-object; other arrays are array-of-primitive with their
// elements' joined scalar kind. Nested arrays count as string elements.
func Observe(v any) ColumnType {
	switch x := v.(type) {
	case nil:
		return Of(Null)
	case bool:
		return Of(Boolean)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Of(Integer)
	case float32, float64:
		return Of(Float)
	case json.Number:
		return Of(numberKind(x))
	case string:
		return Of(String)
	case time.Time:
		return Of(Timestamp)
	case map[string]any:
		return Of(Object)
	case []any:
		return observeArray(x)
	case []map[string]any:
		return Of(ArrayOfObject)
	case []string:
		if len(x) == 0 {
			return ArrayOf(Null)
		}
		return ArrayOf(String)
	default:
		return Of(String)
	}
}

func observeArray(elems []any) ColumnType {
	items := Null
	for _, e := range elems {
		switch e.(type) {
		case map[string]any:
			return Of(ArrayOfObject)
		default:
			k := Observe(e).Kind
			if !k.Scalar() {
				k = String
			}
			items = joinScalar(items, k)
		}
	}
	return ArrayOf(items)
}

func numberKind(n json.Number) Kind {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return Float
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return Float
	}
	return Integer
}

// Declared maps a Log Analytics column type to its ColumnType. It returns
// false for dynamic and unknown types, whose shape comes from evidence only.
func Declared(azureType string) (ColumnType, bool) {
	switch strings.ToLower(strings.TrimSpace(azureType)) {
	case "string", "guid", "timespan":
		return Of(String), true
	case "int", "long":
		return Of(Integer), true
	case "real", "decimal":
		return Of(Float), true
	case "bool", "boolean":
		return Of(Boolean), true
	case "datetime":
		return Of(Timestamp), true
	default:
		return ColumnType{}, false
	}
}
