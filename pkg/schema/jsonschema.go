package schema

// JSONSchema renders s as the JSON Schema object used in catalogs and
// SCHEMA messages. Every property is nullable because any row may omit
// any column; properties beyond the schema are allowed.
func JSONSchema(s StreamSchema) map[string]any {
	props := make(map[string]any, len(s.columns))
	for _, c := range s.columns {
		props[c.Name] = PropertySchema(c.Type)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": true,
	}
}

// PropertySchema renders one column type.
func PropertySchema(t ColumnType) map[string]any {
	switch t.Kind {
	case Null:
		return map[string]any{"type": []string{"null", "string"}}
	case Timestamp:
		return map[string]any{"type": []string{"string", "null"}, "format": "date-time"}
	case Object:
		return map[string]any{"type": []string{"object", "null"}, "additionalProperties": true}
	case ArrayOfObject:
		return map[string]any{
			"type":  []string{"array", "null"},
			"items": map[string]any{"type": "object", "additionalProperties": true},
		}
	case ArrayOfPrimitive:
		items := map[string]any{}
		if t.Items != Null {
			items = map[string]any{"type": []string{scalarName(t.Items), "null"}}
			if t.Items == Timestamp {
				items["format"] = "date-time"
			}
		}
		return map[string]any{"type": []string{"array", "null"}, "items": items}
	default:
		return map[string]any{"type": []string{scalarName(t.Kind), "null"}}
	}
}

func scalarName(k Kind) string {
	switch k {
	case Boolean:
		return "boolean"
	case Integer:
		return "integer"
	case Float:
		return "number"
	default:
		return "string"
	}
}
