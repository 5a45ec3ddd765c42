// Package schema infers per-column structural types from sampled rows and
// folds them into a frozen, ordered StreamSchema.
package schema

import "fmt"

// Kind is the structural type of a column.
type Kind uint8

const (
	Null Kind = iota
	Boolean
	Integer
	Float
	Timestamp
	String
	Object
	ArrayOfPrimitive
	ArrayOfObject
)

var kindNames = [...]string{
	Null:             "null",
	Boolean:          "boolean",
	Integer:          "integer",
	Float:            "float",
	Timestamp:        "timestamp",
	String:           "string",
	Object:           "object",
	ArrayOfPrimitive: "array-of-primitive",
	ArrayOfObject:    "array-of-object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return Null, fmt.Errorf("unknown column kind %q", s)
}

// Scalar reports whether k is null or a scalar kind.
func (k Kind) Scalar() bool {
	return k <= String
}

// containerRank orders the structured kinds above all scalars.
func (k Kind) containerRank() int {
	switch k {
	case ArrayOfObject:
		return 3
	case ArrayOfPrimitive:
		return 2
	case Object:
		return 1
	default:
		return 0
	}
}

// ColumnType is a column's structural type. Items is the element kind of
// an ArrayOfPrimitive column (Null while only empty arrays were seen) and
// is Null for every other kind.
type ColumnType struct {
	Kind  Kind
	Items Kind
}

// Of returns the ColumnType for a non-array kind.
func Of(k Kind) ColumnType {
	return ColumnType{Kind: k}
}

// ArrayOf returns an ArrayOfPrimitive type with the given element kind.
func ArrayOf(items Kind) ColumnType {
	return ColumnType{Kind: ArrayOfPrimitive, Items: items}
}

func (t ColumnType) String() string {
	if t.Kind == ArrayOfPrimitive && t.Items != Null {
		return fmt.Sprintf("%s<%s>", t.Kind, t.Items)
	}
	return t.Kind.String()
}

// Join returns the least type that can represent values of both a and b.
// It is commutative, associative and idempotent, with Null as identity:
// array-of-object outranks array-of-primitive, which outranks object,
// which outranks every scalar. Scalars widen boolean < integer < float <
// string, and timestamp joined with any other scalar is string.
func Join(a, b ColumnType) ColumnType {
	if a.Kind == Null {
		return b
	}
	if b.Kind == Null {
		return a
	}

	ra, rb := a.Kind.containerRank(), b.Kind.containerRank()
	switch {
	case ra > rb:
		return a
	case rb > ra:
		return b
	case ra > 0:
		if a.Kind == ArrayOfPrimitive {
			return ArrayOf(joinScalar(a.Items, b.Items))
		}
		return a
	default:
		return Of(joinScalar(a.Kind, b.Kind))
	}
}

func joinScalar(a, b Kind) Kind {
	switch {
	case a == Null:
		return b
	case b == Null:
		return a
	case a == b:
		return a
	case a == Timestamp || b == Timestamp:
		return String
	case a > b:
		return a
	default:
		return b
	}
}

// Covers reports whether t already represents every value of o.
func (t ColumnType) Covers(o ColumnType) bool {
	return Join(t, o) == t
}
