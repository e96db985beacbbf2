package schema

import "fmt"

// Kind is the storage kind of a column.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindBool
	KindTimestamp
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindTimestamp:
		return "timestamp"
	case KindJSON:
		return "json"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Numeric reports whether values of the kind are ordered numbers.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindFloat
}

// Point type tags accepted in points-details.
const (
	TagInt    = "i"
	TagFloat  = "f"
	TagString = "s"
	TagBool   = "b"
)

var registry = map[string]Kind{
	TagInt:    KindInt,
	TagFloat:  KindFloat,
	TagString: KindString,
	TagBool:   KindBool,
}

// Tags returns the closed set of point type tags.
func Tags() []string {
	return []string{TagInt, TagFloat, TagString, TagBool}
}

// KindForTag resolves a points-type tag.
func KindForTag(tag string) (Kind, error) {
	k, ok := registry[tag]
	if !ok {
		return 0, fmt.Errorf("unknown points type %q", tag)
	}
	return k, nil
}
