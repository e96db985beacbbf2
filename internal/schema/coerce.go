package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrMismatch = errors.New("value does not match points type")

// Coerce converts a decoded JSON value to the Go representation of kind.
//
// Conversions are lossy where the target cannot hold the input: fractional
// numbers are truncated toward zero for integers, and any non-zero number is
// true for booleans. Integers come back as int64, floats as float64.
func Coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindInt:
		return coerceInt(v)
	case KindFloat:
		return coerceFloat(v)
	case KindString:
		return coerceString(v)
	case KindBool:
		return coerceBool(v)
	}
	return nil, fmt.Errorf("%w: unsupported kind %s", ErrMismatch, kind)
}

// CoerceValue coerces a point value for a stream of the given kind and
// vector length. Vectors must be arrays of exactly length elements.
func CoerceValue(kind Kind, length int, v any) (any, error) {
	if length == 0 {
		return Coerce(kind, v)
	}
	elems, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected array of %d, got %T", ErrMismatch, length, v)
	}
	if len(elems) != length {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", ErrMismatch, length, len(elems))
	}
	out := make([]any, length)
	for i, e := range elems {
		c, err := Coerce(kind, e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func coerceInt(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		t = math.Trunc(t)
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
		if math.IsNaN(t) || t < math.MinInt64 || t >= math.MaxInt64 {
			return nil, fmt.Errorf("%w: %v out of integer range", ErrMismatch, v)
		}
		return int64(t), nil
	case float32:
		return coerceInt(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMismatch, t)
		}
		return coerceInt(f)
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMismatch, t)
		}
		return i, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrMismatch, v)
}

func coerceFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMismatch, t)
		}
		return f, nil
	case bool:
		if t {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMismatch, t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrMismatch, v)
}

func coerceString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrMismatch, v)
}

func coerceBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case float32:
		return t != 0, nil
	case int:
		return t != 0, nil
	case int32:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMismatch, t)
		}
		return f != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMismatch, t)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrMismatch, v)
}

// Compare orders two coerced numeric values of the same kind. It returns
// -1, 0 or 1. Values of any other kind compare as equal.
func Compare(a, b any) int {
	switch x := a.(type) {
	case int64:
		y, ok := toInt64(b)
		if !ok {
			return 0
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case float64:
		y, ok := toFloat64(b)
		if !ok {
			return 0
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return 0
}

// Normalize converts a stored numeric bound (decoded from JSON as float64)
// back to the Go representation of kind so it can be compared with Compare.
func Normalize(kind Kind, v any) (any, bool) {
	switch kind {
	case KindInt:
		return toInt64(v)
	case KindFloat:
		return toFloat64(v)
	}
	return nil, false
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
