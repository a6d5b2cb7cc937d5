// Package payload coerces loosely-typed values received across the host
// boundary into Go types.
//
// Every accessor reports whether the value had the expected shape; callers
// decide whether a mismatch is fatal. Integers are accepted from every Go
// integer kind and from whole, in-range float64 values, since JSON and
// protobuf transports carry all numbers as doubles. Booleans are never
// treated as numbers.
package payload

import "math"

// Args is a string-keyed argument payload.
type Args map[string]any

// AsArgs returns v as an argument map.
func AsArgs(v any) (Args, bool) {
	switch m := v.(type) {
	case map[string]any:
		return Args(m), true
	case Args:
		return m, true
	default:
		return nil, false
	}
}

func (a Args) String(key string) (string, bool) { return String(a[key]) }
func (a Args) Bool(key string) (bool, bool)     { return Bool(a[key]) }
func (a Args) Int(key string) (int, bool)       { return Int(a[key]) }
func (a Args) Float(key string) (float64, bool) { return Float(a[key]) }
func (a Args) Map(key string) (Args, bool)      { return AsArgs(a[key]) }
func (a Args) List(key string) ([]any, bool)    { return List(a[key]) }

// Has reports whether key is present, even with a nil value.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func String(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func Bool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// IsInteger reports whether v has a Go integer type.
func IsInteger(v any) bool {
	if _, ok := asInt64(v); ok {
		return true
	}
	_, ok := asUint64(v)
	return ok
}

// Int converts v to int. Floats are accepted only when whole and in range.
func Int(v any) (int, bool) {
	if i, ok := asInt64(v); ok {
		if i < math.MinInt || i > math.MaxInt {
			return 0, false
		}
		return int(i), true
	}
	if u, ok := asUint64(v); ok {
		if u > math.MaxInt {
			return 0, false
		}
		return int(u), true
	}
	if f, ok := asFloat64(v); ok {
		if !isWholeFinite(f) || f < math.MinInt || f >= math.MaxInt {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}

// Float converts any numeric v to float64.
func Float(v any) (float64, bool) {
	if f, ok := asFloat64(v); ok {
		return f, true
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	if u, ok := asUint64(v); ok {
		return float64(u), true
	}
	return 0, false
}

// List returns v as a sequence of untyped values.
func List(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Strings returns v as a list of strings. Every element must be a string.
func Strings(v any) ([]string, bool) {
	if s, ok := v.([]string); ok {
		return s, true
	}
	l, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(l))
	for _, item := range l {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// CompactStrings returns the string elements of v, dropping anything else.
func CompactStrings(v any) ([]string, bool) {
	if s, ok := v.([]string); ok {
		return s, true
	}
	l, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(l))
	for _, item := range l {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
