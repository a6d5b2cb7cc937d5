// Package variation resolves flag evaluations whose type is only known from
// the shape of an untyped default value.
//
// A default value is classified into exactly one [Kind]. Classification
// follows a fixed priority order (bool, int, float, string, list, map) so a
// boolean is never mistaken for an integer and an integer never falls through
// to float evaluation.
package variation

import (
	"github.com/matt-riley/flagbridge/internal/payload"
	"github.com/matt-riley/flagbridge/sdk"
)

// Kind identifies a typed evaluation path.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a default value tagged with its evaluation kind. The set of
// implementations is closed: Bool, Int, Float, String, List and Map.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	Bool   bool
	Int    int
	Float  float64
	String string
	List   []any
	Map    map[string]any
)

func (Bool) Kind() Kind   { return KindBool }
func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (String) Kind() Kind { return KindString }
func (List) Kind() Kind   { return KindList }
func (Map) Kind() Kind    { return KindMap }

func (Bool) isValue()   {}
func (Int) isValue()    {}
func (Float) isValue()  {}
func (String) isValue() {}
func (List) isValue()   {}
func (Map) isValue()    {}

// Priority is the order in which [Infer] tries each kind.
var Priority = [...]Kind{KindBool, KindInt, KindFloat, KindString, KindList, KindMap}

// Infer classifies v by trying each kind in [Priority] order. It reports
// false when v matches none of them.
func Infer(v any) (Value, bool) {
	for _, kind := range Priority {
		if kind == KindInt && !payload.IsInteger(v) {
			// Whole floats stay floats when the caller did not ask for an int.
			continue
		}
		if value, ok := Coerce(kind, v); ok {
			return value, true
		}
	}
	return nil, false
}

// Coerce converts v to a value of the given kind, for calls where the kind is
// fixed by the method rather than inferred.
func Coerce(kind Kind, v any) (Value, bool) {
	switch kind {
	case KindBool:
		if b, ok := payload.Bool(v); ok {
			return Bool(b), true
		}
	case KindInt:
		if n, ok := payload.Int(v); ok {
			return Int(n), true
		}
	case KindFloat:
		if f, ok := payload.Float(v); ok {
			return Float(f), true
		}
	case KindString:
		if s, ok := payload.String(v); ok {
			return String(s), true
		}
	case KindList:
		if l, ok := payload.List(v); ok {
			return List(l), true
		}
	case KindMap:
		if m, ok := payload.AsArgs(v); ok {
			return Map(m), true
		}
	}
	return nil, false
}

// Resolve evaluates key through the typed client operation selected by the
// kind of defaultValue. With withReason it returns a detail payload
// {value, variationIndex, reason}; otherwise the plain value.
func Resolve(client sdk.Client, key string, defaultValue Value, withReason bool) any {
	switch v := defaultValue.(type) {
	case Bool:
		if withReason {
			return Detail(client.BoolVariationDetail(key, bool(v)))
		}
		return client.BoolVariation(key, bool(v))
	case Int:
		if withReason {
			return Detail(client.IntVariationDetail(key, int(v)))
		}
		return client.IntVariation(key, int(v))
	case Float:
		if withReason {
			return Detail(client.Float64VariationDetail(key, float64(v)))
		}
		return client.Float64Variation(key, float64(v))
	case String:
		if withReason {
			return Detail(client.StringVariationDetail(key, string(v)))
		}
		return client.StringVariation(key, string(v))
	case List:
		if withReason {
			return Detail(client.ListVariationDetail(key, []any(v)))
		}
		return client.ListVariation(key, []any(v))
	case Map:
		if withReason {
			return Detail(client.MapVariationDetail(key, map[string]any(v)))
		}
		return client.MapVariation(key, map[string]any(v))
	default:
		return nil
	}
}

// Detail converts an evaluation detail into its wire payload. variationIndex
// is nil when the client served the default.
func Detail[T any](detail sdk.EvaluationDetail[T]) map[string]any {
	var index any
	if detail.VariationIndex != nil {
		index = *detail.VariationIndex
	}
	return map[string]any{
		"value":          detail.Value,
		"variationIndex": index,
		"reason":         detail.Reason,
	}
}
