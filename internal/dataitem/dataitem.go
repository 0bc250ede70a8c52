// Package dataitem implements the typed data item that flows along task
// graph edges: a fixed envelope (Type, Src, Seq) plus an untyped payload
// map, with typed accessors layered on top for the well-known std types.
package dataitem

import (
	"encoding/json"
)

// Item is one data item flowing along a task-graph edge: a mandatory
// `type` (fully-qualified Type name), `src` (producing task's name),
// `seq` (index within the producer's output list), plus arbitrary fields
// from the Type. Identity is (Src, Seq), not value
// equality: two items with identical payloads but different origin are
// distinct.
type Item struct {
	Type    string
	Src     string
	Seq     int
	Payload map[string]any
}

// New returns an Item of the given type with an empty payload.
func New(typ string) *Item {
	return &Item{Type: typ, Payload: map[string]any{}}
}

// Get returns a payload field, or (nil, false) if absent.
func (it *Item) Get(field string) (any, bool) {
	if it == nil || it.Payload == nil {
		return nil, false
	}
	v, ok := it.Payload[field]
	return v, ok
}

// Set assigns a payload field.
func (it *Item) Set(field string, v any) {
	if it.Payload == nil {
		it.Payload = map[string]any{}
	}
	it.Payload[field] = v
}

// String returns a string-typed payload field, or "" if absent or not a
// string.
func (it *Item) String(field string) string {
	v, ok := it.Get(field)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// StringSlice returns a []string-typed payload field (accepting either
// []string or []any of strings), or nil if absent.
func (it *Item) StringSlice(field string) []string {
	v, ok := it.Get(field)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// AsMap renders the item as a plain map (for expression-evaluator
// consumption, e.g. `${{ inputs }}` resolving to a JSON-serializable
// value): type/src/seq plus every payload field.
func (it *Item) AsMap() map[string]any {
	m := make(map[string]any, len(it.Payload)+3)
	for k, v := range it.Payload {
		m[k] = v
	}
	m["type"] = it.Type
	m["src"] = it.Src
	m["seq"] = it.Seq
	return m
}

// ItemsAsAny converts a slice of Items into the []any shape the expression
// evaluator works with (so `${{ inputs }}` produces a JSON-serializable
// list of maps).
func ItemsAsAny(items []*Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.AsMap()
	}
	return out
}

// MatchRecord is a conjunctive attribute pattern: an Item matches a record
// iff every key present in the record is attribute-equal on the item;
// fields the record doesn't mention are ignored, and a field present in
// the record but absent on the item counts as "no match".
type MatchRecord map[string]any

// Matches reports whether it satisfies every key/value pair in rec.
func (it *Item) Matches(rec MatchRecord) bool {
	for k, v := range rec {
		actual, ok := fieldValue(it, k)
		if !ok {
			return false
		}
		if !canonicalEqual(actual, v) {
			return false
		}
	}
	return true
}

func fieldValue(it *Item, field string) (any, bool) {
	switch field {
	case "type":
		return it.Type, true
	case "src":
		return it.Src, true
	case "seq":
		return it.Seq, true
	default:
		v, ok := it.Payload[field]
		return v, ok
	}
}

// MatchesAny reports whether it matches at least one record in recs.
func (it *Item) MatchesAny(recs []MatchRecord) bool {
	for _, r := range recs {
		if it.Matches(r) {
			return true
		}
	}
	return false
}

// canonicalEqual compares two values the way the `consumes`/`passthrough`
// structural predicate needs to: numbers and strings by native equality,
// anything else by canonical-JSON comparison, since the two sides may
// have travelled through YAML and expression evaluation via different
// concrete numeric types.
func canonicalEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	ca, err1 := json.Marshal(a)
	cb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ca) == string(cb)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

