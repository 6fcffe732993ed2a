// Package value is the structured input data model passed to the engine.
//
// A Value is one of a closed set of variants: Null, Bool, Number, String,
// List and Map. Numbers remember whether they are integers. Maps keep
// insertion order, which the engine relies on for positional substitution.
// The zero Value is Null.
package value

import (
	"math"
	"strconv"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindNumber: "number",
	KindString: "string",
	KindList:   "list",
	KindMap:    "map",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is an immutable tagged variant.
type Value struct {
	m     *Map
	s     string
	list  []Value
	f     float64
	i     int64
	kind  Kind
	b     bool
	isInt bool
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindNumber, i: i, isInt: true} }

func Float(f float64) Value { return Value{kind: KindNumber, f: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list value. The slice is copied.
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

// Object wraps m as a value. A nil map becomes an empty map.
func Object(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// IsInt reports whether v is a number carrying an integer.
func (v Value) IsInt() bool { return v.kind == KindNumber && v.isInt }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsInt() (int64, bool) { return v.i, v.IsInt() }

// AsFloat returns the number as float64, converting integers.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.isInt {
		return float64(v.i), true
	}
	return v.f, true
}

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the list items. The slice must not be modified.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

func (v Value) AsMap() (*Map, bool) { return v.m, v.kind == KindMap }

// Lookup walks a dotted path through maps and lists. List segments are
// decimal indexes.
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, seg := range path {
		switch cur.kind {
		case KindMap:
			next, ok := cur.m.Get(seg)
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.list) {
				return Value{}, false
			}
			cur = cur.list[idx]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Text renders scalars the way the engine substitutes them into markup.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return "none"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		if v.isInt {
			return strconv.FormatInt(v.i, 10)
		}
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindList:
		return "(..)"
	default:
		return "(:)"
	}
}

// Equal reports deep equality, including map key order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		if v.isInt != o.isInt {
			return false
		}
		if v.isInt {
			return v.i == o.i
		}
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	default:
		return v.m.Equal(o.m)
	}
}

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   string
	Value Value
}

// Map is an insertion-ordered string-keyed map. It is not safe for
// concurrent mutation; requests encode it once and never touch it again.
type Map struct {
	index   map[string]int
	entries []Entry
}

func NewMap() *Map {
	return &Map{index: make(map[string]int)}
}

// MapOf builds a map from entries, in order.
func MapOf(entries ...Entry) *Map {
	m := NewMap()
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// Set inserts or replaces key. A replaced key keeps its position.
func (m *Map) Set(key string, v Value) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = v
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Value: v})
}

func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	i, ok := m.index[key]
	if !ok {
		return Value{}, false
	}
	return m.entries[i].Value, true
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns the pairs in insertion order. The slice must not be modified.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	return m.entries
}

func (m *Map) Keys() []string {
	keys := make([]string, 0, m.Len())
	for _, e := range m.Entries() {
		keys = append(keys, e.Key)
	}
	return keys
}

func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	oe := o.Entries()
	for i, e := range m.Entries() {
		if e.Key != oe[i].Key || !e.Value.Equal(oe[i].Value) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := NewMap()
	for _, e := range m.Entries() {
		out.Set(e.Key, e.Value.clone())
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.clone()
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		return Object(v.m.Clone())
	default:
		return v
	}
}
