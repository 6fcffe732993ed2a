package value

import (
	"fmt"
	"math"

	"github.com/wippyai/typst-bridge/codec"
)

// MarshalCBOR encodes v. Integers and floats keep distinct major types and
// maps are written in insertion order.
func (v Value) MarshalCBOR() ([]byte, error) {
	return v.AppendCBOR(nil)
}

// MarshalCBOR encodes m as a CBOR map in insertion order.
func (m *Map) MarshalCBOR() ([]byte, error) {
	return Object(m).AppendCBOR(nil)
}

// AppendCBOR appends the encoding of v to dst.
func (v Value) AppendCBOR(dst []byte) ([]byte, error) {
	return v.appendCBOR(dst, 0)
}

func (v Value) appendCBOR(dst []byte, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("value: nesting deeper than %d levels", MaxDepth)
	}
	switch v.kind {
	case KindNull:
		return append(dst, 0xf6), nil
	case KindBool:
		if v.b {
			return append(dst, 0xf5), nil
		}
		return append(dst, 0xf4), nil
	case KindNumber:
		if v.isInt {
			if v.i >= 0 {
				return codec.AppendHead(dst, codec.MajorUint, uint64(v.i)), nil
			}
			return codec.AppendHead(dst, codec.MajorNegInt, uint64(-(v.i + 1))), nil
		}
		b, err := codec.Marshal(v.f)
		if err != nil {
			return nil, err
		}
		return append(dst, b...), nil
	case KindString:
		dst = codec.AppendHead(dst, codec.MajorText, uint64(len(v.s)))
		return append(dst, v.s...), nil
	case KindList:
		dst = codec.AppendHead(dst, codec.MajorArray, uint64(len(v.list)))
		var err error
		for _, item := range v.list {
			if dst, err = item.appendCBOR(dst, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case KindMap:
		dst = codec.AppendHead(dst, codec.MajorMap, uint64(v.m.Len()))
		var err error
		for _, e := range v.m.Entries() {
			dst = codec.AppendHead(dst, codec.MajorText, uint64(len(e.Key)))
			dst = append(dst, e.Key...)
			if dst, err = e.Value.appendCBOR(dst, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

// UnmarshalCBOR decodes a single data item, preserving map order.
func (v *Value) UnmarshalCBOR(data []byte) error {
	out, rest, err := decodeFirst(data, 0)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("value: %d trailing bytes", len(rest))
	}
	*v = out
	return nil
}

// UnmarshalCBOR decodes a CBOR map, preserving order.
func (m *Map) UnmarshalCBOR(data []byte) error {
	var v Value
	if err := v.UnmarshalCBOR(data); err != nil {
		return err
	}
	decoded, ok := v.AsMap()
	if !ok {
		return fmt.Errorf("value: expected map, got %s", v.Kind())
	}
	*m = *decoded
	return nil
}

// Decode parses a CBOR encoded value.
func Decode(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalCBOR(data)
	return v, err
}

func decodeFirst(data []byte, depth int) (Value, []byte, error) {
	if depth > MaxDepth {
		return Value{}, nil, fmt.Errorf("value: nesting deeper than %d levels", MaxDepth)
	}
	if len(data) == 0 {
		return Value{}, nil, fmt.Errorf("value: unexpected end of data")
	}

	switch data[0] >> 5 {
	case codec.MajorArray:
		_, n, size, err := codec.ReadHead(data)
		if err != nil {
			return Value{}, nil, err
		}
		rest := data[size:]
		if n > uint64(len(rest)) {
			return Value{}, nil, fmt.Errorf("value: list length %d exceeds payload", n)
		}
		items := make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			var item Value
			if item, rest, err = decodeFirst(rest, depth+1); err != nil {
				return Value{}, nil, err
			}
			items = append(items, item)
		}
		return Value{kind: KindList, list: items}, rest, nil

	case codec.MajorMap:
		_, n, size, err := codec.ReadHead(data)
		if err != nil {
			return Value{}, nil, err
		}
		rest := data[size:]
		if n > uint64(len(rest)) {
			return Value{}, nil, fmt.Errorf("value: map length %d exceeds payload", n)
		}
		m := NewMap()
		for i := uint64(0); i < n; i++ {
			var key string
			if rest, err = codec.UnmarshalFirst(rest, &key); err != nil {
				return Value{}, nil, fmt.Errorf("value: map key: %w", err)
			}
			if _, dup := m.Get(key); dup {
				return Value{}, nil, fmt.Errorf("value: duplicate map key %q", key)
			}
			var item Value
			if item, rest, err = decodeFirst(rest, depth+1); err != nil {
				return Value{}, nil, err
			}
			m.Set(key, item)
		}
		return Object(m), rest, nil
	}

	var scalar any
	rest, err := codec.UnmarshalFirst(data, &scalar)
	if err != nil {
		return Value{}, nil, err
	}
	switch s := scalar.(type) {
	case nil:
		return Null(), rest, nil
	case bool:
		return Bool(s), rest, nil
	case uint64:
		if s > math.MaxInt64 {
			return Value{}, nil, fmt.Errorf("value: integer %d overflows int64", s)
		}
		return Int(int64(s)), rest, nil
	case int64:
		return Int(s), rest, nil
	case float64:
		return Float(s), rest, nil
	case string:
		return String(s), rest, nil
	default:
		return Value{}, nil, fmt.Errorf("value: unsupported CBOR item %T", scalar)
	}
}
