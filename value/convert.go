package value

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/wippyai/typst-bridge/errors"
)

// FromGo converts plain Go data into a Value. Go maps have no order, so
// their keys are sorted; use *Map to control order. Supported: nil, bool,
// integers, floats, string, json.Number, Value, *Map, slices/arrays and
// string-keyed maps of supported types.
func FromGo(x any) (Value, error) {
	return fromGo(x, nil, 0)
}

// MapFromGo converts x and requires the result to be a map. A nil x is an
// empty map.
func MapFromGo(x any) (*Map, error) {
	if x == nil {
		return NewMap(), nil
	}
	v, err := FromGo(x)
	if err != nil {
		return nil, err
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseValidate, nil,
			fmt.Sprintf("input data must be a map, got %s", v.Kind()))
	}
	return m, nil
}

func fromGo(x any, path []string, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, errors.InvalidInput(errors.PhaseValidate, path,
			fmt.Sprintf("nesting deeper than %d levels", MaxDepth))
	}

	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Map:
		return Object(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		v, err := jsonNumber(t)
		if err != nil {
			return Value{}, errors.InvalidInput(errors.PhaseValidate, path, err.Error())
		}
		return v, nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, item := range t {
			v, err := fromGo(item, appendPath(path, strconv.Itoa(i)), depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			v, err := fromGo(t[k], appendPath(path, k), depth+1)
			if err != nil {
				return Value{}, err
			}
			m.Set(k, v)
		}
		return Object(m), nil
	}

	return fromReflect(reflect.ValueOf(x), path, depth)
}

func fromReflect(rv reflect.Value, path []string, depth int) (Value, error) {
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > 1<<63-1 {
			return Value{}, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Path(path...).
				Value(u).
				Detail("integer overflows int64").
				Build()
		}
		return Int(int64(u)), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return fromGo(rv.Elem().Interface(), path, depth)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return List(), nil
		}
		items := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := fromGo(rv.Index(i).Interface(), appendPath(path, strconv.Itoa(i)), depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Value{kind: KindList, list: items}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, errors.InvalidInput(errors.PhaseValidate, path,
				fmt.Sprintf("map keys must be strings, got %s", rv.Type().Key()))
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			item := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
			v, err := fromGo(item.Interface(), appendPath(path, k), depth+1)
			if err != nil {
				return Value{}, err
			}
			m.Set(k, v)
		}
		return Object(m), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	}

	return Value{}, errors.New(errors.PhaseValidate, errors.KindInvalidInput).
		Path(path...).
		Value(rv.Type().String()).
		Detail("unsupported Go type %s", rv.Type()).
		Build()
}
