package value

import (
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/wippyai/typst-bridge/errors"
)

// MaxDepth bounds nesting of lists and maps.
const MaxDepth = 64

// Validate checks that v can be substituted by the engine: finite numbers,
// valid UTF-8 text and keys, non-empty keys, no map containing itself and
// bounded nesting. The error carries the path to the offending value.
func Validate(v Value) error {
	return validate(v, nil, 0, nil)
}

// ValidateMap validates every entry of m.
func ValidateMap(m *Map) error {
	return validate(Object(m), nil, 0, nil)
}

// open holds the maps on the current path from the root.
func validate(v Value, path []string, depth int, open map[*Map]bool) error {
	if depth > MaxDepth {
		return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
			Path(path...).
			Detail("nesting deeper than %d levels", MaxDepth).
			Build()
	}

	switch v.kind {
	case KindNumber:
		if !v.isInt && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
			return errors.New(errors.PhaseValidate, errors.KindInvalidInput).
				Path(path...).
				Value(v.f).
				Detail("number is not finite").
				Build()
		}
	case KindString:
		if !utf8.ValidString(v.s) {
			return errors.InvalidInput(errors.PhaseValidate, path, "text is not valid UTF-8")
		}
	case KindList:
		for i, item := range v.list {
			if err := validate(item, appendPath(path, strconv.Itoa(i)), depth+1, open); err != nil {
				return err
			}
		}
	case KindMap:
		if open[v.m] {
			return errors.InvalidInput(errors.PhaseValidate, path, "map contains itself")
		}
		if open == nil {
			open = make(map[*Map]bool)
		}
		open[v.m] = true
		defer delete(open, v.m)
		for _, e := range v.m.Entries() {
			if e.Key == "" {
				return errors.InvalidInput(errors.PhaseValidate, path, "empty map key")
			}
			if !utf8.ValidString(e.Key) {
				return errors.InvalidInput(errors.PhaseValidate, path, "map key is not valid UTF-8")
			}
			if err := validate(e.Value, appendPath(path, e.Key), depth+1, open); err != nil {
				return err
			}
		}
	}
	return nil
}

func appendPath(path []string, seg string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, seg)
}
