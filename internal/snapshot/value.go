package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the shapes a snapshot tree can hold.
// Only String, Int, Bool, Array and Object implement it.
// A nil Value denotes absence.
type Value interface {
	snapshotValue() // Sealed - only these types implement it
}

// String is a string leaf.
type String string

func (String) snapshotValue() {}

// Int is an integer leaf. Always int64, never float64.
type Int int64

func (Int) snapshotValue() {}

// Bool is a boolean leaf. Presence markers are stored as Bool(true).
type Bool bool

func (Bool) snapshotValue() {}

// Array is an ordered list of values. Arrays are stored as a single leaf.
type Array []Value

func (Array) snapshotValue() {}

// Object maps child keys to values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) snapshotValue() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs for non-BMP runes.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler using the canonical encoding.
func (obj Object) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// MarshalJSON implements json.Marshaler using the canonical encoding.
func (arr Array) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(arr)
}

// Decode parses JSON into a Value with strict validation.
//
// Floats are rejected. JSON null decodes to nil (absence), null members of
// an object are dropped, and objects left empty collapse to absence.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode snapshot: trailing data after value")
	}

	v, err := FromGo(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return v, nil
}

// FromGo converts a generic Go value (as produced by encoding/json with
// UseNumber, or by yaml.v3) into a normalized Value.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case Value:
		return Normalize(val), nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden in snapshots: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are forbidden in snapshots: %v", val)
	case []any:
		arr := make(Array, 0, len(val))
		for i, elem := range val {
			e, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			if e == nil {
				return nil, fmt.Errorf("array[%d]: null elements are not allowed", i)
			}
			arr = append(arr, e)
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			e, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			if e != nil {
				obj[k] = e
			}
		}
		if len(obj) == 0 {
			return nil, nil
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// Normalize drops nil members and collapses empty objects to absence.
// The input is not modified.
func Normalize(v Value) Value {
	obj, ok := v.(Object)
	if !ok {
		return v
	}
	out := make(Object, len(obj))
	for k, child := range obj {
		if n := Normalize(child); n != nil {
			out[k] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Equal reports whether two values have identical canonical encodings.
func Equal(a, b Value) bool {
	ab, errA := MarshalCanonical(Normalize(a))
	bb, errB := MarshalCanonical(Normalize(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
