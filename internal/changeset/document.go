package changeset

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Document is an immutable snapshot of a JSON subtree of Plan or Local state.
// The diff engine only ever operates on Documents, never on live structures,
// so a Document must not share mutable nodes with its source: construction
// always deep-copies.
type Document struct {
	root map[string]interface{}
}

// Parse parses a JSON object into a Document.
func Parse(data []byte) (*Document, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse changeset document: %w", err)
	}
	return &Document{root: root}, nil
}

// FromMap builds a Document from a map, deep-copying every node.
func FromMap(m map[string]interface{}) *Document {
	return &Document{root: deepCopyMap(m)}
}

// Empty returns a document with no keys.
func Empty() *Document {
	return &Document{root: make(map[string]interface{})}
}

// Clone returns an independent copy of the document.
func (d *Document) Clone() *Document {
	return &Document{root: deepCopyMap(d.root)}
}

// Get walks the given key path and returns the value found there.
func (d *Document) Get(path ...string) (interface{}, bool) {
	var cur interface{} = d.root
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether the key path exists.
func (d *Document) Has(path ...string) bool {
	_, ok := d.Get(path...)
	return ok
}

// String returns the string value at path.
func (d *Document) String(path ...string) (string, bool) {
	v, ok := d.Get(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the boolean value at path.
func (d *Document) Bool(path ...string) (bool, bool) {
	v, ok := d.Get(path...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Number returns the numeric value at path. JSON numbers decode as float64.
func (d *Document) Number(path ...string) (float64, bool) {
	v, ok := d.Get(path...)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// Object returns the object value at path. The returned map is part of the
// document and must be treated as read-only.
func (d *Document) Object(path ...string) (map[string]interface{}, bool) {
	v, ok := d.Get(path...)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]interface{})
	return obj, ok
}

// Array returns the array value at path.
func (d *Document) Array(path ...string) ([]interface{}, bool) {
	v, ok := d.Get(path...)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]interface{})
	return arr, ok
}

// StringSlice returns the array at path converted to strings. Non-string
// elements fail the lookup.
func (d *Document) StringSlice(path ...string) ([]string, bool) {
	arr, ok := d.Array(path...)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Keys returns the sorted keys of the object at path.
func (d *Document) Keys(path ...string) []string {
	obj, ok := d.Object(path...)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sub returns the object at path as an independent Document.
func (d *Document) Sub(path ...string) (*Document, bool) {
	obj, ok := d.Object(path...)
	if !ok {
		return nil, false
	}
	return FromMap(obj), true
}

// Len returns the number of keys in the root object.
func (d *Document) Len() int {
	return len(d.root)
}

// MarshalJSON serializes the document.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.root)
}

// Equal reports whether two values are structurally equal. Used for
// field-by-field property comparison during diffing.
func Equal(a, b interface{}) bool {
	// JSON round-tripped values only contain maps, slices and scalars, so
	// serialized comparison is exact.
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
