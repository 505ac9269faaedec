package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Details is an insertion-ordered mapping of string keys to Values. The zero
// value is an empty mapping ready for use.
type Details struct {
	keys []string
	vals map[string]Value
}

// NewDetails builds a mapping from alternating key/value arguments. Values
// are converted with ValueOf. A trailing key without a value is stored as
// null.
func NewDetails(kv ...any) Details {
	var d Details
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		var val any
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		d.Set(key, ValueOf(val))
	}
	return d
}

// DetailsFromMap converts a plain map. Keys are inserted in sorted order so
// the result is deterministic.
func DetailsFromMap(m map[string]any) Details {
	var d Details
	for _, k := range sortedKeys(m) {
		d.Set(k, ValueOf(m[k]))
	}
	return d
}

// Set inserts or replaces key. Replacing keeps the original position.
func (d *Details) Set(key string, v Value) {
	if d.vals == nil {
		d.vals = make(map[string]Value)
	}
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
}

// Get returns the value stored under key.
func (d Details) Get(key string) (Value, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Len returns the number of entries.
func (d Details) Len() int { return len(d.keys) }

// Keys returns the keys in insertion order.
func (d Details) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Range calls fn for each entry in order until fn returns false.
func (d Details) Range(fn func(key string, v Value) bool) {
	for _, k := range d.keys {
		if !fn(k, d.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (d Details) Clone() Details {
	if len(d.keys) == 0 {
		return Details{}
	}
	out := Details{
		keys: make([]string, len(d.keys)),
		vals: make(map[string]Value, len(d.vals)),
	}
	copy(out.keys, d.keys)
	for k, v := range d.vals {
		out.vals[k] = v.Clone()
	}
	return out
}

// Map converts the mapping into plain Go values.
func (d Details) Map() map[string]any {
	out := make(map[string]any, len(d.keys))
	for _, k := range d.keys {
		out[k] = d.vals[k].Interface()
	}
	return out
}

// MarshalJSON writes the mapping as a JSON object in insertion order.
func (d Details) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d Details) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := d.vals[k].writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON reads a JSON object, preserving key order. A JSON null
// yields an empty mapping.
func (d *Details) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = Details{}
		return ensureEOF(dec)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("models: details must be a json object, got %v", tok)
	}
	out, err := decodeObject(dec)
	if err != nil {
		return err
	}
	if err := ensureEOF(dec); err != nil {
		return err
	}
	*d = out
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
