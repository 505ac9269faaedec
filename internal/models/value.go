package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Kind enumerates the shapes a detail Value can take.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindInt
	KindBool
	KindMap
	KindList
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is a JSON-compatible tagged union used for operation details and
// trace context. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	i64  int64
	b    bool
	m    *Details
	list []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a floating point number.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, i64: i} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Map wraps a nested mapping. The mapping is copied.
func Map(d Details) Value {
	c := d.Clone()
	return Value{kind: KindMap, m: &c}
}

// List wraps a sequence of values. The slice is copied.
func List(items ...Value) Value {
	out := make([]Value, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return Value{kind: KindList, list: out}
}

// Kind reports the active variant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Float returns the numeric payload. Integers are converted.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindInt:
		return float64(v.i64), true
	}
	return 0, false
}

// Int64 returns the integer payload and whether v is an integer.
func (v Value) Int64() (int64, bool) { return v.i64, v.kind == KindInt }

// Boolean returns the boolean payload and whether v is a boolean.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Details returns a copy of the nested mapping and whether v is a map.
func (v Value) Details() (Details, bool) {
	if v.kind != KindMap || v.m == nil {
		return Details{}, false
	}
	return v.m.Clone(), true
}

// Items returns a copy of the sequence and whether v is a list.
func (v Value) Items() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	out := make([]Value, len(v.list))
	for i, it := range v.list {
		out[i] = it.Clone()
	}
	return out, true
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		if v.m == nil {
			return Value{kind: KindMap, m: &Details{}}
		}
		c := v.m.Clone()
		return Value{kind: KindMap, m: &c}
	case KindList:
		out := make([]Value, len(v.list))
		for i, it := range v.list {
			out[i] = it.Clone()
		}
		return Value{kind: KindList, list: out}
	default:
		return v
	}
}

// Interface converts v back into plain Go values (map[string]any, []any,
// string, float64, int64, bool or nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindInt:
		return v.i64
	case KindBool:
		return v.b
	case KindMap:
		if v.m == nil {
			return map[string]any{}
		}
		return v.m.Map()
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i64, 10))
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindMap:
		if v.m == nil {
			buf.WriteString("{}")
			return nil
		}
		return v.m.writeJSON(buf)
	case KindList:
		buf.WriteByte('[')
		for i, it := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := it.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("models: unknown value kind %d", v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Object key order is preserved.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeFromToken(dec, tok)
}

func decodeFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return numberValue(t), nil
	case json.Delim:
		switch t {
		case '{':
			d, err := decodeObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Value{kind: KindMap, m: &d}, nil
		case '[':
			var items []Value
			for dec.More() {
				it, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, it)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			if items == nil {
				items = []Value{}
			}
			return Value{kind: KindList, list: items}, nil
		}
	}
	return Value{}, fmt.Errorf("models: unexpected json token %v", tok)
}

// decodeObject reads key/value pairs until the closing brace. The opening
// brace must already be consumed.
func decodeObject(dec *json.Decoder) (Details, error) {
	var d Details
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Details{}, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return Details{}, fmt.Errorf("models: object key is not a string: %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return Details{}, err
		}
		d.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return Details{}, err
	}
	return d, nil
}

func numberValue(n json.Number) Value {
	if i, err := n.Int64(); err == nil {
		return Int(i)
	}
	if f, err := n.Float64(); err == nil {
		return Number(f)
	}
	return String(n.String())
}

// ValueOf converts an arbitrary Go value into a Value. JSON-compatible
// values map onto their natural variant; anything that cannot be
// represented falls back to its fmt string form.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t.Clone()
	case Details:
		return Map(t)
	case *Details:
		if t == nil {
			return Null()
		}
		return Map(*t)
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Number(float64(t))
		}
		return Int(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return Number(float64(t))
		}
		return Int(int64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case json.Number:
		return numberValue(t)
	case json.RawMessage:
		var v Value
		if err := v.UnmarshalJSON(t); err != nil {
			return String(string(t))
		}
		return v
	case []byte:
		return String(string(t))
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano))
	case time.Duration:
		return String(t.String())
	case map[string]any:
		return Map(DetailsFromMap(t))
	case map[string]string:
		d := Details{}
		for _, k := range sortedKeys(t) {
			d.Set(k, String(t[k]))
		}
		return Value{kind: KindMap, m: &d}
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = ValueOf(it)
		}
		return Value{kind: KindList, list: items}
	case []string:
		items := make([]Value, len(t))
		for i, it := range t {
			items[i] = String(it)
		}
		return Value{kind: KindList, list: items}
	case error:
		return String(t.Error())
	case fmt.Stringer:
		return String(t.String())
	}
	return reflectValue(x)
}

func reflectValue(x any) Value {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Null()
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = ValueOf(rv.Index(i).Interface())
		}
		return Value{kind: KindList, list: items}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		d := Details{}
		for _, k := range keys {
			d.Set(k, ValueOf(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface()))
		}
		return Value{kind: KindMap, m: &d}
	}

	raw, err := json.Marshal(x)
	if err == nil {
		var v Value
		if err := v.UnmarshalJSON(raw); err == nil {
			return v
		}
	}
	return String(fmt.Sprint(x))
}

var errTrailingData = errors.New("models: trailing data after json value")

// ensureEOF checks that the decoder has no more input.
func ensureEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return errTrailingData
	}
	return nil
}
