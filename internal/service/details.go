package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the closed set of values a Details entry may hold.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindBool
	KindStrings
	KindDetails
)

// Value is one entry of Details. Construct it with Str, IntValue, BoolValue,
// StringsValue or Nested.
type Value struct {
	kind Kind
	str  string
	num  int64
	flag bool
	list []string
	sub  *Details
}

func Str(s string) Value             { return Value{kind: KindString, str: s} }
func IntValue(n int64) Value         { return Value{kind: KindInt, num: n} }
func BoolValue(b bool) Value         { return Value{kind: KindBool, flag: b} }
func StringsValue(v []string) Value  { return Value{kind: KindStrings, list: append([]string(nil), v...)} }
func Nested(d Details) Value         { return Value{kind: KindDetails, sub: &d} }
func (v Value) Kind() Kind           { return v.kind }
func (v Value) IsZero() bool         { return v.kind == 0 }
func (v Value) Strings() []string    { return append([]string(nil), v.list...) }
func (v Value) Int() (int64, bool)   { return v.num, v.kind == KindInt }
func (v Value) Bool() (bool, bool)   { return v.flag, v.kind == KindBool }
func (v Value) Details() (Details, bool) {
	if v.kind != KindDetails || v.sub == nil {
		return Details{}, false
	}
	return *v.sub, true
}

// String renders the value for humans; lists are comma-joined.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindStrings:
		return strings.Join(v.list, ", ")
	case KindDetails:
		if v.sub == nil {
			return "{}"
		}
		b, _ := v.sub.MarshalJSON()
		return string(b)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindInt:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.flag)
	case KindStrings:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindDetails:
		if v.sub == nil {
			return []byte("{}"), nil
		}
		return v.sub.MarshalJSON()
	default:
		return []byte("null"), nil
	}
}

// Details is an insertion-ordered string-keyed map of Values.
// The zero value is an empty, usable Details.
type Details struct {
	keys []string
	vals map[string]Value
}

func (d *Details) Set(key string, v Value) *Details {
	if d.vals == nil {
		d.vals = make(map[string]Value)
	}
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
	return d
}

func (d *Details) SetString(key, s string) *Details    { return d.Set(key, Str(s)) }
func (d *Details) SetInt(key string, n int64) *Details { return d.Set(key, IntValue(n)) }
func (d *Details) SetBool(key string, b bool) *Details { return d.Set(key, BoolValue(b)) }

// SetIfAbsent stores v only when key is not present yet.
func (d *Details) SetIfAbsent(key string, v Value) bool {
	if d.Has(key) {
		return false
	}
	d.Set(key, v)
	return true
}

func (d Details) Get(key string) (Value, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// GetString returns the rendered value stored at key or "".
func (d Details) GetString(key string) string {
	v, ok := d.vals[key]
	if !ok {
		return ""
	}
	return v.String()
}

func (d Details) Has(key string) bool {
	_, ok := d.vals[key]
	return ok
}

func (d Details) Len() int { return len(d.keys) }

func (d Details) Keys() []string { return append([]string(nil), d.keys...) }

// Clone returns a copy that shares no mutable state with d.
func (d Details) Clone() Details {
	var out Details
	for _, k := range d.keys {
		v := d.vals[k]
		if sub, ok := v.Details(); ok {
			v = Nested(sub.Clone())
		} else if v.kind == KindStrings {
			v = StringsValue(v.list)
		}
		out.Set(k, v)
	}
	return out
}

func (d Details) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := d.vals[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps the key order of the document. Numbers become integers
// when integral, other scalars are stored as strings, arrays as string lists
// and objects as nested Details. Nulls are skipped.
func (d *Details) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = Details{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("details: expected object, got %v", tok)
	}
	out, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*d = out
	return nil
}

// decodeObject consumes an object body; the opening brace was already read.
func decodeObject(dec *json.Decoder) (Details, error) {
	var out Details
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return out, err
		}
		key, ok := kt.(string)
		if !ok {
			return out, fmt.Errorf("details: invalid key %v", kt)
		}
		v, ok, err := decodeValue(dec)
		if err != nil {
			return out, fmt.Errorf("details.%s: %w", key, err)
		}
		if ok {
			out.Set(key, v)
		}
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return out, err
	}
	return out, nil
}

func decodeValue(dec *json.Decoder) (Value, bool, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, false, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, false, nil
	case string:
		return Str(t), true, nil
	case bool:
		return BoolValue(t), true, nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return IntValue(n), true, nil
		}
		return Str(t.String()), true, nil
	case json.Delim:
		switch t {
		case '{':
			sub, err := decodeObject(dec)
			if err != nil {
				return Value{}, false, err
			}
			return Nested(sub), true, nil
		case '[':
			list := []string{}
			for dec.More() {
				var raw any
				if err := dec.Decode(&raw); err != nil {
					return Value{}, false, err
				}
				switch x := raw.(type) {
				case nil:
					continue
				case string:
					list = append(list, x)
				case map[string]any, []any:
					return Value{}, false, fmt.Errorf("lists may only hold scalars")
				default:
					list = append(list, fmt.Sprint(x))
				}
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, false, err
			}
			return StringsValue(list), true, nil
		}
	}
	return Value{}, false, fmt.Errorf("unexpected token %v", tok)
}
