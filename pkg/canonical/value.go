package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindObject
)

// Value is a tagged-variant JSON value. Canonicalization is written as an
// exhaustive switch over Kind, so there is no runtime duck-typing anywhere in
// the hashing path.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	list []Value
	obj  map[string]Value
}

// Null is the fixed sentinel every logically-absent field normalizes to.
func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func List(elems []Value) Value   { return Value{kind: KindList, list: elems} }

// Object builds an object value. Key order is irrelevant; serialization sorts
// keys by UTF-8 bytes.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null sentinel.
func (v Value) IsNull() bool { return v.kind == KindNull }

// FromAny converts a generic decoded JSON value into a Value. Numbers must
// arrive as json.Number (decode with UseNumber); raw floats are still accepted
// and formatted through the standard library.
func FromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case float64:
		b, err := json.Marshal(t)
		if err != nil {
			return Value{}, fmt.Errorf("canonical: format number: %w", err)
		}
		return Number(json.Number(b)), nil
	case int:
		return Number(json.Number(fmt.Sprintf("%d", t))), nil
	case int64:
		return Number(json.Number(fmt.Sprintf("%d", t))), nil
	case []any:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, ev)
		}
		return List(elems), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			fields[k] = ev
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("canonical: unsupported value type %T", raw)
	}
}

// appendJSON writes the stable JSON form of v: keys sorted bytewise, no HTML
// escaping, numbers emitted verbatim. The output is handed to the RFC 8785
// transformer afterwards, which settles number and string formatting.
func (v Value) appendJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
		return nil
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case KindNumber:
		buf.WriteString(v.num.String())
		return nil
	case KindString:
		return encodeString(buf, v.str)
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.appendJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := v.obj[k].appendJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonical: unknown value kind %d", v.kind)
	}
}

// encodeString JSON-encodes s without HTML escaping, per RFC 8785.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}
