// Package canonical implements the deterministic serialization used as
// hash input for the audit chain.
//
// Two payloads with identical key/value pairs must encode to the same
// string regardless of insertion order, and the encoding must round-trip
// byte-exactly through storage — otherwise every future verification of
// an entry silently breaks. Object keys are sorted by their JSON-string
// form; array order is semantically significant and preserved; numbers
// carry their original JSON literal so re-encoding a stored payload
// never reformats them.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Value is a JSON-like payload value: one of Null, Bool, Number, String,
// Array, or Object. The set is closed so the encoder's behavior is
// exhaustively defined at compile time.
type Value interface {
	isValue()
}

// Null is the JSON null value.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// Number is a JSON number held as its literal text. Keeping the literal
// (rather than float64) makes encode/decode round-trips byte-exact.
type Number json.Number

// String is a JSON string.
type String string

// Array is an ordered sequence of values.
type Array []Value

// Object is a keyed map of values. Insertion order is irrelevant; the
// encoder always emits keys in sorted order.
type Object map[string]Value

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}
func (Array) isValue()  {}
func (Object) isValue() {}

// Encode serializes a value to its canonical string form. It is a pure
// function: no side effects, identical output for semantically identical
// input. A malformed Number literal returns an error rather than being
// silently hashed as a degenerate string.
func Encode(v Value) (string, error) {
	var b strings.Builder
	if err := encodeTo(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func encodeTo(b *strings.Builder, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		b.WriteString("null")
		return nil

	case Bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil

	case Number:
		lit := string(val)
		// The literal must be a valid JSON number, not just valid JSON.
		var check json.Number
		if err := json.Unmarshal([]byte(lit), &check); err != nil {
			return fmt.Errorf("invalid number literal %q: %w", lit, err)
		}
		b.WriteString(lit)
		return nil

	case String:
		data, err := json.Marshal(string(val))
		if err != nil {
			return fmt.Errorf("encoding string: %w", err)
		}
		b.Write(data)
		return nil

	case Array:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeTo(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil

	case Object:
		// Sort keys by their JSON-string form so the encoding is
		// independent of map iteration order.
		keys := make([]string, 0, len(val))
		for k := range val {
			data, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("encoding object key %q: %w", k, err)
			}
			keys = append(keys, string(data))
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, encKey := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(encKey)
			b.WriteByte(':')
			// Recover the raw key from its encoded form.
			var raw string
			if err := json.Unmarshal([]byte(encKey), &raw); err != nil {
				return fmt.Errorf("decoding object key %s: %w", encKey, err)
			}
			if err := encodeTo(b, val[raw]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil

	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// FromJSON parses JSON bytes into a Value. Numbers keep their original
// literal text. Trailing garbage after the value is rejected.
func FromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after payload")
	}
	return fromDecoded(raw)
}

// fromDecoded converts the output of a UseNumber json decode into a Value.
func fromDecoded(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case json.Number:
		return Number(v), nil
	case []any:
		arr := make(Array, len(v))
		for i, elem := range v {
			conv, err := fromDecoded(elem)
			if err != nil {
				return nil, err
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(v))
		for k, elem := range v {
			conv, err := fromDecoded(elem)
			if err != nil {
				return nil, err
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported decoded type %T", raw)
	}
}

// FromAny converts an arbitrary Go value into a Value. Values are passed
// through; basic Go types map directly; anything else goes through a
// json.Marshal round-trip, so an unencodable payload (channels, cycles,
// NaN) fails fast with an error instead of producing a degenerate hash
// input.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case Value:
		return val, nil
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		return Number(val), nil
	case int:
		return Number(json.Number(fmt.Sprintf("%d", val))), nil
	case int64:
		return Number(json.Number(fmt.Sprintf("%d", val))), nil
	case uint64:
		return Number(json.Number(fmt.Sprintf("%d", val))), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unencodable payload %T: %w", v, err)
	}
	return FromJSON(data)
}

// MarshalJSON implementations so a Value embedded in an API response or
// export serializes as its canonical JSON form.

func (n Null) MarshalJSON() ([]byte, error)   { return []byte("null"), nil }
func (b Bool) MarshalJSON() ([]byte, error)   { return json.Marshal(bool(b)) }
func (s String) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

func (n Number) MarshalJSON() ([]byte, error) {
	enc, err := Encode(n)
	if err != nil {
		return nil, err
	}
	return []byte(enc), nil
}

func (a Array) MarshalJSON() ([]byte, error) {
	enc, err := Encode(a)
	if err != nil {
		return nil, err
	}
	return []byte(enc), nil
}

func (o Object) MarshalJSON() ([]byte, error) {
	enc, err := Encode(o)
	if err != nil {
		return nil, err
	}
	return []byte(enc), nil
}
