package protocol

import (
	"encoding/json"
	"fmt"
)

// ValueType tags the payload carried by a Value or SetItem.
type ValueType string

const (
	TypeInt          ValueType = "int"
	TypeDouble       ValueType = "double"
	TypeString       ValueType = "string"
	TypeComplex      ValueType = "complex"
	TypeVectorDouble ValueType = "vector_double"
	TypeVectorInt    ValueType = "vector_int"
	TypeBytes        ValueType = "bytes"
	TypeSample       ValueType = "sample"
)

// Complex is encoded on the wire as [re, im].
type Complex struct {
	Re float64
	Im float64
}

func (c Complex) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Re, c.Im})
}

func (c *Complex) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("complex value must be [re, im]: %w", err)
	}
	c.Re, c.Im = pair[0], pair[1]
	return nil
}

// Sample is a flat field -> number object, e.g. a demodulator sample with
// x, y, frequency, phase and auxiliary inputs.
type Sample map[string]float64

// Value is a timestamped node reading. Timestamp is hub-clock nanoseconds.
// Data holds int64, float64, string, Complex, []float64, []int64, []byte or
// Sample depending on Type.
type Value struct {
	Path      string
	Type      ValueType
	Timestamp int64
	Data      any
}

// SetItem is one entry of a set batch.
type SetItem struct {
	Path string
	Type ValueType
	Data any
}

type wireValue struct {
	Path      string          `json:"path"`
	Type      ValueType       `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func marshalData(typ ValueType, data any) (json.RawMessage, error) {
	switch typ {
	case TypeInt, TypeDouble, TypeString, TypeComplex, TypeVectorDouble,
		TypeVectorInt, TypeBytes, TypeSample:
	default:
		return nil, fmt.Errorf("unknown value type %q", typ)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", typ, err)
	}
	return raw, nil
}

func unmarshalData(typ ValueType, raw json.RawMessage) (any, error) {
	switch typ {
	case TypeInt:
		var v int64
		return v, decode(raw, &v)
	case TypeDouble:
		var v float64
		return v, decode(raw, &v)
	case TypeString:
		var v string
		return v, decode(raw, &v)
	case TypeComplex:
		var v Complex
		return v, decode(raw, &v)
	case TypeVectorDouble:
		var v []float64
		return v, decode(raw, &v)
	case TypeVectorInt:
		var v []int64
		return v, decode(raw, &v)
	case TypeBytes:
		var v []byte
		return v, decode(raw, &v)
	case TypeSample:
		var v Sample
		return v, decode(raw, &v)
	default:
		return nil, fmt.Errorf("unknown value type %q", typ)
	}
}

func decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing data payload")
	}
	return json.Unmarshal(raw, out)
}

func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := marshalData(v.Type, v.Data)
	if err != nil {
		return nil, fmt.Errorf("value %s: %w", v.Path, err)
	}
	return json.Marshal(wireValue{Path: v.Path, Type: v.Type, Timestamp: v.Timestamp, Data: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := unmarshalData(w.Type, w.Data)
	if err != nil {
		return fmt.Errorf("value %s: %w", w.Path, err)
	}
	v.Path = CanonicalPath(w.Path)
	v.Type = w.Type
	v.Timestamp = w.Timestamp
	v.Data = payload
	return nil
}

func (s SetItem) MarshalJSON() ([]byte, error) {
	raw, err := marshalData(s.Type, s.Data)
	if err != nil {
		return nil, fmt.Errorf("set item %s: %w", s.Path, err)
	}
	return json.Marshal(wireValue{Path: s.Path, Type: s.Type, Data: raw})
}

func (s *SetItem) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := unmarshalData(w.Type, w.Data)
	if err != nil {
		return fmt.Errorf("set item %s: %w", w.Path, err)
	}
	s.Path = CanonicalPath(w.Path)
	s.Type = w.Type
	s.Data = payload
	return nil
}

// Int returns the payload as int64. The second result reports whether the
// value carries an integer.
func (v Value) Int() (int64, bool) {
	n, ok := v.Data.(int64)
	return n, ok
}

// Float returns the payload as float64, converting integer values.
func (v Value) Float() (float64, bool) {
	switch d := v.Data.(type) {
	case float64:
		return d, true
	case int64:
		return float64(d), true
	}
	return 0, false
}

// Str returns the payload as a string.
func (v Value) Str() (string, bool) {
	s, ok := v.Data.(string)
	return s, ok
}
