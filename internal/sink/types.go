// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sink

import (
	"encoding/json"
	"fmt"
)

// DataType enumerates the column types guests may declare.
type DataType string

const (
	// Int64 is a 64-bit signed integer column.
	Int64 DataType = "Int64"
	// Float64 is a 64-bit float column.
	Float64 DataType = "Float64"
	// String is a text column.
	String DataType = "String"
)

// Valid reports whether d names a known data type.
func (d DataType) Valid() bool {
	switch d {
	case Int64, Float64, String:
		return true
	}
	return false
}

// Column is one column of a declared table.
type Column struct {
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
}

// TableSchema is a guest-declared table: a name plus typed columns.
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Equal reports whether two schemas declare the same table: same arity, same
// column names, same types.
func (s TableSchema) Equal(other TableSchema) bool {
	if s.Name != other.Name || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	return true
}

// Value is a tagged union over the three column types. Its JSON form is the
// single-key object emitted by guests: {"Int64": 13}, {"Float64": 2.5} or
// {"String": "s"}.
type Value struct {
	Kind  DataType
	Int   int64
	Float float64
	Str   string
}

// IntValue constructs an Int64 value.
func IntValue(v int64) Value {
	return Value{Kind: Int64, Int: v}
}

// FloatValue constructs a Float64 value.
func FloatValue(v float64) Value {
	return Value{Kind: Float64, Float: v}
}

// StringValue constructs a String value.
func StringValue(v string) Value {
	return Value{Kind: String, Str: v}
}

// Interface returns the value as a driver-friendly interface{}.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case Int64:
		return v.Int
	case Float64:
		return v.Float
	default:
		return v.Str
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case Int64:
		return json.Marshal(map[string]int64{"Int64": v.Int})
	case Float64:
		return json.Marshal(map[string]float64{"Float64": v.Float})
	case String:
		return json.Marshal(map[string]string{"String": v.Str})
	}
	return nil, fmt.Errorf("marshal value: unknown data type %q", v.Kind)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("unmarshal value: expected exactly one tag, got %d", len(raw))
	}
	for tag, inner := range raw {
		switch DataType(tag) {
		case Int64:
			v.Kind = Int64
			return json.Unmarshal(inner, &v.Int)
		case Float64:
			v.Kind = Float64
			return json.Unmarshal(inner, &v.Float)
		case String:
			v.Kind = String
			return json.Unmarshal(inner, &v.Str)
		default:
			return fmt.Errorf("unmarshal value: unknown tag %q", tag)
		}
	}
	return nil
}

// Row is one guest-emitted metadata row destined for a named table.
type Row struct {
	TableName string  `json:"table_name"`
	Values    []Value `json:"values"`
}
