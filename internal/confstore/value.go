package confstore

import (
	"errors"
	"fmt"
)

// MaxKeyLength is the longest accepted dotted key.
const MaxKeyLength = 64

// Engine errors.
var (
	ErrNotFound       = errors.New("confstore: key not found")
	ErrKeyTooLong     = errors.New("confstore: key exceeds 64 characters")
	ErrTypeMismatch   = errors.New("confstore: type mismatch")
	ErrUnknownModule  = errors.New("confstore: unknown module")
	ErrReentrantWrite = errors.New("confstore: write from listener callback")
	ErrInvalidState   = errors.New("confstore: invalid state")
)

// ValueType enumerates the storable types.
type ValueType int

const (
	TypeBool ValueType = iota
	TypeInt
	TypeUint
	TypeFloat
	TypeString
	TypeBytes
)

// String returns the lowercase type name.
func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeUint:
		return "uint"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Source identifies where a cached value came from.
type Source int

const (
	SourceDefault Source = iota
	SourceFile
	SourceNonVolatile
	SourceRuntime
)

// Priority returns the resolution priority of a source; higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceRuntime:
		return 100
	case SourceNonVolatile:
		return 80
	case SourceFile:
		return 60
	default:
		return 0
	}
}

// String returns the lowercase source name.
func (s Source) String() string {
	switch s {
	case SourceRuntime:
		return "runtime"
	case SourceNonVolatile:
		return "nonvolatile"
	case SourceFile:
		return "file"
	default:
		return "default"
	}
}

// Value is a typed configuration value. Construct with the typed
// constructors; the zero Value is a false bool.
type Value struct {
	Type  ValueType
	b     bool
	i     int64
	u     uint64
	f     float64
	s     string
	bytes []byte
}

// Bool wraps a boolean value.
func Bool(v bool) Value { return Value{Type: TypeBool, b: v} }

// Int wraps a signed integer value.
func Int(v int64) Value { return Value{Type: TypeInt, i: v} }

// Uint wraps an unsigned integer value.
func Uint(v uint64) Value { return Value{Type: TypeUint, u: v} }

// Float wraps a floating-point value.
func Float(v float64) Value { return Value{Type: TypeFloat, f: v} }

// String wraps a string value.
func String(v string) Value { return Value{Type: TypeString, s: v} }

// Bytes wraps an opaque byte value.
func Bytes(v []byte) Value { return Value{Type: TypeBytes, bytes: v} }

// AsBool returns the boolean payload, or false on type mismatch.
func (v Value) AsBool() bool { return v.Type == TypeBool && v.b }

// AsInt returns the signed integer payload, or 0 on type mismatch.
func (v Value) AsInt() int64 {
	if v.Type != TypeInt {
		return 0
	}
	return v.i
}

// AsUint returns the unsigned integer payload, or 0 on type mismatch.
func (v Value) AsUint() uint64 {
	if v.Type != TypeUint {
		return 0
	}
	return v.u
}

// AsFloat returns the float payload, or 0 on type mismatch.
func (v Value) AsFloat() float64 {
	if v.Type != TypeFloat {
		return 0
	}
	return v.f
}

// AsString returns the string payload, or "" on type mismatch.
func (v Value) AsString() string {
	if v.Type != TypeString {
		return ""
	}
	return v.s
}

// AsBytes returns the byte payload, or nil on type mismatch.
func (v Value) AsBytes() []byte {
	if v.Type != TypeBytes {
		return nil
	}
	return v.bytes
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeUint:
		return v.u == o.u
	case TypeFloat:
		return v.f == o.f
	case TypeString:
		return v.s == o.s
	case TypeBytes:
		return string(v.bytes) == string(o.bytes)
	}
	return false
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.Type {
	case TypeBool:
		return fmt.Sprintf("%t", v.b)
	case TypeInt:
		return fmt.Sprintf("%d", v.i)
	case TypeUint:
		return fmt.Sprintf("%d", v.u)
	case TypeFloat:
		return fmt.Sprintf("%g", v.f)
	case TypeString:
		return v.s
	case TypeBytes:
		return fmt.Sprintf("%d bytes", len(v.bytes))
	}
	return "?"
}
