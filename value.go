package kvdict

import (
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value. The numeric value of a Kind is
// also its tag byte in the value encoding, so the order of these constants is
// part of the on-disk format.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat64
	KindBool
	KindText
	KindBytes
	KindOpaque

	kindCount
)

var kindNames = [kindCount]string{
	KindInvalid: "invalid",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindFloat64: "float64",
	KindBool:    "bool",
	KindText:    "text",
	KindBytes:   "bytes",
	KindOpaque:  "opaque",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind returns the kind with the given name, as printed by Kind.String.
// A few common aliases (int, uint, float, string) are accepted too.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "int":
		return KindInt64, nil
	case "uint":
		return KindUint64, nil
	case "float", "double":
		return KindFloat64, nil
	case "string", "str":
		return KindText, nil
	case "hex", "blob":
		return KindBytes, nil
	}
	for k := KindUint8; k < kindCount; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("kvdict: unknown kind %q", s)
}

// Width returns the payload size in bytes of fixed-width kinds, and 0 for
// variable-width ones.
func (k Kind) Width() int {
	switch k {
	case KindUint8, KindInt8, KindBool:
		return 1
	case KindUint16, KindInt16:
		return 2
	case KindUint32, KindInt32:
		return 4
	case KindUint64, KindInt64, KindFloat64:
		return 8
	default:
		return 0
	}
}

func (k Kind) IsUnsigned() bool { return k >= KindUint8 && k <= KindUint64 }
func (k Kind) IsSigned() bool   { return k >= KindInt8 && k <= KindInt64 }

// Value is a closed sum of the types that can be stored as keys and values.
// The zero Value is invalid and is used to signal absence.
type Value struct {
	kind Kind
	num  uint64
	buf  []byte
	obj  any
}

func Uint8(v uint8) Value   { return Value{kind: KindUint8, num: uint64(v)} }
func Uint16(v uint16) Value { return Value{kind: KindUint16, num: uint64(v)} }
func Uint32(v uint32) Value { return Value{kind: KindUint32, num: uint64(v)} }
func Uint64(v uint64) Value { return Value{kind: KindUint64, num: v} }
func Int8(v int8) Value     { return Value{kind: KindInt8, num: uint64(int64(v))} }
func Int16(v int16) Value   { return Value{kind: KindInt16, num: uint64(int64(v))} }
func Int32(v int32) Value   { return Value{kind: KindInt32, num: uint64(int64(v))} }
func Int64(v int64) Value   { return Value{kind: KindInt64, num: uint64(v)} }

func Float64(v float64) Value { return Value{kind: KindFloat64, num: math.Float64bits(v)} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

func Text(s string) Value { return Value{kind: KindText, buf: []byte(s)} }

// Bytes returns a bytes Value. The slice is retained, not copied.
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBytes, buf: b}
}

// Opaque wraps an arbitrary Go value that is stored via the configured
// Serializer. Opaque values cannot be used as keys.
func Opaque(v any) Value { return Value{kind: KindOpaque, obj: v} }

// ValueOf converts a native Go value into a Value. Anything outside the
// closed set of scalar types becomes Opaque.
func ValueOf(v any) Value {
	switch v := v.(type) {
	case Value:
		return v
	case uint8:
		return Uint8(v)
	case uint16:
		return Uint16(v)
	case uint32:
		return Uint32(v)
	case uint64:
		return Uint64(v)
	case uint:
		return Uint64(uint64(v))
	case int8:
		return Int8(v)
	case int16:
		return Int16(v)
	case int32:
		return Int32(v)
	case int64:
		return Int64(v)
	case int:
		return Int64(int64(v))
	case float64:
		return Float64(v)
	case float32:
		return Float64(float64(v))
	case bool:
		return Bool(v)
	case string:
		return Text(v)
	case []byte:
		return Bytes(v)
	default:
		return Opaque(v)
	}
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) Valid() bool { return v.kind != KindInvalid }

// Uint returns the value of an unsigned integer Value, and panics otherwise.
func (v Value) Uint() uint64 {
	if !v.kind.IsUnsigned() {
		panic(fmt.Errorf("kvdict: Uint called on %v value", v.kind))
	}
	return v.num
}

// Int returns the value of a signed integer Value, and panics otherwise.
func (v Value) Int() int64 {
	if !v.kind.IsSigned() {
		panic(fmt.Errorf("kvdict: Int called on %v value", v.kind))
	}
	return int64(v.num)
}

func (v Value) Float() float64 {
	v.expect(KindFloat64)
	return math.Float64frombits(v.num)
}

func (v Value) BoolValue() bool {
	v.expect(KindBool)
	return v.num != 0
}

func (v Value) TextValue() string {
	v.expect(KindText)
	return string(v.buf)
}

func (v Value) BytesValue() []byte {
	v.expect(KindBytes)
	return v.buf
}

func (v Value) OpaqueValue() any {
	v.expect(KindOpaque)
	return v.obj
}

func (v Value) expect(k Kind) {
	if v.kind != k {
		panic(fmt.Errorf("kvdict: %v accessor called on %v value", k, v.kind))
	}
}

// Interface returns the value as a native Go value of the matching type.
func (v Value) Interface() any {
	switch v.kind {
	case KindUint8:
		return uint8(v.num)
	case KindUint16:
		return uint16(v.num)
	case KindUint32:
		return uint32(v.num)
	case KindUint64:
		return v.num
	case KindInt8:
		return int8(v.num)
	case KindInt16:
		return int16(v.num)
	case KindInt32:
		return int32(v.num)
	case KindInt64:
		return int64(v.num)
	case KindFloat64:
		return math.Float64frombits(v.num)
	case KindBool:
		return v.num != 0
	case KindText:
		return string(v.buf)
	case KindBytes:
		return v.buf
	case KindOpaque:
		return v.obj
	default:
		return nil
	}
}

// Equal reports whether both values have the same kind and payload. Floats
// are compared bitwise, so NaN equals an identical NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindText, KindBytes:
		return string(v.buf) == string(o.buf)
	case KindOpaque:
		return reflect.DeepEqual(v.obj, o.obj)
	default:
		return v.num == o.num
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInvalid:
		return "<none>"
	case KindText:
		return strconv.Quote(string(v.buf))
	case KindBytes:
		return "0x" + hex.EncodeToString(v.buf)
	case KindOpaque:
		return fmt.Sprintf("opaque(%v)", v.obj)
	default:
		return fmt.Sprint(v.Interface())
	}
}

// ParseValue parses a textual representation of a value of the given kind.
// Bytes are written in hex, optionally prefixed with 0x.
func ParseValue(kind Kind, s string) (Value, error) {
	switch {
	case kind.IsUnsigned():
		u, err := strconv.ParseUint(s, 0, kind.Width()*8)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: u}, nil
	case kind.IsSigned():
		i, err := strconv.ParseInt(s, 0, kind.Width()*8)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: uint64(i)}, nil
	}
	switch kind {
	case KindFloat64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return Float64(f), nil
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindText:
		return Text(s), nil
	case KindBytes:
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	default:
		return Value{}, fmt.Errorf("kvdict: cannot parse %v values", kind)
	}
}
