package kvdict

import (
	"encoding/binary"
)

const (
	signBit64 = uint64(1) << 63
)

// EncodeKey returns the order-preserving encoding of a key. For any two keys
// of the same kind, bytewise comparison of their encodings matches the
// natural order of the values. Keys of different kinds can be stored side by
// side, but their relative order is unspecified.
//
// Unsigned integers are big-endian; signed integers are big-endian with the
// sign bit flipped; floats have all bits complemented when negative and the
// sign bit set otherwise (negative zero is stored as positive zero); bools are
// a single 0 or 1 byte; text and bytes are stored as is.
func EncodeKey(key Value) ([]byte, error) {
	return AppendKey(nil, key)
}

// AppendKey appends the encoding of key to buf.
func AppendKey(buf []byte, key Value) ([]byte, error) {
	switch key.kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return appendFixed(buf, key.num, key.kind.Width()), nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		w := key.kind.Width()
		return appendFixed(buf, key.num^(uint64(1)<<(w*8-1)), w), nil
	case KindFloat64:
		return appendUint64(buf, floatKeyBits(key.num)), nil
	case KindBool:
		return append(buf, byte(key.num)), nil
	case KindText, KindBytes:
		if buf == nil {
			buf = make([]byte, 0, len(key.buf))
		}
		return appendRaw(buf, key.buf), nil
	default:
		return buf, ErrUnsupportedKeyType
	}
}

func floatKeyBits(bits uint64) uint64 {
	if bits == signBit64 {
		bits = 0 // -0.0 == +0.0
	}
	if bits&signBit64 != 0 {
		return ^bits
	}
	return bits | signBit64
}

func floatFromKeyBits(bits uint64) uint64 {
	if bits&signBit64 != 0 {
		return bits &^ signBit64
	}
	return ^bits
}

// DecodeKey reverses EncodeKey. Keys carry no type tag, so the caller names
// the kind the key was written with.
func DecodeKey(kind Kind, data []byte) (Value, error) {
	if w := kind.Width(); w != 0 && len(data) != w {
		return Value{}, dataErrf(data, 0, nil, "%v key must be %d bytes", kind, w)
	}
	switch kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return Value{kind: kind, num: readFixed(data)}, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		w := len(data)
		u := readFixed(data) ^ (uint64(1) << (w*8 - 1))
		return Value{kind: kind, num: uint64(signExtend(u, w))}, nil
	case KindFloat64:
		return Value{kind: kind, num: floatFromKeyBits(binary.BigEndian.Uint64(data))}, nil
	case KindBool:
		if data[0] > 1 {
			return Value{}, dataErrf(data, 0, nil, "invalid bool key")
		}
		return Bool(data[0] == 1), nil
	case KindText:
		return Value{kind: KindText, buf: data}, nil
	case KindBytes:
		return Bytes(data), nil
	default:
		return Value{}, ErrUnsupportedKeyType
	}
}

func appendFixed(buf []byte, v uint64, width int) []byte {
	switch width {
	case 1:
		return appendUint8(buf, uint8(v))
	case 2:
		return appendUint16(buf, uint16(v))
	case 4:
		return appendUint32(buf, uint32(v))
	default:
		return appendUint64(buf, v)
	}
}

func readFixed(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(data))
	case 4:
		return uint64(binary.BigEndian.Uint32(data))
	default:
		return binary.BigEndian.Uint64(data)
	}
}

func signExtend(u uint64, width int) int64 {
	shift := 64 - width*8
	return int64(u<<shift) >> shift
}

// keyOrNil encodes keys, treating an invalid Value as "no key".
func keyOrNil(key Value) ([]byte, error) {
	if !key.Valid() {
		return nil, nil
	}
	return EncodeKey(key)
}
