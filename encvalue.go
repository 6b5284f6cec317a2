package kvdict

import (
	"encoding/binary"
	"errors"
)

var errInvalidValue = errors.New("cannot encode an invalid value")

// EncodeValue encodes v as a one-byte kind tag followed by the payload.
// Numeric and bool payloads are fixed-width big-endian; text, bytes and
// opaque payloads run to the end of the buffer. A nil Serializer means
// MsgpackSerializer.
func EncodeValue(v Value, s Serializer) ([]byte, error) {
	return appendValue(nil, v, s)
}

func appendValue(buf []byte, v Value, s Serializer) ([]byte, error) {
	switch v.kind {
	case KindInvalid:
		return nil, errInvalidValue
	case KindText, KindBytes:
		buf = append(buf, byte(v.kind))
		return appendRaw(buf, v.buf), nil
	case KindOpaque:
		if s == nil {
			s = defaultSerializer
		}
		data, err := s.Dumps(v.obj)
		if err != nil {
			return nil, err
		}
		buf = append(buf, byte(KindOpaque))
		return appendRaw(buf, data), nil
	case KindFloat64:
		buf = append(buf, byte(v.kind))
		return appendUint64(buf, v.num), nil
	default:
		buf = append(buf, byte(v.kind))
		return appendFixed(buf, v.num, v.kind.Width()), nil
	}
}

// DecodeValue reverses EncodeValue. Unknown tags and payloads of the wrong
// length fail with an error matching ErrCorruptEncoding.
func DecodeValue(data []byte, s Serializer) (Value, error) {
	if len(data) == 0 {
		return Value{}, dataErrf(data, 0, nil, "empty value")
	}
	kind := Kind(data[0])
	payload := data[1:]
	if kind == KindInvalid || kind >= kindCount {
		return Value{}, dataErrf(data, 0, nil, "unknown value tag 0x%02x", data[0])
	}
	if w := kind.Width(); w != 0 && len(payload) != w {
		return Value{}, dataErrf(data, 1, nil, "%v payload must be %d bytes, got %d", kind, w, len(payload))
	}
	switch kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return Value{kind: kind, num: readFixed(payload)}, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return Value{kind: kind, num: uint64(signExtend(readFixed(payload), len(payload)))}, nil
	case KindFloat64:
		return Value{kind: kind, num: binary.BigEndian.Uint64(payload)}, nil
	case KindBool:
		if payload[0] > 1 {
			return Value{}, dataErrf(data, 1, nil, "invalid bool payload")
		}
		return Bool(payload[0] == 1), nil
	case KindText:
		return Value{kind: KindText, buf: payload}, nil
	case KindBytes:
		return Bytes(payload), nil
	default:
		if s == nil {
			s = defaultSerializer
		}
		obj, err := s.Loads(payload)
		if err != nil {
			return Value{}, dataErrf(data, 1, err, "cannot decode opaque value")
		}
		return Opaque(obj), nil
	}
}

// valueKind peeks at the tag without decoding the payload.
func valueKind(data []byte) Kind {
	if len(data) == 0 || Kind(data[0]) >= kindCount {
		return KindInvalid
	}
	return Kind(data[0])
}
