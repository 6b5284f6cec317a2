package kvdict

import (
	"bytes"
	"math"
	"testing"
)

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		key Value
		enc []byte
	}{
		{Uint8(7), x("07")},
		{Uint16(0x1234), x("1234")},
		{Uint32(1), x("00000001")},
		{Uint64(42), x("00000000 0000002a")},
		{Int8(-1), x("7f")},
		{Int16(0), x("8000")},
		{Int32(-2), x("7ffffffe")},
		{Int64(-5), x("7fffffff fffffffb")},
		{Int64(0), x("80000000 00000000")},
		{Int64(5), x("80000000 00000005")},
		{Float64(0.5), x("bfe00000 00000000")},
		{Float64(-0.5), x("401fffff ffffffff")},
		{Float64(0), x("80000000 00000000")},
		{Float64(math.Copysign(0, -1)), x("80000000 00000000")},
		{Bool(false), x("00")},
		{Bool(true), x("01")},
		{Text("hi"), []byte("hi")},
		{Bytes([]byte{0x00, 0xFF}), x("00ff")},
	}
	for _, tt := range tests {
		a := must(EncodeKey(tt.key))
		if !bytes.Equal(a, tt.enc) {
			t.Errorf("EncodeKey(%v %v) = %x, wanted %x", tt.key.Kind(), tt.key, a, tt.enc)
		}
	}
}

func TestEncodeKey_ordering(t *testing.T) {
	tests := []struct {
		name string
		keys []Value
	}{
		{"int64", []Value{Int64(math.MinInt64), Int64(-5), Int64(-1), Int64(0), Int64(5), Int64(math.MaxInt64)}},
		{"int8", []Value{Int8(math.MinInt8), Int8(-1), Int8(0), Int8(1), Int8(math.MaxInt8)}},
		{"int32", []Value{Int32(math.MinInt32), Int32(-70000), Int32(0), Int32(70000)}},
		{"uint32", []Value{Uint32(0), Uint32(1), Uint32(256), Uint32(math.MaxUint32)}},
		{"uint64", []Value{Uint64(0), Uint64(255), Uint64(256), Uint64(math.MaxUint64)}},
		{"float64", []Value{
			Float64(math.Inf(-1)), Float64(-1e300), Float64(-1.5), Float64(-0.5),
			Float64(-math.SmallestNonzeroFloat64), Float64(0.0), Float64(math.SmallestNonzeroFloat64),
			Float64(0.5), Float64(1e300), Float64(math.Inf(1)),
		}},
		{"bool", []Value{Bool(false), Bool(true)}},
		{"text", []Value{Text(""), Text("a"), Text("ab"), Text("b"), Text("ß")}},
		{"bytes", []Value{Bytes([]byte{}), Bytes([]byte{0x00}), Bytes([]byte{0x00, 0x00}), Bytes([]byte{0x01}), Bytes([]byte{0xFF})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := must(EncodeKey(tt.keys[0]))
			for _, k := range tt.keys[1:] {
				cur := must(EncodeKey(k))
				if bytes.Compare(prev, cur) >= 0 {
					t.Errorf("encoding of %v (%x) does not sort after its predecessor (%x)", k, cur, prev)
				}
				prev = cur
			}
		})
	}
}

func TestDecodeKey(t *testing.T) {
	keys := []Value{
		Uint8(0), Uint8(255), Uint16(65535), Uint32(123456), Uint64(math.MaxUint64),
		Int8(-128), Int8(127), Int16(-1), Int32(math.MinInt32), Int64(-7), Int64(math.MaxInt64),
		Float64(3.14), Float64(-2.5), Float64(math.Inf(-1)), Float64(math.MaxFloat64),
		Bool(true), Bool(false), Text("hello"), Bytes([]byte{0x00, 0xFF}),
	}
	for _, k := range keys {
		a := must(DecodeKey(k.Kind(), must(EncodeKey(k))))
		if !a.Equal(k) {
			t.Errorf("DecodeKey(EncodeKey(%v)) = %v", k, a)
		}
	}

	negZero := must(DecodeKey(KindFloat64, must(EncodeKey(Float64(math.Copysign(0, -1))))))
	if math.Signbit(negZero.Float()) {
		t.Errorf("negative zero key decoded as %v, wanted positive zero", negZero)
	}
}

func TestDecodeKey_errors(t *testing.T) {
	_, err := DecodeKey(KindInt64, x("0102"))
	isErr(t, err, ErrCorruptEncoding)
	_, err = DecodeKey(KindUint16, nil)
	isErr(t, err, ErrCorruptEncoding)
	_, err = DecodeKey(KindBool, x("02"))
	isErr(t, err, ErrCorruptEncoding)
	_, err = DecodeKey(KindOpaque, x("01"))
	isErr(t, err, ErrUnsupportedKeyType)
	_, err = DecodeKey(KindInvalid, x("01"))
	isErr(t, err, ErrUnsupportedKeyType)

	_, err = EncodeKey(Opaque("x"))
	isErr(t, err, ErrUnsupportedKeyType)
	_, err = EncodeKey(Value{})
	isErr(t, err, ErrUnsupportedKeyType)
}

func TestAppendKey(t *testing.T) {
	buf := []byte("pfx")
	buf = must(AppendKey(buf, Uint16(1)))
	deepEqual(t, buf, append([]byte("pfx"), 0x00, 0x01))
}

func TestKeyOrNil(t *testing.T) {
	if k := must(keyOrNil(Value{})); k != nil {
		t.Errorf("keyOrNil(invalid) = %x, wanted nil", k)
	}
	deepEqual(t, must(keyOrNil(Uint8(1))), x("01"))
}
