package kvdict

import (
	"math"
	"testing"
)

func TestPrefixSuccessor(t *testing.T) {
	tests := []struct {
		prefix []byte
		e      []byte
	}{
		{[]byte("ab"), []byte("ac")},
		{x("01ff"), x("02")},
		{x("00"), x("01")},
		{x("ffff"), nil},
		{nil, nil},
	}
	for _, tt := range tests {
		a := prefixSuccessor(tt.prefix)
		deepEqual(t, a, tt.e)
	}

	p := []byte("ab")
	prefixSuccessor(p)
	deepEqual(t, p, []byte("ab"))
}

func TestHexstr(t *testing.T) {
	deepEqual(t, hexstr(nil), "<nil>")
	deepEqual(t, hexstr([]byte{}), "<empty>")
	deepEqual(t, hexstr(x("00ab")), "00ab")
	deepEqual(t, hexAttr("key", x("01")).Value.String(), "01")
}

func TestKeyString(t *testing.T) {
	deepEqual(t, keyString([]byte("user:1")), `"user:1"`)
	deepEqual(t, keyString(x("0001")), "0001")
	deepEqual(t, keyString([]byte{}), "<empty>")
}

func TestByteutil(t *testing.T) {
	var buf []byte
	buf = appendUint8(buf, 1)
	buf = appendUint16(buf, 0x0203)
	buf = appendUint32(buf, 0x04050607)
	buf = appendUint64(buf, 0x08090a0b0c0d0e0f)
	buf = appendRaw(buf, []byte{0x10})
	deepEqual(t, buf, x("01 0203 04050607 08090a0b0c0d0e0f 10"))

	buf = appendUvarint(nil, 300)
	buf = appendUvarint(buf, math.MaxUint32+1)
	d := makeByteDecoder(buf)
	deepEqual(t, must(d.Uvarint32()), uint32(300))
	deepEqual(t, d.Off(), 2)
	_, err := d.Uvarint32()
	isErr(t, err, ErrCorruptEncoding)

	d = makeByteDecoder(x("ff"))
	_, err = d.Uvarint()
	isErr(t, err, ErrCorruptEncoding)

	deepEqual(t, cloneBytes(nil), []byte(nil))
	src := []byte("abc")
	c := cloneBytes(src)
	src[0] = 'X'
	deepEqual(t, c, []byte("abc"))

	var bb bytesBuilder
	bb.WriteString("ab")
	bb.WriteByte('c')
	bb.Write([]byte("de"))
	deepEqual(t, string(bb.Buf), "abcde")
}

func TestKeyBytesPool(t *testing.T) {
	k := must(encodeLookupKey(Text("hello")))
	deepEqual(t, string(k), "hello")
	releaseKeyBytes(k)

	_, err := encodeLookupKey(Opaque(1))
	isErr(t, err, ErrUnsupportedKeyType)
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
