package kvdict

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		value Value
		enc   []byte
	}{
		{Uint8(200), x("01 c8")},
		{Uint16(1), x("02 0001")},
		{Uint32(1), x("03 00000001")},
		{Uint64(42), x("04 00000000 0000002a")},
		{Int8(-1), x("05 ff")},
		{Int16(-2), x("06 fffe")},
		{Int32(-3), x("07 fffffffd")},
		{Int64(-7), x("08 ffffffff fffffff9")},
		{Float64(3.14), x("09 40091eb8 51eb851f")},
		{Bool(true), x("0a 01")},
		{Bool(false), x("0a 00")},
		{Text("hello"), x("0b 68656c6c6f")},
		{Text(""), x("0b")},
		{Bytes([]byte{0x00, 0xFF}), x("0c 00ff")},
		{Opaque("hi"), x("0d a2 6869")},
	}
	for _, tt := range tests {
		a := must(EncodeValue(tt.value, nil))
		if !bytes.Equal(a, tt.enc) {
			t.Errorf("EncodeValue(%v %v) = %x, wanted %x", tt.value.Kind(), tt.value, a, tt.enc)
		}
		v := must(DecodeValue(tt.enc, nil))
		if !v.Equal(tt.value) {
			t.Errorf("DecodeValue(%x) = %v %v, wanted %v %v", tt.enc, v.Kind(), v, tt.value.Kind(), tt.value)
		}
	}
}

func TestDecodeValue_tags(t *testing.T) {
	u := must(EncodeValue(Uint64(1), nil))
	i := must(EncodeValue(Int64(1), nil))
	if bytes.Equal(u, i) {
		t.Errorf("uint64 and int64 encode identically: %x", u)
	}
	deepEqual(t, must(DecodeValue(u, nil)).Kind(), KindUint64)
	deepEqual(t, must(DecodeValue(i, nil)).Kind(), KindInt64)

	txt := must(EncodeValue(Text("a"), nil))
	bin := must(EncodeValue(Bytes([]byte("a")), nil))
	deepEqual(t, must(DecodeValue(txt, nil)).Kind(), KindText)
	deepEqual(t, must(DecodeValue(bin, nil)).Kind(), KindBytes)
	deepEqual(t, valueKind(bin), KindBytes)
	deepEqual(t, valueKind(nil), KindInvalid)
	deepEqual(t, valueKind(x("ee")), KindInvalid)
}

func TestDecodeValue_corrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"invalid tag", x("00 01")},
		{"unknown tag", x("ee 01")},
		{"short uint64", x("04 010203")},
		{"long int8", x("05 0102")},
		{"missing float", x("09")},
		{"bad bool", x("0a 02")},
		{"bad msgpack", x("0d c1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeValue(tt.data, nil)
			isErr(t, err, ErrCorruptEncoding)
		})
	}
}

func TestEncodeValue_invalid(t *testing.T) {
	_, err := EncodeValue(Value{}, nil)
	deepEqual(t, err, errInvalidValue)
}

func TestOpaque_msgpack(t *testing.T) {
	v := Opaque(map[string]any{
		"name": "widget",
		"tags": []any{"a", "b"},
		"ok":   true,
	})
	enc := must(EncodeValue(v, MsgpackSerializer{}))
	deepEqual(t, enc[0], byte(KindOpaque))
	a := must(DecodeValue(enc, MsgpackSerializer{}))
	if !a.Equal(v) {
		t.Errorf("got %v, wanted %v", a, v)
	}

	// sorted map keys make encodings deterministic
	again := must(EncodeValue(Opaque(map[string]any{"ok": true, "tags": []any{"a", "b"}, "name": "widget"}), nil))
	deepEqual(t, again, enc)
}

func TestOpaque_json(t *testing.T) {
	s := JSONSerializer{}
	v := Opaque(map[string]any{"n": 1.5, "s": "x"})
	enc := must(EncodeValue(v, s))
	deepEqual(t, enc, append([]byte{byte(KindOpaque)}, `{"n":1.5,"s":"x"}`...))
	valueEqual(t, must(DecodeValue(enc, s)), v)

	n := must(DecodeValue(must(EncodeValue(Opaque(7), s)), JSONSerializer{UseNumber: true}))
	deepEqual(t, n.OpaqueValue(), any(json.Number("7")))

	_, err := DecodeValue(x("0d 7b"), s)
	isErr(t, err, ErrCorruptEncoding)

	_, err = EncodeValue(Opaque(make(chan int)), s)
	if err == nil {
		t.Errorf("EncodeValue(chan) succeeded, wanted an error")
	}
}

func TestDB_serializer(t *testing.T) {
	d := setup(t, &Options{Backend: BackendMemory, Serializer: JSONSerializer{}}).Default()
	ok(t, d.Put(Text("k"), Opaque([]any{"a", 2.0})))
	valueEqual(t, get(t, d, Text("k")), Opaque([]any{"a", 2.0}))

	raw := must(d.DB().h.eng.Get(DefaultPartition, []byte("k")))
	deepEqual(t, string(raw[1:]), `["a",2]`)
}
