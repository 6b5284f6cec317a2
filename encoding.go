package kvdict

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer turns values outside the closed set of scalar kinds into bytes
// and back. It is used for Opaque values only.
type Serializer interface {
	Dumps(v any) ([]byte, error)
	Loads(data []byte) (any, error)
}

// MsgpackSerializer is the default Serializer. Maps are encoded with sorted
// keys so that equal values produce equal bytes.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Dumps(v any) ([]byte, error) {
	var bb bytesBuilder
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func (MsgpackSerializer) Loads(data []byte) (any, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	v, err := dec.DecodeInterface()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(data, 0, err, "failed to decode msgpack")
	}
	return v, nil
}

// JSONSerializer stores opaque values as JSON. Numbers decode as float64
// unless UseNumber is set.
type JSONSerializer struct {
	UseNumber bool
}

func (s JSONSerializer) Dumps(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T to JSON: %w", v, err)
	}
	return raw, nil
}

func (s JSONSerializer) Loads(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if s.UseNumber {
		dec.UseNumber()
	}
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, dataErrf(data, 0, err, "failed to decode JSON")
	}
	return v, nil
}

var defaultSerializer Serializer = MsgpackSerializer{}
