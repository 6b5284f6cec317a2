// Package sstfile implements immutable sorted key-value files used for bulk
// loading.
//
// A file is written once by a Writer, in strictly increasing key order, and
// then read back sequentially (or probed with a bloom filter) by a Reader.
// Every structural piece is checksummed with xxhash.
//
// File format:
//
//   - file = header block* filter meta footer
//   - header = magic:64 version:8 compression:8 flags:16 created:32 id:160 reserved:32 checksum:64
//   - block = type:8 storedLen:uvarint rawLen:uvarint stored* checksum:64
//   - raw block contents = (keyLen:uvarint key* valueLen:uvarint value*)*
//   - filter = serialized bloom filter over xxhash64(key), may be empty
//   - meta = smallestLen:uvarint smallest* largestLen:uvarint largest*
//   - footer = entries:64 dataEnd:64 filterLen:64 metaOff:64 metaLen:64 magic:64 checksum:64
//
// Fixed-size integers in the header and footer are little-endian.
package sstfile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/ksuid"
)

var (
	ErrCorrupted          = errors.New("corrupted sorted file")
	ErrUnsupportedVersion = errors.New("unsupported sorted file version")
	ErrOutOfOrder         = errors.New("keys must be added in strictly increasing order")
	ErrEmpty              = errors.New("cannot finish a sorted file with no entries")
)

const (
	magic          = 0x5444455452524f53 // "SORRTEDT" as little-endian uint64
	footerMagic    = 0x444e45444554524f // "ORTEDEND" as little-endian uint64
	version0 uint8 = 0
)

const (
	headerSize = 48
	footerSize = 56

	DefaultBlockSize  = 4096
	DefaultBitsPerKey = 10
)

type fileHeader struct {
	Magic       uint64
	Version     uint8
	Compression uint8
	Flags       uint16
	Created     uint32
	ID          [20]byte
	_           uint32
	Checksum    uint64
}

type fileFooter struct {
	Entries   uint64
	DataEnd   uint64
	FilterLen uint64
	MetaOff   uint64
	MetaLen   uint64
	Magic     uint64
	Checksum  uint64
}

// Info describes a finished file.
type Info struct {
	Path        string
	ID          ksuid.KSUID
	Entries     uint64
	Smallest    []byte
	Largest     []byte
	Size        int64
	Compression Compression
}

func (info *Info) String() string {
	return fmt.Sprintf("%s (%s, %d entries, %x..%x, %v)", info.Path, info.ID, info.Entries, info.Smallest, info.Largest, info.Compression)
}

func encodeHeader(h *fileHeader) []byte {
	var buf [headerSize]byte
	h.Magic = magic
	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	h.Checksum = xxhash.Sum64(buf[:headerSize-8])
	binary.LittleEndian.PutUint64(buf[headerSize-8:], h.Checksum)
	return buf[:]
}

func decodeHeader(buf []byte, h *fileHeader) error {
	if len(buf) < headerSize {
		return ErrCorrupted
	}
	buf = buf[:headerSize]
	if _, err := binary.Decode(buf, binary.LittleEndian, h); err != nil {
		return ErrCorrupted
	}
	if h.Magic != magic {
		return fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if xxhash.Sum64(buf[:headerSize-8]) != h.Checksum {
		return fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	return nil
}

func encodeFooter(f *fileFooter) []byte {
	var buf [footerSize]byte
	f.Magic = footerMagic
	n, err := binary.Encode(buf[:], binary.LittleEndian, f)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	f.Checksum = xxhash.Sum64(buf[:footerSize-8])
	binary.LittleEndian.PutUint64(buf[footerSize-8:], f.Checksum)
	return buf[:]
}

func decodeFooter(buf []byte, f *fileFooter) error {
	if len(buf) != footerSize {
		return ErrCorrupted
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, f); err != nil {
		return ErrCorrupted
	}
	if f.Magic != footerMagic {
		return fmt.Errorf("%w: bad footer magic", ErrCorrupted)
	}
	if xxhash.Sum64(buf[:footerSize-8]) != f.Checksum {
		return fmt.Errorf("%w: footer checksum mismatch", ErrCorrupted)
	}
	return nil
}

func keyHash(key []byte) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], xxhash.Sum64(key))
	return buf[:]
}
