package sstfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/segmentio/ksuid"

	"github.com/andreyvit/kvdict/mmap"
)

type ReadOptions struct {
	// VerifyChecksums checks every block checksum while reading. Header and
	// footer checksums are always verified.
	VerifyChecksums bool
}

// Reader provides sequential access to a finished file through a read-only
// memory mapping.
type Reader struct {
	f      *os.File
	data   []byte
	opt    ReadOptions
	info   Info
	footer fileFooter
	filter *bloom.BloomFilter
	err    error
}

func Open(path string, o ReadOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()
	if size < headerSize+footerSize || size > mmap.MaxSize {
		f.Close()
		return nil, fmt.Errorf("sstfile: %s: %w: size %d", path, ErrCorrupted, size)
	}

	data, err := mmap.Mmap(f, 0, int(size), mmap.SequentialAccess)
	if err != nil {
		f.Close()
		return nil, err
	}
	r := &Reader{f: f, data: data, opt: o}
	if err := r.load(path); err != nil {
		r.Close()
		return nil, fmt.Errorf("sstfile: %s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) load(path string) error {
	var h fileHeader
	if err := decodeHeader(r.data, &h); err != nil {
		return err
	}
	size := uint64(len(r.data))
	ftr := &r.footer
	if err := decodeFooter(r.data[size-footerSize:], ftr); err != nil {
		return err
	}
	if ftr.DataEnd < headerSize || ftr.DataEnd+ftr.FilterLen != ftr.MetaOff || ftr.MetaOff+ftr.MetaLen != size-footerSize {
		return fmt.Errorf("%w: inconsistent footer offsets", ErrCorrupted)
	}

	if ftr.FilterLen > 0 {
		r.filter = &bloom.BloomFilter{}
		if _, err := r.filter.ReadFrom(bytes.NewReader(r.data[ftr.DataEnd:ftr.MetaOff])); err != nil {
			return fmt.Errorf("%w: filter: %v", ErrCorrupted, err)
		}
	}

	meta := r.data[ftr.MetaOff : ftr.MetaOff+ftr.MetaLen]
	smallest, meta, ok := readVarBytes(meta)
	if !ok {
		return fmt.Errorf("%w: meta", ErrCorrupted)
	}
	largest, _, ok := readVarBytes(meta)
	if !ok {
		return fmt.Errorf("%w: meta", ErrCorrupted)
	}

	r.info = Info{
		Path:        path,
		ID:          ksuid.KSUID(h.ID),
		Entries:     ftr.Entries,
		Smallest:    smallest,
		Largest:     largest,
		Size:        int64(size),
		Compression: Compression(h.Compression),
	}
	return nil
}

// Info returns the file's metadata. Smallest and Largest point into the
// mapping and are only valid until Close.
func (r *Reader) Info() Info { return r.info }

// MayContain reports whether the file might hold key. False negatives are
// impossible; without a filter it always returns true.
func (r *Reader) MayContain(key []byte) bool {
	if r.filter == nil {
		return true
	}
	return r.filter.Test(keyHash(key))
}

// All iterates over the entries in key order. Keys and values may point into
// the mapping; they are valid until Close. Decoding failures stop the
// iteration and are reported by Err.
func (r *Reader) All() iter.Seq2[[]byte, []byte] {
	return func(yield func(k, v []byte) bool) {
		if r.data == nil {
			r.err = fmt.Errorf("sstfile: reader is closed")
			return
		}
		var scratch []byte
		var count uint64
		var prev []byte
		off := uint64(headerSize)
		end := r.footer.DataEnd
		for off < end {
			block, next, err := r.readBlock(off, end, scratch)
			if err != nil {
				r.err = err
				return
			}
			off = next
			for len(block) > 0 {
				var k, v []byte
				var ok bool
				k, block, ok = readVarBytes(block)
				if ok {
					v, block, ok = readVarBytes(block)
				}
				if !ok {
					r.err = fmt.Errorf("%w: truncated entry", ErrCorrupted)
					return
				}
				if count > 0 && bytes.Compare(k, prev) <= 0 {
					r.err = fmt.Errorf("%w: %v", ErrCorrupted, ErrOutOfOrder)
					return
				}
				count++
				prev = k
				if !yield(k, v) {
					return
				}
			}
		}
		if count != r.footer.Entries {
			r.err = fmt.Errorf("%w: %d entries, footer says %d", ErrCorrupted, count, r.footer.Entries)
		}
	}
}

func (r *Reader) readBlock(off, end uint64, scratch []byte) ([]byte, uint64, error) {
	if off >= end {
		return nil, off, fmt.Errorf("%w: block offset %d", ErrCorrupted, off)
	}
	buf := r.data[off:end]
	typ := Compression(buf[0])
	storedLen, n1 := binary.Uvarint(buf[1:])
	if n1 <= 0 {
		return nil, off, fmt.Errorf("%w: block header at %d", ErrCorrupted, off)
	}
	rawLen, n2 := binary.Uvarint(buf[1+n1:])
	if n2 <= 0 {
		return nil, off, fmt.Errorf("%w: block header at %d", ErrCorrupted, off)
	}
	hlen := uint64(1 + n1 + n2)
	if hlen+storedLen+8 > uint64(len(buf)) {
		return nil, off, fmt.Errorf("%w: block at %d overruns data", ErrCorrupted, off)
	}
	stored := buf[hlen : hlen+storedLen]
	if r.opt.VerifyChecksums {
		sum := binary.LittleEndian.Uint64(buf[hlen+storedLen:])
		if blockChecksum(buf[:hlen], stored) != sum {
			return nil, off, fmt.Errorf("%w: block checksum mismatch at %d", ErrCorrupted, off)
		}
	}
	raw, err := decompressBlock(typ, scratch, stored, int(rawLen))
	if err != nil {
		return nil, off, err
	}
	if uint64(len(raw)) != rawLen {
		return nil, off, fmt.Errorf("%w: block at %d decompressed to %d bytes, wanted %d", ErrCorrupted, off, len(raw), rawLen)
	}
	return raw, off + hlen + storedLen + 8, nil
}

// Err returns the error that stopped the last iteration, if any.
func (r *Reader) Err() error { return r.err }

// Verify reads the whole file, checking every block checksum and the key
// order.
func (r *Reader) Verify() error {
	saved := r.opt.VerifyChecksums
	r.opt.VerifyChecksums = true
	defer func() { r.opt.VerifyChecksums = saved }()
	r.err = nil
	for range r.All() {
	}
	return r.err
}

func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		err = mmap.Munmap(r.data)
		r.data = nil
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	return err
}

func readVarBytes(buf []byte) (v, rest []byte, ok bool) {
	n, l := binary.Uvarint(buf)
	if l <= 0 || uint64(len(buf)-l) < n {
		return nil, buf, false
	}
	return buf[l : l+int(n)], buf[l+int(n):], true
}
