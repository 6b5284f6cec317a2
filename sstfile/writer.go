package sstfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/ksuid"

	"github.com/andreyvit/kvdict/mmap"
)

type Options struct {
	Compression Compression
	BlockSize   int // DefaultBlockSize if zero

	// BitsPerKey sizes the bloom filter. Zero means DefaultBitsPerKey,
	// negative disables the filter.
	BitsPerKey int

	// Sync makes Finish fdatasync the file before returning.
	Sync bool

	Now     func() time.Time
	Logger  *slog.Logger
	Verbose bool
}

// Writer builds a sorted file. It is not safe for concurrent use.
type Writer struct {
	path    string
	f       *os.File
	opt     Options
	id      ksuid.KSUID
	off     int64
	entries uint64

	block    []byte
	scratch  []byte
	hashes   []uint64
	smallest []byte
	last     []byte
	err      error
	done     bool
}

func Create(path string, o Options) (*Writer, error) {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BitsPerKey == 0 {
		o.BitsPerKey = DefaultBitsPerKey
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Compression > LZ4 {
		return nil, fmt.Errorf("sstfile: unsupported compression %v", o.Compression)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	id, err := ksuid.NewRandomWithTime(o.Now())
	if err != nil {
		return nil, err
	}

	h := fileHeader{
		Version:     version0,
		Compression: uint8(o.Compression),
		Created:     unixTime(o.Now()),
		ID:          [20]byte(id),
	}
	hbuf := encodeHeader(&h)
	if _, err := f.Write(hbuf); err != nil {
		return nil, err
	}

	ok = true
	return &Writer{
		path:  path,
		f:     f,
		opt:   o,
		id:    id,
		off:   headerSize,
		block: make([]byte, 0, o.BlockSize+o.BlockSize/4),
	}, nil
}

func (w *Writer) Path() string { return w.path }

// Entries returns the number of entries added so far.
func (w *Writer) Entries() uint64 { return w.entries }

// Add appends an entry. Keys must be strictly increasing in bytewise order.
func (w *Writer) Add(key, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.done {
		return fmt.Errorf("sstfile: %s: already finished", w.path)
	}
	if w.entries > 0 && bytes.Compare(key, w.last) <= 0 {
		return fmt.Errorf("sstfile: %s: %w: %x after %x", w.path, ErrOutOfOrder, key, w.last)
	}

	if w.entries == 0 {
		w.smallest = append([]byte(nil), key...)
	}
	w.last = append(w.last[:0], key...)
	w.entries++
	if w.opt.BitsPerKey > 0 {
		w.hashes = append(w.hashes, xxhash.Sum64(key))
	}

	w.block = binary.AppendUvarint(w.block, uint64(len(key)))
	w.block = append(w.block, key...)
	w.block = binary.AppendUvarint(w.block, uint64(len(value)))
	w.block = append(w.block, value...)

	if len(w.block) >= w.opt.BlockSize {
		return w.fail(w.flushBlock())
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	typ, stored, err := compressBlock(w.opt.Compression, w.scratch, w.block)
	if err != nil {
		return err
	}
	w.scratch = stored[:0]

	var hbuf [1 + 2*binary.MaxVarintLen64]byte
	h := append(hbuf[:0], byte(typ))
	h = binary.AppendUvarint(h, uint64(len(stored)))
	h = binary.AppendUvarint(h, uint64(len(w.block)))

	var tbuf [8]byte
	binary.LittleEndian.PutUint64(tbuf[:], blockChecksum(h, stored))

	for _, chunk := range [][]byte{h, stored, tbuf[:]} {
		n, err := w.f.Write(chunk)
		w.off += int64(n)
		if err != nil {
			return err
		}
	}
	w.block = w.block[:0]
	return nil
}

func blockChecksum(header, stored []byte) uint64 {
	var d xxhash.Digest
	d.Reset()
	d.Write(header)
	d.Write(stored)
	return d.Sum64()
}

// Finish flushes the remaining data, writes the filter, metadata and footer,
// and closes the file.
func (w *Writer) Finish() (*Info, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.done {
		return nil, fmt.Errorf("sstfile: %s: already finished", w.path)
	}
	if w.entries == 0 {
		return nil, ErrEmpty
	}
	if err := w.fail(w.flushBlock()); err != nil {
		return nil, err
	}

	ftr := fileFooter{
		Entries: w.entries,
		DataEnd: uint64(w.off),
	}

	if len(w.hashes) > 0 {
		m := uint(len(w.hashes) * w.opt.BitsPerKey)
		k := uint(math.Max(1, math.Round(float64(w.opt.BitsPerKey)*math.Ln2)))
		filter := bloom.New(m, k)
		var hb [8]byte
		for _, h := range w.hashes {
			binary.LittleEndian.PutUint64(hb[:], h)
			filter.Add(hb[:])
		}
		n, err := filter.WriteTo(w.f)
		w.off += n
		if err != nil {
			return nil, w.fail(err)
		}
		ftr.FilterLen = uint64(n)
	}

	meta := binary.AppendUvarint(nil, uint64(len(w.smallest)))
	meta = append(meta, w.smallest...)
	meta = binary.AppendUvarint(meta, uint64(len(w.last)))
	meta = append(meta, w.last...)
	ftr.MetaOff = uint64(w.off)
	ftr.MetaLen = uint64(len(meta))
	if _, err := w.f.Write(meta); err != nil {
		return nil, w.fail(err)
	}
	w.off += int64(len(meta))

	if _, err := w.f.Write(encodeFooter(&ftr)); err != nil {
		return nil, w.fail(err)
	}
	w.off += footerSize

	if w.opt.Sync {
		if err := mmap.SyncData(w.f); err != nil {
			return nil, w.fail(err)
		}
	}
	if err := w.f.Close(); err != nil {
		w.f = nil
		return nil, w.fail(err)
	}
	w.f = nil
	w.done = true

	info := &Info{
		Path:        w.path,
		ID:          w.id,
		Entries:     w.entries,
		Smallest:    w.smallest,
		Largest:     append([]byte(nil), w.last...),
		Size:        w.off,
		Compression: w.opt.Compression,
	}
	if w.opt.Verbose {
		w.opt.Logger.LogAttrs(context.Background(), slog.LevelDebug, "sstfile: finished", slog.String("file", w.path), slog.String("id", w.id.String()), slog.Uint64("entries", w.entries), slog.Int64("size", w.off))
	}
	return info, nil
}

// Abort closes and removes a file that has not been finished.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	os.Remove(w.path)
}

func (w *Writer) fail(err error) error {
	if err == nil {
		return nil
	}
	w.opt.Logger.LogAttrs(context.Background(), slog.LevelWarn, "sstfile: write failed", slog.String("file", w.path), slog.Any("err", err))
	if w.err == nil {
		w.err = err
	}
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func unixTime(t time.Time) uint32 {
	v := t.Unix()
	if v < 0 || v > math.MaxUint32 {
		return 0
	}
	return uint32(v)
}
