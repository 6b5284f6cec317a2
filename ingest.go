package kvdict

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"

	"github.com/segmentio/ksuid"

	"github.com/andreyvit/kvdict/sstfile"
)

// SSTFileWriter builds a sorted file that IngestExternalFile can load. Keys
// must be added in strictly increasing encoded order.
type SSTFileWriter struct {
	opt *Options
	w   *sstfile.Writer
}

// NewSSTFileWriter uses Compression, BlockSize, BloomBitsPerKey, Serializer
// and logging settings from opt; nil means DefaultOptions.
func NewSSTFileWriter(opt *Options) *SSTFileWriter {
	if opt == nil {
		opt = DefaultOptions()
	}
	return &SSTFileWriter{opt: opt.clone()}
}

func (w *SSTFileWriter) Open(path string) error {
	if w.w != nil {
		w.w.Abort()
	}
	sw, err := sstfile.Create(path, sstfile.Options{
		Compression: w.opt.Compression,
		BlockSize:   w.opt.BlockSize,
		BitsPerKey:  w.opt.BloomBitsPerKey,
		Sync:        !w.opt.NoSync && !w.opt.IsTesting,
		Logger:      w.opt.logger(),
		Verbose:     w.opt.Verbose,
	})
	if err != nil {
		w.w = nil
		return opErr("sst_open", "", nil, ErrIngest, err)
	}
	w.w = sw
	return nil
}

func (w *SSTFileWriter) Put(key, value Value) error {
	if w.w == nil {
		return opErr("sst_put", "", nil, ErrIngest, errors.New("no file is open"))
	}
	k, err := EncodeKey(key)
	if err != nil {
		return wrapErr("sst_put", "", nil, err)
	}
	v, err := EncodeValue(value, w.opt.serializer())
	if err != nil {
		return wrapErr("sst_put", "", k, err)
	}
	if err := w.w.Add(k, v); err != nil {
		return opErr("sst_put", "", k, ErrIngest, err)
	}
	return nil
}

// Entries returns the number of entries written to the open file.
func (w *SSTFileWriter) Entries() uint64 {
	if w.w == nil {
		return 0
	}
	return w.w.Entries()
}

// Finish completes the file. An empty file is an error and is removed.
func (w *SSTFileWriter) Finish() (*sstfile.Info, error) {
	if w.w == nil {
		return nil, opErr("sst_finish", "", nil, ErrIngest, errors.New("no file is open"))
	}
	sw := w.w
	w.w = nil
	info, err := sw.Finish()
	if err != nil {
		sw.Abort()
		return nil, opErr("sst_finish", "", nil, ErrIngest, err)
	}
	return info, nil
}

// Abort discards the file being written.
func (w *SSTFileWriter) Abort() {
	if w.w != nil {
		w.w.Abort()
		w.w = nil
	}
}

// IngestExternalFile loads files produced by SSTFileWriter into the
// partition. Files must have distinct ids and disjoint key ranges; unless
// opt.AllowGlobalSeqNo is set, their ranges must not overlap existing keys
// either. Loading is atomic: nothing is loaded if any check or read fails.
// Other writes wait while files are loaded. A nil opt means
// DefaultIngestOptions.
func (d *Dict) IngestExternalFile(paths []string, opt *IngestOptions) error {
	h, err := d.begin("ingest")
	if err != nil {
		return err
	}
	defer h.leave()
	if err := h.checkWritable("ingest", d.part.name); err != nil {
		return err
	}
	if opt == nil {
		opt = DefaultIngestOptions()
	}
	if len(paths) == 0 {
		return nil
	}
	ingestErr := func(err error) error {
		return opErr("ingest", d.part.name, nil, ErrIngest, err)
	}

	readers := make([]*sstfile.Reader, 0, len(paths))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	seen := make(map[ksuid.KSUID]string, len(paths))
	for _, path := range paths {
		r, err := sstfile.Open(path, sstfile.ReadOptions{VerifyChecksums: opt.VerifyChecksums})
		if err != nil {
			return ingestErr(err)
		}
		readers = append(readers, r)
		info := r.Info()
		if prev, dup := seen[info.ID]; dup {
			return ingestErr(fmt.Errorf("%s and %s are the same file (%s)", prev, path, info.ID))
		}
		seen[info.ID] = path
		// A full pass up front keeps a damaged file from being half loaded.
		if opt.VerifyChecksums {
			err = r.Verify()
		} else {
			for range r.All() {
			}
			err = r.Err()
		}
		if err != nil {
			return ingestErr(err)
		}
	}

	slices.SortFunc(readers, func(a, b *sstfile.Reader) int {
		ai, bi := a.Info(), b.Info()
		return bytes.Compare(ai.Smallest, bi.Smallest)
	})
	for i := 1; i < len(readers); i++ {
		prev, cur := readers[i-1].Info(), readers[i].Info()
		if bytes.Compare(prev.Largest, cur.Smallest) >= 0 {
			return ingestErr(fmt.Errorf("%s overlaps %s", prev.Path, cur.Path))
		}
	}

	// writes stop while the files are checked against existing data and
	// loaded, so nothing can land in their ranges in between
	wo := DefaultWriteOptions()
	if err := h.gate.enterExclusive(wo); err != nil {
		return opErr("ingest", d.part.name, nil, ErrOperationIncomplete, nil)
	}
	n, err := h.ingest(d.part.name, readers, opt)
	h.gate.leaveExclusive(wo)
	if err != nil {
		return ingestErr(err)
	}
	h.IngestCount.Add(uint64(n))
	h.WriteCount.Add(1)
	if h.verbose {
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "kvdict: ingested", slog.String("partition", d.part.name), slog.Int("files", len(readers)), slog.Int("entries", n))
	}

	if opt.MoveFiles {
		for _, r := range readers {
			r.Close()
		}
		readers = nil
		for _, path := range paths {
			if err := os.Remove(path); err != nil {
				h.logger.LogAttrs(context.Background(), slog.LevelWarn, "kvdict: cannot remove ingested file", slog.String("file", path), slog.Any("err", err))
			}
		}
	}
	return nil
}

func (h *handle) ingest(part string, readers []*sstfile.Reader, opt *IngestOptions) (int, error) {
	if !opt.AllowGlobalSeqNo && !opt.IngestBehind {
		if err := h.checkNoOverlap(part, readers); err != nil {
			return 0, err
		}
	}
	failed := func() error {
		for _, r := range readers {
			if err := r.Err(); err != nil {
				return err
			}
		}
		return nil
	}
	return h.eng.Ingest(part, h.ingestEntries(readers), failed, opt.IngestBehind)
}

// checkNoOverlap fails if any live key in the partition falls within the
// key range of one of the files.
func (h *handle) checkNoOverlap(part string, readers []*sstfile.Reader) error {
	snap, err := h.eng.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()
	c, err := snap.Cursor(part)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, r := range readers {
		info := r.Info()
		for k, v := c.Seek(info.Smallest); k != nil && bytes.Compare(k, info.Largest) <= 0; k, v = c.Next() {
			if !h.isExpired(v) {
				return fmt.Errorf("%s overlaps existing key %s", info.Path, hexstr(k))
			}
		}
	}
	return nil
}

// ingestEntries chains the sorted readers, stamping values on TTL stores.
func (h *handle) ingestEntries(readers []*sstfile.Reader) iter.Seq2[[]byte, []byte] {
	return func(yield func(k, v []byte) bool) {
		stamp := h.now().Unix()
		for _, r := range readers {
			for k, v := range r.All() {
				if h.mode.TTL > 0 {
					v = appendTTLStamp(v, stamp)
				}
				if !yield(k, v) {
					return
				}
			}
			if r.Err() != nil {
				return
			}
		}
	}
}
