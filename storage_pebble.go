package kvdict

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	pebblebloom "github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
)

// Pebble has a single keyspace, so partitions are namespaces: every data key
// is prefixed with the partition's 4-byte big-endian id. Id 0 holds the
// partition registry (name => id) plus the id counter under the empty name.
// Ids are never reused, so a dropped partition's range tombstone cannot
// shadow a later partition of the same name.
const (
	pebbleDirName = "pebble"
	pebbleMetaID  = 0
	pebbleFirstID = 1
)

type pebbleStorage struct {
	db       *pebble.DB
	fs       vfs.FS
	dir      string
	readOnly bool
	noSync   bool
	logger   *slog.Logger

	events *pebble.EventListener

	mu     sync.RWMutex
	ids    map[string]uint32
	nextID uint32
}

func openPebbleStorage(dir string, opt *Options, mode OpenMode, onStall func(bool)) (storage, error) {
	logger := opt.logger()
	events := &pebble.EventListener{
		WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
			logger.LogAttrs(context.Background(), slog.LevelWarn, "kvdict: write stall", slog.String("path", dir), slog.String("reason", info.Reason))
			onStall(true)
		},
		WriteStallEnd: func() {
			logger.LogAttrs(context.Background(), slog.LevelInfo, "kvdict: write stall over", slog.String("path", dir))
			onStall(false)
		},
	}
	popt := &pebble.Options{
		EventListener:         events,
		ReadOnly:              mode.ReadOnly,
		ErrorIfExists:         opt.ErrorIfExists,
		ErrorIfNotExists:      opt.ErrorIfNotExists || mode.ReadOnly,
		DisableWAL:            opt.DisableWAL,
		MaxOpenFiles:          opt.MaxOpenFiles,
		MemTableSize:          opt.WriteBufferSize,
		BytesPerSync:          opt.BytesPerSync,
		L0CompactionThreshold: opt.Level0FileNumCompactionTrigger,
		L0StopWritesThreshold: opt.Level0StopWritesTrigger,
	}
	if opt.Env != nil {
		popt.FS = opt.Env.fs
	}

	var ownCache *pebble.Cache
	if opt.Cache != nil {
		popt.Cache = opt.Cache.c
	} else if opt.CacheSize > 0 {
		ownCache = pebble.NewCache(opt.CacheSize)
		popt.Cache = ownCache
	}

	popt.Levels = make([]pebble.LevelOptions, 7)
	for i := range popt.Levels {
		lo := &popt.Levels[i]
		lo.Compression = pebbleCompression(opt.Compression)
		lo.BlockSize = opt.BlockSize
		if opt.BloomBitsPerKey > 0 {
			lo.FilterPolicy = pebblebloom.FilterPolicy(opt.BloomBitsPerKey)
		}
	}
	popt.EnsureDefaults()

	pdir := filepath.Join(dir, pebbleDirName)
	if mode.ReadOnly && mode.ErrorIfLogFileExist {
		if err := pebbleCheckNoLogs(popt.FS, pdir); err != nil {
			return nil, err
		}
	}

	db, err := pebble.Open(pdir, popt)
	if ownCache != nil {
		ownCache.Unref()
	}
	if err != nil {
		return nil, err
	}

	s := &pebbleStorage{
		db:       db,
		fs:       popt.FS,
		dir:      pdir,
		readOnly: mode.ReadOnly,
		noSync:   opt.NoSync || opt.IsTesting,
		logger:   logger,
		events:   events,
		ids:      make(map[string]uint32),
		nextID:   pebbleFirstID,
	}
	if err := s.loadRegistry(); err != nil {
		db.Close()
		return nil, err
	}
	if _, ok := s.ids[DefaultPartition]; !ok && !mode.ReadOnly {
		if err := s.CreatePartition(DefaultPartition, nil); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func pebbleCompression(c Compression) pebble.Compression {
	switch c {
	case Snappy:
		return pebble.SnappyCompression
	case Zstd:
		return pebble.ZstdCompression
	default:
		return pebble.NoCompression
	}
}

func pebbleCheckNoLogs(fs vfs.FS, dir string) error {
	names, err := fs.List(dir)
	if err != nil {
		return nil // a missing directory fails later in Open
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		st, err := fs.Stat(fs.PathJoin(dir, name))
		if err == nil && st.Size() > 0 {
			return fmt.Errorf("%s: write-ahead log %s exists", dir, name)
		}
	}
	return nil
}

func pebblePrefix(id uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 16), id)
}

func pebbleKey(id uint32, key []byte) []byte {
	return append(pebblePrefix(id), key...)
}

func pebbleBounds(id uint32) (lower, upper []byte) {
	return pebblePrefix(id), pebblePrefix(id + 1)
}

func (s *pebbleStorage) loadRegistry() error {
	lower, upper := pebbleBounds(pebbleMetaID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		name := string(it.Key()[4:])
		d := makeByteDecoder(it.Value())
		id, err := d.Uvarint32()
		if err != nil {
			it.Close()
			return fmt.Errorf("partition registry: %w", err)
		}
		if name == "" {
			s.nextID = id
		} else {
			s.ids[name] = id
		}
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	return it.Close()
}

func (s *pebbleStorage) lookup(part string) (uint32, error) {
	s.mu.RLock()
	id, ok := s.ids[part]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrPartitionNotFound
	}
	return id, nil
}

func (s *pebbleStorage) writeOptions(sync bool) *pebble.WriteOptions {
	if sync || !s.noSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *pebbleStorage) Partitions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.ids))
	for name := range s.ids {
		names = append(names, name)
	}
	return names, nil
}

func (s *pebbleStorage) CreatePartition(name string, opt *Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[name]; ok {
		return ErrPartitionExists
	}
	if s.nextID == math.MaxUint32 {
		return errors.New("partition ids exhausted")
	}
	id := s.nextID

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(pebbleKey(pebbleMetaID, []byte(name)), appendUvarint(nil, uint64(id)), nil); err != nil {
		return err
	}
	if err := b.Set(pebblePrefix(pebbleMetaID), appendUvarint(nil, uint64(id+1)), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	s.ids[name] = id
	s.nextID = id + 1
	return nil
}

func (s *pebbleStorage) DropPartition(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[name]
	if !ok {
		return ErrPartitionNotFound
	}

	b := s.db.NewBatch()
	defer b.Close()
	lower, upper := pebbleBounds(id)
	if err := b.DeleteRange(lower, upper, nil); err != nil {
		return err
	}
	if err := b.Delete(pebbleKey(pebbleMetaID, []byte(name)), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	delete(s.ids, name)
	return nil
}

func (s *pebbleStorage) Get(part string, key []byte) ([]byte, error) {
	id, err := s.lookup(part)
	if err != nil {
		return nil, err
	}
	return pebbleGet(s.db, pebbleKey(id, key))
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func pebbleGet(r pebbleReader, key []byte) ([]byte, error) {
	v, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	result := cloneBytes(v)
	if result == nil {
		result = []byte{}
	}
	return result, closer.Close()
}

func (s *pebbleStorage) Write(ops []storageOp, wo *WriteOptions) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, op := range ops {
		id, err := s.lookup(op.part)
		if err != nil {
			return err
		}
		switch op.kind {
		case opPut:
			err = b.Set(pebbleKey(id, op.key), op.value, nil)
		case opDelete:
			err = b.Delete(pebbleKey(id, op.key), nil)
		case opDeleteRange:
			end := pebblePrefix(id + 1)
			if op.end != nil {
				end = pebbleKey(id, op.end)
			}
			err = b.DeleteRange(pebbleKey(id, op.key), end, nil)
		}
		if err != nil {
			return err
		}
	}
	return b.Commit(s.writeOptions(wo.Sync))
}

// Ingest stages everything in one batch so a failure part way through
// leaves the partition untouched.
func (s *pebbleStorage) Ingest(part string, entries iter.Seq2[[]byte, []byte], failed func() error, behind bool) (int, error) {
	id, err := s.lookup(part)
	if err != nil {
		return 0, err
	}
	var n int
	b := s.db.NewBatch()
	defer b.Close()
	for k, v := range entries {
		pk := pebbleKey(id, k)
		if behind {
			existing, err := pebbleGet(s.db, pk)
			if err != nil {
				return 0, err
			}
			if existing != nil {
				continue
			}
		}
		if err := b.Set(pk, v, nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := failed(); err != nil {
		return 0, err
	}
	if err := b.Commit(s.writeOptions(true)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *pebbleStorage) Snapshot() (storageSnapshot, error) {
	s.mu.RLock()
	ids := make(map[string]uint32, len(s.ids))
	for name, id := range s.ids {
		ids[name] = id
	}
	s.mu.RUnlock()
	return &pebbleSnapshot{snap: s.db.NewSnapshot(), ids: ids}, nil
}

func (s *pebbleStorage) Flush(wait bool) error {
	if s.readOnly {
		return nil
	}
	if wait {
		return s.db.Flush()
	}
	_, err := s.db.AsyncFlush()
	return err
}

func (s *pebbleStorage) Compact(part string, begin, end []byte) error {
	if s.readOnly {
		return nil
	}
	id, err := s.lookup(part)
	if err != nil {
		return err
	}
	lower, upper := pebbleBounds(id)
	if begin != nil {
		lower = pebbleKey(id, begin)
	}
	if end != nil {
		upper = pebbleKey(id, end)
	}
	return s.db.Compact(lower, upper, true)
}

func (s *pebbleStorage) Stats(exact bool) (storageStats, error) {
	m := s.db.Metrics()
	return storageStats{DiskSize: int64(m.DiskSpaceUsage())}, nil
}

func (s *pebbleStorage) PinsKeys() bool { return false }

func (s *pebbleStorage) Close() error {
	return s.db.Close()
}

type pebbleSnapshot struct {
	snap *pebble.Snapshot
	ids  map[string]uint32
}

func (sn *pebbleSnapshot) Get(part string, key []byte) ([]byte, error) {
	id, ok := sn.ids[part]
	if !ok {
		return nil, nil
	}
	return pebbleGet(sn.snap, pebbleKey(id, key))
}

func (sn *pebbleSnapshot) Cursor(part string) (storageCursor, error) {
	id, ok := sn.ids[part]
	if !ok {
		return emptyCursor{}, nil
	}
	lower, upper := pebbleBounds(id)
	it, err := sn.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &pebbleCursor{it: it, id: id}, nil
}

func (sn *pebbleSnapshot) Close() error {
	return sn.snap.Close()
}

type pebbleCursor struct {
	it *pebble.Iterator
	id uint32
}

func (c *pebbleCursor) at(valid bool) ([]byte, []byte) {
	if !valid {
		return nil, nil
	}
	return c.it.Key()[4:], c.it.Value()
}

func (c *pebbleCursor) First() ([]byte, []byte) { return c.at(c.it.First()) }
func (c *pebbleCursor) Last() ([]byte, []byte) { return c.at(c.it.Last()) }
func (c *pebbleCursor) Next() ([]byte, []byte) { return c.at(c.it.Next()) }
func (c *pebbleCursor) Prev() ([]byte, []byte) { return c.at(c.it.Prev()) }

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.at(c.it.SeekGE(pebbleKey(c.id, seek)))
}

func (c *pebbleCursor) Close() error {
	return c.it.Close()
}
