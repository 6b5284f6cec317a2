package kvdict

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
)

const boltFileName = "data.bolt"

type boltStorage struct {
	bdb      *bbolt.DB
	readOnly bool
	noSync   bool
	logger   *slog.Logger

	fillLock sync.Mutex
	fill     map[string]float64
	flushes  sync.WaitGroup

	// snapLock guards snaps and their undo logs. Writers hold it for the
	// whole update so a snapshot is registered either before or after it.
	snapLock sync.Mutex
	snaps    map[*boltSnapshot]struct{}
}

func openBoltStorage(dir string, opt *Options, mode OpenMode) (storage, error) {
	path := filepath.Join(dir, boltFileName)
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if opt.ErrorIfExists && exists {
		return nil, fmt.Errorf("%s: store already exists", dir)
	}
	if opt.ErrorIfNotExists && !exists {
		return nil, fmt.Errorf("%s: store does not exist", dir)
	}

	bopt := *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	bopt.ReadOnly = mode.ReadOnly
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.NoSync {
		bopt.NoSync = true
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, err
	}

	s := &boltStorage{
		bdb:      bdb,
		readOnly: mode.ReadOnly,
		noSync:   bopt.NoSync,
		logger:   opt.logger(),
		fill:     make(map[string]float64),
		snaps:    make(map[*boltSnapshot]struct{}),
	}
	if opt.FillPercent > 0 {
		s.fill[DefaultPartition] = opt.FillPercent
	}
	if !mode.ReadOnly {
		err := bdb.Update(func(btx *bbolt.Tx) error {
			_, err := btx.CreateBucketIfNotExists([]byte(DefaultPartition))
			return err
		})
		if err != nil {
			bdb.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *boltStorage) Partitions() ([]string, error) {
	var names []string
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		return btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (s *boltStorage) CreatePartition(name string, opt *Options) error {
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucket([]byte(name))
		return err
	})
	if err == bbolt.ErrBucketExists {
		return ErrPartitionExists
	}
	if err == nil && opt != nil && opt.FillPercent > 0 {
		s.fillLock.Lock()
		s.fill[name] = opt.FillPercent
		s.fillLock.Unlock()
	}
	return err
}

func (s *boltStorage) DropPartition(name string) error {
	s.snapLock.Lock()
	defer s.snapLock.Unlock()
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		if b := btx.Bucket(unsafeBytesFromString(name)); b != nil && s.snapshotsSee(name) {
			err := b.ForEach(func(k, _ []byte) error {
				s.remember(b, name, k)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return btx.DeleteBucket(unsafeBytesFromString(name))
	})
	if err == bbolt.ErrBucketNotFound {
		return ErrPartitionNotFound
	}
	if err == nil {
		s.fillLock.Lock()
		delete(s.fill, name)
		s.fillLock.Unlock()
	}
	return err
}

func (s *boltStorage) bucket(btx *bbolt.Tx, part string) (*bbolt.Bucket, error) {
	b := btx.Bucket(unsafeBytesFromString(part))
	if b == nil {
		return nil, ErrPartitionNotFound
	}
	if btx.Writable() {
		s.fillLock.Lock()
		if fp, ok := s.fill[part]; ok {
			b.FillPercent = fp
		}
		s.fillLock.Unlock()
	}
	return b, nil
}

func (s *boltStorage) Get(part string, key []byte) ([]byte, error) {
	var result []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		b, err := s.bucket(btx, part)
		if err != nil {
			return err
		}
		result = cloneBytes(b.Get(key))
		return nil
	})
	return result, err
}

func (s *boltStorage) Write(ops []storageOp, wo *WriteOptions) error {
	s.snapLock.Lock()
	defer s.snapLock.Unlock()
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		for _, op := range ops {
			b, err := s.bucket(btx, op.part)
			if err != nil {
				return err
			}
			switch op.kind {
			case opPut:
				s.remember(b, op.part, op.key)
				err = b.Put(op.key, op.value)
			case opDelete:
				s.remember(b, op.part, op.key)
				err = b.Delete(op.key)
			case opDeleteRange:
				err = s.deleteRange(b, op.part, op.key, op.end)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && wo.Sync && s.noSync {
		err = s.bdb.Sync()
	}
	return err
}

func (s *boltStorage) deleteRange(b *bbolt.Bucket, part string, start, end []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(start); k != nil && (end == nil || bytes.Compare(k, end) < 0); k, _ = c.Next() {
		keys = append(keys, k)
	}
	for _, k := range keys {
		s.remember(b, part, k)
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltStorage) Ingest(part string, entries iter.Seq2[[]byte, []byte], failed func() error, behind bool) (int, error) {
	s.snapLock.Lock()
	defer s.snapLock.Unlock()
	var n int
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		b, err := s.bucket(btx, part)
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().First(); k == nil {
			// appending sorted keys to an empty bucket, pack pages fully
			b.FillPercent = 1.0
		}
		for k, v := range entries {
			if behind && b.Get(k) != nil {
				continue
			}
			s.remember(b, part, k)
			if err := b.Put(k, v); err != nil {
				return err
			}
			n++
		}
		return failed()
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Snapshot registers a point-in-time view. It holds no bolt transaction: a
// long-lived read tx would block any commit that has to grow the memory map.
// Instead, writers copy the previous value of every key they touch into the
// undo log of each open snapshot, and snapshot reads merge short-lived reads
// of the current data with that log.
func (s *boltStorage) Snapshot() (storageSnapshot, error) {
	s.snapLock.Lock()
	defer s.snapLock.Unlock()
	names, err := s.Partitions()
	if err != nil {
		return nil, err
	}
	sn := &boltSnapshot{
		s:     s,
		parts: make(map[string]bool, len(names)),
		undo:  make(map[string]*boltUndoLog),
	}
	for _, name := range names {
		sn.parts[name] = true
	}
	s.snaps[sn] = struct{}{}
	return sn, nil
}

func (s *boltStorage) snapshotsSee(part string) bool {
	for sn := range s.snaps {
		if sn.parts[part] {
			return true
		}
	}
	return false
}

// remember records the current value of key (or its absence) in every open
// snapshot that has not seen a change to it yet. Callers hold snapLock and
// call it before modifying the key inside the update.
func (s *boltStorage) remember(b *bbolt.Bucket, part string, key []byte) {
	if len(s.snaps) == 0 {
		return
	}
	var item boltUndo
	loaded := false
	for sn := range s.snaps {
		if !sn.parts[part] {
			continue
		}
		log := sn.undo[part]
		if log == nil {
			log = btree.NewG(memTreeDegree, boltUndoLess)
			sn.undo[part] = log
		} else if log.Has(boltUndo{key: key}) {
			continue
		}
		if !loaded {
			item.key = cloneBytes(key)
			if v := b.Get(key); v != nil {
				item.value = cloneBytes(v)
				item.present = true
			}
			loaded = true
		}
		log.ReplaceOrInsert(item)
	}
}

func (s *boltStorage) Flush(wait bool) error {
	if s.readOnly {
		return nil
	}
	if wait {
		return s.bdb.Sync()
	}
	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		if err := s.bdb.Sync(); err != nil {
			s.logger.LogAttrs(context.Background(), slog.LevelWarn, "kvdict: background flush failed", slog.String("path", s.bdb.Path()), slog.Any("err", err))
		}
	}()
	return nil
}

func (s *boltStorage) Compact(part string, begin, end []byte) error {
	return nil
}

// Stats counts keys only when exact is set: bucket stats walk every page.
func (s *boltStorage) Stats(exact bool) (storageStats, error) {
	var st storageStats
	if exact {
		st.Keys = make(map[string]int)
	}
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		st.DiskSize = btx.Size()
		if !exact {
			return nil
		}
		return btx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			st.Keys[string(name)] = b.Stats().KeyN
			return nil
		})
	})
	return st, err
}

func (s *boltStorage) PinsKeys() bool { return true }

func (s *boltStorage) Close() error {
	s.flushes.Wait()
	return s.bdb.Close()
}

type boltUndo struct {
	key     []byte
	value   []byte
	present bool
}

func boltUndoLess(a, b boltUndo) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type boltUndoLog = btree.BTreeG[boltUndo]

// boltSnapshot is a view as of its creation. Data read from bolt later is
// correct for every key absent from the undo log, because any change to a
// key is logged before it commits; logged keys read from the log instead.
type boltSnapshot struct {
	s     *boltStorage
	parts map[string]bool
	undo  map[string]*boltUndoLog // guarded by s.snapLock
}

func (sn *boltSnapshot) Get(part string, key []byte) ([]byte, error) {
	if !sn.parts[part] {
		return nil, nil
	}
	cur, err := sn.s.Get(part, key)
	if err == ErrPartitionNotFound {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	sn.s.snapLock.Lock()
	defer sn.s.snapLock.Unlock()
	if log := sn.undo[part]; log != nil {
		if u, ok := log.Get(boltUndo{key: key}); ok {
			return cloneBytes(u.value), nil
		}
	}
	return cur, nil
}

func (sn *boltSnapshot) Cursor(part string) (storageCursor, error) {
	if !sn.parts[part] {
		return emptyCursor{}, nil
	}
	return &boltCursor{sn: sn, part: part}, nil
}

func (sn *boltSnapshot) Close() error {
	sn.s.snapLock.Lock()
	delete(sn.s.snaps, sn)
	sn.undo = nil
	sn.s.snapLock.Unlock()
	return nil
}

// logged returns the nearest logged entry that was present at snapshot
// time, starting at from (nil means the edge) in the given direction.
// Callers hold snapLock.
func (sn *boltSnapshot) logged(part string, from []byte, incl, fwd bool) (boltUndo, bool) {
	log := sn.undo[part]
	if log == nil {
		return boltUndo{}, false
	}
	var found boltUndo
	var ok bool
	visit := func(u boltUndo) bool {
		if !incl && from != nil && bytes.Equal(u.key, from) {
			return true
		}
		if !u.present {
			return true
		}
		found, ok = u, true
		return false
	}
	switch {
	case fwd && from == nil:
		log.Ascend(visit)
	case fwd:
		log.AscendGreaterOrEqual(boltUndo{key: from}, visit)
	case from == nil:
		log.Descend(visit)
	default:
		log.DescendLessOrEqual(boltUndo{key: from}, visit)
	}
	return found, ok
}

const boltCursorBatch = 64

type boltEntry struct {
	key, value []byte
}

// boltCursor walks a snapshot. It reads bolt in short transactions of up to
// boltCursorBatch entries and merges them with the undo log. A batch stays
// usable after later commits: every key changed since the snapshot is in
// the log, and the log only grows.
type boltCursor struct {
	sn   *boltSnapshot
	part string

	batch []boltEntry // in scan direction
	pos   int
	fwd   bool
	more  bool // bolt has entries past the batch

	key []byte
}

func (c *boltCursor) First() ([]byte, []byte) { return c.move(nil, true, true) }
func (c *boltCursor) Last() ([]byte, []byte)  { return c.move(nil, true, false) }

func (c *boltCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.move(cloneBytes(seek), true, true)
}

func (c *boltCursor) Next() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	return c.move(c.key, false, true)
}

func (c *boltCursor) Prev() ([]byte, []byte) {
	if c.key == nil {
		return nil, nil
	}
	return c.move(c.key, false, false)
}

func (c *boltCursor) Close() error {
	c.batch, c.key = nil, nil
	return nil
}

// boltBefore reports whether a comes before b in scan direction.
func boltBefore(a, b []byte, fwd bool) bool {
	if fwd {
		return bytes.Compare(a, b) < 0
	}
	return bytes.Compare(a, b) > 0
}

func (c *boltCursor) move(from []byte, incl, fwd bool) ([]byte, []byte) {
	continuing := c.batch != nil && c.fwd == fwd && !incl && from != nil && bytes.Equal(from, c.key)
	if !continuing {
		if err := c.load(from, incl, fwd); err != nil {
			return c.fail(err)
		}
	}
	for {
		var next *boltEntry
		sn := c.sn
		sn.s.snapLock.Lock()
		u, logged := sn.logged(c.part, from, incl, fwd)
		for c.pos < len(c.batch) {
			e := &c.batch[c.pos]
			if log := sn.undo[c.part]; log != nil && log.Has(boltUndo{key: e.key}) {
				c.pos++
				continue
			}
			next = e
			break
		}
		sn.s.snapLock.Unlock()

		switch {
		case next != nil && logged && boltBefore(u.key, next.key, fwd):
			return c.land(u.key, u.value)
		case next != nil:
			c.pos++
			return c.land(next.key, next.value)
		case !c.more:
			if logged {
				return c.land(u.key, u.value)
			}
			return c.land(nil, nil)
		}
		last := c.batch[len(c.batch)-1].key
		if logged && !boltBefore(last, u.key, fwd) {
			return c.land(u.key, u.value)
		}
		if err := c.load(last, false, fwd); err != nil {
			return c.fail(err)
		}
	}
}

func (c *boltCursor) fail(err error) ([]byte, []byte) {
	c.sn.s.logger.LogAttrs(context.Background(), slog.LevelWarn, "kvdict: snapshot read failed", slog.String("partition", c.part), slog.Any("err", err))
	c.batch = nil
	return c.land(nil, nil)
}

func (c *boltCursor) land(k, v []byte) ([]byte, []byte) {
	c.key = k
	return k, v
}

// load reads the next batch of current bolt entries starting at from.
func (c *boltCursor) load(from []byte, incl, fwd bool) error {
	c.batch, c.pos, c.fwd, c.more = c.batch[:0], 0, fwd, false
	return c.sn.s.bdb.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(unsafeBytesFromString(c.part))
		if b == nil {
			return nil
		}
		bc := b.Cursor()
		var k, v []byte
		switch {
		case from == nil && fwd:
			k, v = bc.First()
		case from == nil:
			k, v = bc.Last()
		case fwd:
			k, v = bc.Seek(from)
			if k != nil && !incl && bytes.Equal(k, from) {
				k, v = bc.Next()
			}
		default:
			k, v = bc.Seek(from)
			if k == nil {
				k, v = bc.Last()
			} else if bytes.Compare(k, from) > 0 || (!incl && bytes.Equal(k, from)) {
				k, v = bc.Prev()
			}
		}
		for k != nil {
			if len(c.batch) == boltCursorBatch {
				c.more = true
				break
			}
			c.batch = append(c.batch, boltEntry{key: cloneBytes(k), value: cloneBytes(v)})
			if fwd {
				k, v = bc.Next()
			} else {
				k, v = bc.Prev()
			}
		}
		return nil
	})
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
