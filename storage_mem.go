package kvdict

import (
	"bytes"
	"iter"
	"sync"

	"github.com/google/btree"
)

const memTreeDegree = 32

type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memTree = btree.BTreeG[memItem]

// memStorage is a transient engine. Snapshots are O(1) copy-on-write clones
// of the partition trees; stored slices are never mutated in place, so keys
// stay valid for the lifetime of a snapshot.
type memStorage struct {
	mu     sync.RWMutex
	parts  map[string]*memTree
	closed bool
}

func newMemStorage() storage {
	return &memStorage{
		parts: map[string]*memTree{
			DefaultPartition: btree.NewG(memTreeDegree, memLess),
		},
	}
}

func (s *memStorage) Partitions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStorageClosed
	}
	names := make([]string, 0, len(s.parts))
	for name := range s.parts {
		names = append(names, name)
	}
	return names, nil
}

func (s *memStorage) CreatePartition(name string, opt *Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStorageClosed
	}
	if s.parts[name] != nil {
		return ErrPartitionExists
	}
	s.parts[name] = btree.NewG(memTreeDegree, memLess)
	return nil
}

func (s *memStorage) DropPartition(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStorageClosed
	}
	if s.parts[name] == nil {
		return ErrPartitionNotFound
	}
	delete(s.parts, name)
	return nil
}

func (s *memStorage) tree(part string) (*memTree, error) {
	if s.closed {
		return nil, errStorageClosed
	}
	t := s.parts[part]
	if t == nil {
		return nil, ErrPartitionNotFound
	}
	return t, nil
}

func (s *memStorage) Get(part string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.tree(part)
	if err != nil {
		return nil, err
	}
	return memGet(t, key), nil
}

func memGet(t *memTree, key []byte) []byte {
	item, ok := t.Get(memItem{key: key})
	if !ok {
		return nil
	}
	return cloneBytes(item.value)
}

func (s *memStorage) Write(ops []storageOp, wo *WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if _, err := s.tree(op.part); err != nil {
			return err
		}
	}
	for _, op := range ops {
		t := s.parts[op.part]
		switch op.kind {
		case opPut:
			t.ReplaceOrInsert(memItem{key: cloneBytes(op.key), value: cloneBytes(op.value)})
		case opDelete:
			t.Delete(memItem{key: op.key})
		case opDeleteRange:
			var doomed []memItem
			collect := func(item memItem) bool {
				doomed = append(doomed, item)
				return true
			}
			if op.end == nil {
				t.AscendGreaterOrEqual(memItem{key: op.key}, collect)
			} else {
				t.AscendRange(memItem{key: op.key}, memItem{key: op.end}, collect)
			}
			for _, item := range doomed {
				t.Delete(item)
			}
		}
	}
	return nil
}

func (s *memStorage) Ingest(part string, entries iter.Seq2[[]byte, []byte], failed func() error, behind bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tree(part)
	if err != nil {
		return 0, err
	}
	// load into a clone and swap it in once the source is fully read
	nt := t.Clone()
	var n int
	for k, v := range entries {
		if behind && nt.Has(memItem{key: k}) {
			continue
		}
		nt.ReplaceOrInsert(memItem{key: cloneBytes(k), value: cloneBytes(v)})
		n++
	}
	if err := failed(); err != nil {
		return 0, err
	}
	s.parts[part] = nt
	return n, nil
}

func (s *memStorage) Snapshot() (storageSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStorageClosed
	}
	snap := make(map[string]*memTree, len(s.parts))
	for name, t := range s.parts {
		snap[name] = t.Clone()
	}
	return &memSnapshot{parts: snap}, nil
}

func (s *memStorage) Flush(wait bool) error { return nil }
func (s *memStorage) Compact(part string, begin, end []byte) error { return nil }
func (s *memStorage) PinsKeys() bool { return true }

func (s *memStorage) Stats(exact bool) (storageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storageStats{}, errStorageClosed
	}
	st := storageStats{Keys: make(map[string]int, len(s.parts))}
	for name, t := range s.parts {
		st.Keys[name] = t.Len()
	}
	return st, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.parts = nil
	return nil
}

type memSnapshot struct {
	parts map[string]*memTree
}

func (sn *memSnapshot) Get(part string, key []byte) ([]byte, error) {
	t := sn.parts[part]
	if t == nil {
		return nil, nil
	}
	return memGet(t, key), nil
}

func (sn *memSnapshot) Cursor(part string) (storageCursor, error) {
	t := sn.parts[part]
	if t == nil {
		return emptyCursor{}, nil
	}
	return &memCursor{t: t}, nil
}

func (sn *memSnapshot) Close() error {
	sn.parts = nil
	return nil
}

type memCursor struct {
	t     *memTree
	cur   memItem
	valid bool
}

func (c *memCursor) set(item memItem, ok bool) ([]byte, []byte) {
	c.cur, c.valid = item, ok
	if !ok {
		return nil, nil
	}
	return item.key, item.value
}

func (c *memCursor) First() ([]byte, []byte) { return c.set(c.t.Min()) }
func (c *memCursor) Last() ([]byte, []byte) { return c.set(c.t.Max()) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	var found memItem
	var ok bool
	c.t.AscendGreaterOrEqual(memItem{key: seek}, func(item memItem) bool {
		found, ok = item, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	var found memItem
	var ok bool
	c.t.AscendGreaterOrEqual(c.cur, func(item memItem) bool {
		if bytes.Equal(item.key, c.cur.key) {
			return true
		}
		found, ok = item, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if !c.valid {
		return nil, nil
	}
	var found memItem
	var ok bool
	c.t.DescendLessOrEqual(c.cur, func(item memItem) bool {
		if bytes.Equal(item.key, c.cur.key) {
			return true
		}
		found, ok = item, true
		return false
	})
	return c.set(found, ok)
}

func (c *memCursor) Close() error { return nil }
