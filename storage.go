package kvdict

import (
	"errors"
	"iter"
)

// DefaultPartition is the name of the partition every store has.
const DefaultPartition = "default"

var errStorageClosed = errors.New("storage closed")

// storage is an ordered key-value engine with named partitions (bolt,
// pebble, in-memory). Keys and values passed in are never retained;
// returned slices are owned by the caller unless stated otherwise.
type storage interface {
	// Partitions lists the partitions known to the engine.
	Partitions() ([]string, error)

	// CreatePartition returns ErrPartitionExists if name is taken.
	CreatePartition(name string, opt *Options) error

	// DropPartition removes the partition and all its data, or returns
	// ErrPartitionNotFound.
	DropPartition(name string) error

	// Get returns a copy of the value, or nil if the key is absent.
	Get(part string, key []byte) ([]byte, error)

	// Write applies ops atomically.
	Write(ops []storageOp, wo *WriteOptions) error

	// Ingest loads sorted entries into a partition, bypassing the normal
	// write path. It is atomic: if failed reports an error once entries are
	// exhausted, nothing is loaded. With behind set, keys that already exist
	// keep their values.
	Ingest(part string, entries iter.Seq2[[]byte, []byte], failed func() error, behind bool) (int, error)

	// Snapshot pins a consistent point-in-time view. It must be closed.
	Snapshot() (storageSnapshot, error)

	Flush(wait bool) error

	// Compact asks the engine to reorganize a key range; nil bounds are open.
	Compact(part string, begin, end []byte) error

	// Stats reports sizes. Key counts that need a scan are only computed
	// when exact is set.
	Stats(exact bool) (storageStats, error)

	// PinsKeys reports whether keys returned by cursors remain valid until
	// the snapshot is closed.
	PinsKeys() bool

	Close() error
}

type opKind uint8

const (
	opPut opKind = iota
	opDelete
	opDeleteRange
)

// storageOp is a single mutation. For opDeleteRange, key and end delimit the
// half-open range [key, end); a nil end is open.
type storageOp struct {
	kind  opKind
	part  string
	key   []byte
	value []byte
	end   []byte
}

// storageSnapshot reads a consistent view. Partitions created after the
// snapshot was taken read as empty.
type storageSnapshot interface {
	Get(part string, key []byte) ([]byte, error)
	Cursor(part string) (storageCursor, error)
	Close() error
}

// storageCursor iterates over a sorted partition. All positioning methods
// return a nil key when the cursor moves past either end.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)

	Close() error
}

type storageStats struct {
	DiskSize int64

	// Keys per partition; nil when the engine cannot count cheaply.
	Keys map[string]int
}

type emptyCursor struct{}

func (emptyCursor) First() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Last() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Seek([]byte) ([]byte, []byte) { return nil, nil }
func (emptyCursor) Next() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Prev() ([]byte, []byte) { return nil, nil }
func (emptyCursor) Close() error { return nil }

// seekForPrev positions c at the last key <= seek.
func seekForPrev(c storageCursor, seek []byte) ([]byte, []byte) {
	k, v := c.Seek(seek)
	if k == nil {
		return c.Last()
	}
	if string(k) == string(seek) {
		return k, v
	}
	return c.Prev()
}
