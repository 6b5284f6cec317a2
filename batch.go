package kvdict

import "fmt"

type Op int

const (
	OpNone        Op = 0
	OpPut         Op = 1
	OpDelete      Op = 2
	OpDeleteRange Op = 3
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpDeleteRange:
		return "delete_range"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// BatchEntry is an operation recorded in a WriteBatch, in encoded form.
type BatchEntry struct {
	Partition string
	Op        Op
	Key       []byte
	Value     []byte // OpPut only
	End       []byte // OpDeleteRange only; nil is open
}

// WriteBatch collects operations on any partitions of one DB and applies
// them atomically with DB.Write. Keys and values are encoded when added.
type WriteBatch struct {
	db      *DB
	entries []batchEntry
}

type batchEntry struct {
	part  *Partition // nil for the default partition
	op    Op
	key   []byte
	value []byte
	end   []byte
}

func (db *DB) NewWriteBatch() *WriteBatch {
	return &WriteBatch{db: db}
}

func (b *WriteBatch) checkPartition(p *Partition) {
	if p != nil && p.db != b.db {
		panic("kvdict: partition belongs to another DB")
	}
}

// Put records a put into the default partition.
func (b *WriteBatch) Put(key, value Value) error {
	return b.PutIn(nil, key, value)
}

// PutIn records a put into p; nil means the default partition.
func (b *WriteBatch) PutIn(p *Partition, key, value Value) error {
	b.checkPartition(p)
	k, err := EncodeKey(key)
	if err != nil {
		return wrapErr("batch_put", partName(p), nil, err)
	}
	v, err := EncodeValue(value, b.db.h.ser)
	if err != nil {
		return wrapErr("batch_put", partName(p), k, err)
	}
	b.entries = append(b.entries, batchEntry{part: p, op: OpPut, key: k, value: v})
	return nil
}

func (b *WriteBatch) Delete(key Value) error {
	return b.DeleteIn(nil, key)
}

func (b *WriteBatch) DeleteIn(p *Partition, key Value) error {
	b.checkPartition(p)
	k, err := EncodeKey(key)
	if err != nil {
		return wrapErr("batch_delete", partName(p), nil, err)
	}
	b.entries = append(b.entries, batchEntry{part: p, op: OpDelete, key: k})
	return nil
}

// DeleteRange records deletion of [begin, end) in p. Invalid bounds are open.
func (b *WriteBatch) DeleteRange(p *Partition, begin, end Value) error {
	b.checkPartition(p)
	bk, err := keyOrNil(begin)
	if err != nil {
		return wrapErr("batch_delete_range", partName(p), nil, err)
	}
	ek, err := keyOrNil(end)
	if err != nil {
		return wrapErr("batch_delete_range", partName(p), nil, err)
	}
	if bk == nil {
		bk = []byte{}
	}
	b.entries = append(b.entries, batchEntry{part: p, op: OpDeleteRange, key: bk, end: ek})
	return nil
}

func (b *WriteBatch) Len() int { return len(b.entries) }

func (b *WriteBatch) Clear() {
	clear(b.entries)
	b.entries = b.entries[:0]
}

// Entries returns the recorded operations in order.
func (b *WriteBatch) Entries() []BatchEntry {
	result := make([]BatchEntry, len(b.entries))
	for i, e := range b.entries {
		result[i] = BatchEntry{
			Partition: partName(e.part),
			Op:        e.op,
			Key:       cloneBytes(e.key),
			Value:     cloneBytes(e.value),
			End:       cloneBytes(e.end),
		}
	}
	return result
}

func partName(p *Partition) string {
	if p == nil {
		return DefaultPartition
	}
	return p.name
}

// resolve turns entries into engine ops, checking partition liveness. With
// IgnoreMissingPartitions, entries for dropped partitions are skipped.
func (b *WriteBatch) resolve(wo *WriteOptions) ([]storageOp, error) {
	h := b.db.h
	ops := make([]storageOp, 0, len(b.entries))
	for _, e := range b.entries {
		if e.part != nil {
			if err := h.live("write", e.part); err != nil {
				if wo.IgnoreMissingPartitions {
					continue
				}
				return nil, err
			}
		}
		op := storageOp{part: partName(e.part), key: e.key, value: e.value, end: e.end}
		switch e.op {
		case OpPut:
			op.kind = opPut
		case OpDelete:
			op.kind = opDelete
		case OpDeleteRange:
			op.kind = opDeleteRange
		}
		ops = append(ops, op)
	}
	return ops, nil
}
