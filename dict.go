package kvdict

import (
	"bytes"
	"fmt"
)

// Dict is a typed dictionary over one partition. Keys are encoded with
// EncodeKey and values with EncodeValue. A Dict carries default read and
// write options; it is cheap to copy with WithKeyKind or the setters and is
// safe for concurrent use as long as the setters are not called concurrently.
type Dict struct {
	db      *DB
	part    *Partition
	ro      *ReadOptions
	wo      *WriteOptions
	keyKind Kind
}

func (d *Dict) DB() *DB               { return d.db }
func (d *Dict) Partition() *Partition { return d.part }
func (d *Dict) Name() string          { return d.part.name }

// KeyKind is the kind keys are decoded as by cursors and sequences.
func (d *Dict) KeyKind() Kind { return d.keyKind }

// WithKeyKind returns a copy of d that decodes keys as kind. The default is
// KindBytes, which always succeeds.
func (d *Dict) WithKeyKind(kind Kind) *Dict {
	c := *d
	c.keyKind = kind
	return &c
}

// SetReadOptions replaces the defaults used by Get, Iter and sequences.
func (d *Dict) SetReadOptions(ro *ReadOptions) {
	if ro == nil {
		ro = DefaultReadOptions()
	}
	d.ro = ro.clone()
}

// SetWriteOptions replaces the defaults used by Put, Delete and Write.
func (d *Dict) SetWriteOptions(wo *WriteOptions) {
	if wo == nil {
		wo = DefaultWriteOptions()
	}
	c := *wo
	d.wo = &c
}

func (d *Dict) ReadOptions() *ReadOptions   { return d.ro.clone() }
func (d *Dict) WriteOptions() *WriteOptions { c := *d.wo; return &c }

// begin enters the handle and checks that the partition is still live.
func (d *Dict) begin(op string) (*handle, error) {
	h := d.db.h
	if err := h.enter(op, d.part.name); err != nil {
		return nil, err
	}
	if err := h.live(op, d.part); err != nil {
		h.leave()
		return nil, err
	}
	return h, nil
}

// Get returns the value stored under key. A missing or expired key is
// reported with found == false, not as an error.
func (d *Dict) Get(key Value) (v Value, found bool, err error) {
	h, err := d.begin("get")
	if err != nil {
		return Value{}, false, err
	}
	defer h.leave()

	k, err := encodeLookupKey(key)
	if err != nil {
		return Value{}, false, wrapErr("get", d.part.name, nil, err)
	}
	defer releaseKeyBytes(k)
	raw, err := h.eng.Get(d.part.name, k)
	h.ReadCount.Add(1)
	if err != nil {
		return Value{}, false, wrapErr("get", d.part.name, k, err)
	}
	return h.decodeStored("get", d.part.name, k, raw)
}

// decodeStored turns a raw engine value into a Value. raw must not be
// retained by the engine.
func (h *handle) decodeStored(op, part string, k, raw []byte) (Value, bool, error) {
	if raw == nil {
		return Value{}, false, nil
	}
	payload, live, err := h.unwrap(raw)
	if err != nil {
		return Value{}, false, wrapErr(op, part, k, err)
	}
	if !live {
		return Value{}, false, nil
	}
	v, err := DecodeValue(payload, h.ser)
	if err != nil {
		return Value{}, false, wrapErr(op, part, k, err)
	}
	return v, true, nil
}

// MultiGet looks up several keys against a single snapshot. Missing keys
// yield invalid Values at their positions.
func (d *Dict) MultiGet(keys []Value) ([]Value, error) {
	h, err := d.begin("multi_get")
	if err != nil {
		return nil, err
	}
	defer h.leave()

	encoded := make([][]byte, len(keys))
	for i, key := range keys {
		encoded[i], err = EncodeKey(key)
		if err != nil {
			return nil, wrapErr("multi_get", d.part.name, nil, err)
		}
	}

	snap, err := h.eng.Snapshot()
	if err != nil {
		return nil, wrapErr("multi_get", d.part.name, nil, err)
	}
	defer snap.Close()

	result := make([]Value, len(keys))
	for i, k := range encoded {
		raw, err := snap.Get(d.part.name, k)
		h.ReadCount.Add(1)
		if err != nil {
			return nil, wrapErr("multi_get", d.part.name, k, err)
		}
		result[i], _, err = h.decodeStored("multi_get", d.part.name, k, raw)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Contains reports whether key has a live value, without decoding it.
func (d *Dict) Contains(key Value) (bool, error) {
	h, err := d.begin("contains")
	if err != nil {
		return false, err
	}
	defer h.leave()

	k, err := encodeLookupKey(key)
	if err != nil {
		return false, wrapErr("contains", d.part.name, nil, err)
	}
	defer releaseKeyBytes(k)
	raw, err := h.eng.Get(d.part.name, k)
	h.ReadCount.Add(1)
	if err != nil {
		return false, wrapErr("contains", d.part.name, k, err)
	}
	return raw != nil && !h.isExpired(raw), nil
}

// Put stores value under key, replacing any previous value.
func (d *Dict) Put(key, value Value) error {
	h, err := d.begin("put")
	if err != nil {
		return err
	}
	defer h.leave()

	k, err := EncodeKey(key)
	if err != nil {
		return wrapErr("put", d.part.name, nil, err)
	}
	v, err := EncodeValue(value, h.ser)
	if err != nil {
		return wrapErr("put", d.part.name, k, err)
	}
	return h.write("put", d.part.name, []storageOp{{kind: opPut, part: d.part.name, key: k, value: v}}, d.wo)
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Dict) Delete(key Value) error {
	h, err := d.begin("delete")
	if err != nil {
		return err
	}
	defer h.leave()

	k, err := EncodeKey(key)
	if err != nil {
		return wrapErr("delete", d.part.name, nil, err)
	}
	return h.write("delete", d.part.name, []storageOp{{kind: opDelete, part: d.part.name, key: k}}, d.wo)
}

// DeleteRange removes keys in [begin, end). An invalid end leaves the range
// open; an invalid begin starts at the first key.
func (d *Dict) DeleteRange(begin, end Value) error {
	h, err := d.begin("delete_range")
	if err != nil {
		return err
	}
	defer h.leave()

	b, err := keyOrNil(begin)
	if err != nil {
		return wrapErr("delete_range", d.part.name, nil, err)
	}
	e, err := keyOrNil(end)
	if err != nil {
		return wrapErr("delete_range", d.part.name, nil, err)
	}
	if b == nil {
		b = []byte{}
	}
	if e != nil && bytes.Compare(b, e) >= 0 {
		return nil
	}
	return h.write("delete_range", d.part.name, []storageOp{{kind: opDeleteRange, part: d.part.name, key: b, end: e}}, d.wo)
}

// Write applies b with the view's write options.
func (d *Dict) Write(b *WriteBatch) error {
	return d.db.Write(b, d.wo)
}

// Flush persists buffered writes. Engines flush all partitions at once.
func (d *Dict) Flush(wait bool) error {
	h, err := d.begin("flush")
	if err != nil {
		return err
	}
	defer h.leave()
	return h.flush(d.part.name, wait)
}

// CompactRange asks the engine to reorganize [begin, end); invalid bounds
// are open. On stores with a TTL, expired entries in the range are removed
// first.
func (d *Dict) CompactRange(begin, end Value) error {
	h, err := d.begin("compact_range")
	if err != nil {
		return err
	}
	defer h.leave()
	if err := h.checkWritable("compact_range", d.part.name); err != nil {
		return err
	}

	b, err := keyOrNil(begin)
	if err != nil {
		return wrapErr("compact_range", d.part.name, nil, err)
	}
	e, err := keyOrNil(end)
	if err != nil {
		return wrapErr("compact_range", d.part.name, nil, err)
	}

	if h.mode.TTL > 0 {
		n, err := h.purgeExpired(d.part.name, b, e)
		if err != nil {
			return wrapErr("compact_range", d.part.name, nil, err)
		}
		if n > 0 && h.verbose {
			h.logger.Debug("kvdict: purged expired entries", "partition", d.part.name, "count", n)
		}
	}
	return wrapErr("compact_range", d.part.name, nil, h.eng.Compact(d.part.name, b, e))
}

// purgeExpired deletes expired entries in [begin, end). It holds the write
// gate exclusively for the whole scan so no write can revive a key in
// between.
func (h *handle) purgeExpired(part string, begin, end []byte) (int, error) {
	wo := DefaultWriteOptions()
	wo.LowPri = true
	if err := h.gate.enterExclusive(wo); err != nil {
		return 0, err
	}
	defer h.gate.leaveExclusive(wo)

	snap, err := h.eng.Snapshot()
	if err != nil {
		return 0, err
	}
	c, err := snap.Cursor(part)
	if err != nil {
		snap.Close()
		return 0, err
	}
	var ops []storageOp
	var k, v []byte
	if begin != nil {
		k, v = c.Seek(begin)
	} else {
		k, v = c.First()
	}
	for ; k != nil && (end == nil || bytes.Compare(k, end) < 0); k, v = c.Next() {
		if h.isExpired(v) {
			ops = append(ops, storageOp{kind: opDelete, part: part, key: cloneBytes(k)})
		}
	}
	c.Close()
	if err := snap.Close(); err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}

	if err := h.eng.Write(ops, wo); err != nil {
		return 0, err
	}
	h.WriteCount.Add(1)
	return len(ops), nil
}

func (d *Dict) String() string {
	return fmt.Sprintf("Dict(%s)", d.part.name)
}
