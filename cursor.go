package kvdict

import (
	"bytes"
	"errors"
	"runtime"
)

var errTailingBackward = errors.New("tailing cursors only move forward")

// Cursor iterates over a partition as of the moment it was opened (or last
// refreshed). It is not safe for concurrent use. Positioning methods record
// failures in Err and leave the cursor invalid.
//
// A cursor must be closed; one that is garbage collected unclosed is closed
// implicitly.
type Cursor struct {
	d       *Dict
	h       *handle
	r       *resource
	ro      *ReadOptions
	cleanup runtime.Cleanup

	prefix  []byte
	key     []byte
	value   []byte
	valid   bool
	err     error
	lastKey []byte // tailing cursors resume after it
}

// Iter opens a cursor. A nil ro means the view's read options. The cursor
// starts out invalid; position it with one of the Seek methods.
func (d *Dict) Iter(ro *ReadOptions) (*Cursor, error) {
	h, err := d.begin("iter")
	if err != nil {
		return nil, err
	}
	defer h.leave()

	if ro == nil {
		ro = d.ro
	}
	ro = ro.clone()
	if err := h.checkReadOptions("iter", d.part.name, ro); err != nil {
		return nil, err
	}

	snap, err := h.eng.Snapshot()
	if err != nil {
		return nil, wrapErr("iter", d.part.name, nil, err)
	}
	cur, err := snap.Cursor(d.part.name)
	if err != nil {
		snap.Close()
		return nil, wrapErr("iter", d.part.name, nil, err)
	}
	r := &resource{h: h, kind: "cursor", part: d.part.name, snap: snap, ownsSnap: true, cur: cur}
	h.track(r)
	return d.newCursor(h, r, ro), nil
}

func (h *handle) checkReadOptions(op, part string, ro *ReadOptions) error {
	if ro.PrefixSameAsStart && !ro.TotalOrderSeek && h.opt.PrefixExtractor == nil {
		return opErr(op, part, nil, ErrEngine, errors.New("PrefixSameAsStart requires Options.PrefixExtractor"))
	}
	return nil
}

func (d *Dict) newCursor(h *handle, r *resource, ro *ReadOptions) *Cursor {
	c := &Cursor{d: d, h: h, r: r, ro: ro}
	c.cleanup = runtime.AddCleanup(c, (*resource).closeImplicitly, r)
	return c
}

// begin enters the handle on behalf of a cursor method, recording failures.
func (c *Cursor) begin(op string) bool {
	if err := c.h.enter(op, c.r.part); err != nil {
		c.fail(err)
		return false
	}
	if c.r.isReleased() {
		c.h.leave()
		c.fail(opErr(op, c.r.part, nil, ErrHandleClosed, nil))
		return false
	}
	return true
}

func (c *Cursor) fail(err error) {
	c.err = err
	c.valid = false
	c.key, c.value = nil, nil
}

// SeekToFirst moves to the first key, or to IterateLowerBound if set.
func (c *Cursor) SeekToFirst() {
	if !c.begin("seek_to_first") {
		return
	}
	defer c.h.leave()
	if !c.tail("seek_to_first") {
		return
	}
	c.prefix = nil
	var k, v []byte
	if lo := c.ro.IterateLowerBound; lo != nil {
		k, v = c.r.cur.Seek(lo)
	} else {
		k, v = c.r.cur.First()
	}
	c.land(k, v, true)
}

// SeekToLast moves to the last key below IterateUpperBound.
func (c *Cursor) SeekToLast() {
	if !c.begin("seek_to_last") {
		return
	}
	defer c.h.leave()
	if c.ro.Tailing {
		c.fail(opErr("seek_to_last", c.r.part, nil, ErrEngine, errTailingBackward))
		return
	}
	c.prefix = nil
	k, v := c.last()
	c.land(k, v, false)
}

func (c *Cursor) last() ([]byte, []byte) {
	if up := c.ro.IterateUpperBound; up != nil {
		k, _ := c.r.cur.Seek(up)
		if k == nil {
			return c.r.cur.Last()
		}
		return c.r.cur.Prev()
	}
	return c.r.cur.Last()
}

// Seek moves to the first key >= key.
func (c *Cursor) Seek(key Value) {
	if !c.begin("seek") {
		return
	}
	defer c.h.leave()
	target, err := EncodeKey(key)
	if err != nil {
		c.fail(wrapErr("seek", c.r.part, nil, err))
		return
	}
	if !c.tail("seek") {
		return
	}
	c.setPrefix(target)
	if lo := c.ro.IterateLowerBound; lo != nil && bytes.Compare(target, lo) < 0 {
		target = lo
	}
	k, v := c.r.cur.Seek(target)
	c.land(k, v, true)
}

// SeekForPrev moves to the last key <= key.
func (c *Cursor) SeekForPrev(key Value) {
	if !c.begin("seek_for_prev") {
		return
	}
	defer c.h.leave()
	if c.ro.Tailing {
		c.fail(opErr("seek_for_prev", c.r.part, nil, ErrEngine, errTailingBackward))
		return
	}
	target, err := EncodeKey(key)
	if err != nil {
		c.fail(wrapErr("seek_for_prev", c.r.part, nil, err))
		return
	}
	c.setPrefix(target)
	var k, v []byte
	if up := c.ro.IterateUpperBound; up != nil && bytes.Compare(target, up) >= 0 {
		k, v = c.last()
	} else {
		k, v = seekForPrev(c.r.cur, target)
	}
	c.land(k, v, false)
}

// tail brings a tailing cursor up to date before it is repositioned.
func (c *Cursor) tail(op string) bool {
	if !c.ro.Tailing {
		return true
	}
	if err := c.renew(op); err != nil {
		c.fail(err)
		return false
	}
	return true
}

func (c *Cursor) setPrefix(target []byte) {
	c.prefix = nil
	if c.ro.PrefixSameAsStart && !c.ro.TotalOrderSeek {
		if p, ok := c.h.opt.PrefixExtractor.Prefix(target); ok {
			c.prefix = cloneBytes(p)
		}
	}
}

// Next moves to the following key. A tailing cursor that has run off the
// end picks up keys written since.
func (c *Cursor) Next() {
	if !c.begin("next") {
		return
	}
	defer c.h.leave()
	if !c.valid {
		if c.ro.Tailing && c.lastKey != nil && c.err == nil {
			c.catchUp()
		}
		return
	}
	k, v := c.r.cur.Next()
	c.land(k, v, true)
	if !c.valid && c.ro.Tailing {
		c.catchUp()
	}
}

// Prev moves to the preceding key.
func (c *Cursor) Prev() {
	if !c.begin("prev") {
		return
	}
	defer c.h.leave()
	if c.ro.Tailing {
		c.fail(opErr("prev", c.r.part, nil, ErrEngine, errTailingBackward))
		return
	}
	if !c.valid {
		return
	}
	k, v := c.r.cur.Prev()
	c.land(k, v, false)
}

// land settles on k, skipping expired entries in the direction of travel and
// stopping at bounds and prefix changes.
func (c *Cursor) land(k, v []byte, forward bool) {
	for k != nil {
		if !c.ro.inBounds(k) || (c.prefix != nil && !bytes.HasPrefix(k, c.prefix)) {
			k, v = nil, nil
			break
		}
		if !c.h.isExpired(v) {
			break
		}
		if forward {
			k, v = c.r.cur.Next()
		} else {
			k, v = c.r.cur.Prev()
		}
	}
	c.err = nil
	c.key, c.value = k, v
	c.valid = k != nil
	c.h.ReadCount.Add(1)
	if c.valid && c.ro.Tailing {
		c.lastKey = append(c.lastKey[:0], k...)
	}
}

func (c *Cursor) catchUp() {
	if err := c.renew("next"); err != nil {
		c.fail(err)
		return
	}
	k, v := c.r.cur.Seek(c.lastKey)
	if k != nil && bytes.Equal(k, c.lastKey) {
		k, v = c.r.cur.Next()
	}
	c.land(k, v, true)
}

// renew replaces the cursor's snapshot with a fresh one. Cursors opened on a
// Snapshot keep theirs and only get a new engine cursor.
func (c *Cursor) renew(op string) error {
	r := c.r
	var snap storageSnapshot
	if r.ownsSnap {
		var err error
		snap, err = c.h.eng.Snapshot()
		if err != nil {
			return wrapErr(op, r.part, nil, err)
		}
	} else {
		snap = r.snap
	}
	cur, err := snap.Cursor(r.part)
	if err != nil {
		if r.ownsSnap {
			snap.Close()
		}
		return wrapErr(op, r.part, nil, err)
	}

	r.lock.Lock()
	if r.released {
		r.lock.Unlock()
		cur.Close()
		if r.ownsSnap {
			snap.Close()
		}
		return opErr(op, r.part, nil, ErrHandleClosed, nil)
	}
	oldCur, oldSnap := r.cur, r.snap
	r.cur, r.snap = cur, snap
	r.lock.Unlock()

	c.key, c.value, c.valid = nil, nil, false
	oldCur.Close()
	if r.ownsSnap {
		return wrapErr(op, r.part, nil, oldSnap.Close())
	}
	return nil
}

// Refresh moves the cursor to the current state of the store, keeping its
// position if it has one. Keys obtained with PinData become invalid.
func (c *Cursor) Refresh() error {
	if !c.begin("refresh") {
		return c.err
	}
	defer c.h.leave()
	var at []byte
	if c.valid {
		at = cloneBytes(c.key)
	}
	if err := c.renew("refresh"); err != nil {
		c.fail(err)
		return err
	}
	c.err = nil
	if at != nil {
		k, v := c.r.cur.Seek(at)
		c.land(k, v, true)
	}
	return nil
}

// Valid reports whether the cursor is positioned at an entry. It turns
// false once the cursor, its snapshot or the store is closed.
func (c *Cursor) Valid() bool {
	return c.valid && !c.closedUnder()
}

func (c *Cursor) closedUnder() bool {
	return c.h.closed.Load() || c.r.isReleased()
}

// Err returns the error that invalidated the cursor. A cursor that was
// positioned when it or its store got closed reports ErrHandleClosed.
func (c *Cursor) Err() error {
	if c.err == nil && c.valid && c.closedUnder() {
		return opErr("iterate", c.r.part, nil, ErrHandleClosed, nil)
	}
	return c.err
}

// Key returns the encoded key at the current position, or nil. The result
// is a copy unless ReadOptions.PinData is set and the engine pins keys, in
// which case it stays valid until the cursor is closed or refreshed.
func (c *Cursor) Key() []byte {
	if !c.valid || !c.begin("key") {
		return nil
	}
	defer c.h.leave()
	if c.ro.PinData && c.h.eng.PinsKeys() {
		return c.key
	}
	return cloneBytes(c.key)
}

// TypedKey decodes the current key as the view's key kind.
func (c *Cursor) TypedKey() (Value, error) {
	if !c.valid {
		return Value{}, c.err
	}
	if !c.begin("key") {
		return Value{}, c.err
	}
	defer c.h.leave()
	v, err := DecodeKey(c.d.keyKind, cloneBytes(c.key))
	if err != nil {
		return Value{}, wrapErr("key", c.r.part, cloneBytes(c.key), err)
	}
	return v, nil
}

// Value decodes the value at the current position.
func (c *Cursor) Value() (Value, error) {
	if !c.valid {
		return Value{}, c.err
	}
	if !c.begin("value") {
		return Value{}, c.err
	}
	defer c.h.leave()
	payload, _, err := c.h.unwrap(c.value)
	if err == nil {
		var v Value
		v, err = DecodeValue(cloneBytes(payload), c.h.ser)
		if err == nil {
			return v, nil
		}
	}
	return Value{}, wrapErr("value", c.r.part, cloneBytes(c.key), err)
}

// Close releases the cursor's snapshot. Closing twice is harmless.
func (c *Cursor) Close() error {
	c.cleanup.Stop()
	c.valid = false
	c.key, c.value = nil, nil
	if err := c.h.enter("close", c.r.part); err == nil {
		defer c.h.leave()
	}
	return wrapErr("close", c.r.part, nil, c.r.close())
}
