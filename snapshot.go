package kvdict

import "runtime"

// Snapshot is a point-in-time read view of a partition. Cursors opened on it
// share its state and are closed with it. A snapshot keeps reading its
// partition even if the partition is dropped afterwards.
type Snapshot struct {
	d       *Dict
	r       *resource
	cleanup runtime.Cleanup
}

func (d *Dict) Snapshot() (*Snapshot, error) {
	h, err := d.begin("snapshot")
	if err != nil {
		return nil, err
	}
	defer h.leave()

	snap, err := h.eng.Snapshot()
	if err != nil {
		return nil, wrapErr("snapshot", d.part.name, nil, err)
	}
	r := &resource{h: h, kind: "snapshot", part: d.part.name, snap: snap, ownsSnap: true}
	h.track(r)
	s := &Snapshot{d: d, r: r}
	s.cleanup = runtime.AddCleanup(s, (*resource).closeImplicitly, r)
	return s, nil
}

func (s *Snapshot) enter(op string) (*handle, error) {
	h := s.r.h
	if err := h.enter(op, s.r.part); err != nil {
		return nil, err
	}
	if s.r.isReleased() {
		h.leave()
		return nil, opErr(op, s.r.part, nil, ErrHandleClosed, nil)
	}
	return h, nil
}

func (s *Snapshot) Get(key Value) (Value, bool, error) {
	h, err := s.enter("get")
	if err != nil {
		return Value{}, false, err
	}
	defer h.leave()

	k, err := encodeLookupKey(key)
	if err != nil {
		return Value{}, false, wrapErr("get", s.r.part, nil, err)
	}
	defer releaseKeyBytes(k)
	raw, err := s.r.snap.Get(s.r.part, k)
	h.ReadCount.Add(1)
	if err != nil {
		return Value{}, false, wrapErr("get", s.r.part, k, err)
	}
	return h.decodeStored("get", s.r.part, k, raw)
}

// Iter opens a cursor on the snapshot. Tailing is ignored.
func (s *Snapshot) Iter(ro *ReadOptions) (*Cursor, error) {
	h, err := s.enter("iter")
	if err != nil {
		return nil, err
	}
	defer h.leave()

	if ro == nil {
		ro = s.d.ro
	}
	ro = ro.clone()
	ro.Tailing = false
	if err := h.checkReadOptions("iter", s.r.part, ro); err != nil {
		return nil, err
	}

	cur, err := s.r.snap.Cursor(s.r.part)
	if err != nil {
		return nil, wrapErr("iter", s.r.part, nil, err)
	}
	child := &resource{h: h, kind: "cursor", part: s.r.part, snap: s.r.snap, cur: cur}
	if !s.r.adopt(child) {
		cur.Close()
		return nil, opErr("iter", s.r.part, nil, ErrHandleClosed, nil)
	}
	h.track(child)
	return s.d.newCursor(h, child, ro), nil
}

func (s *Snapshot) Items(opt IterOptions) *Sequence  { return s.sequence(opt, seqItems) }
func (s *Snapshot) Keys(opt IterOptions) *Sequence   { return s.sequence(opt, seqKeys) }
func (s *Snapshot) Values(opt IterOptions) *Sequence { return s.sequence(opt, seqValues) }

func (s *Snapshot) sequence(opt IterOptions, mode seqMode) *Sequence {
	c, err := s.Iter(opt.ReadOptions)
	return newSequence(c, err, opt, mode)
}

// Close releases the snapshot and every cursor opened on it.
func (s *Snapshot) Close() error {
	s.cleanup.Stop()
	h := s.r.h
	if err := h.enter("close", s.r.part); err == nil {
		defer h.leave()
	}
	return wrapErr("close", s.r.part, nil, s.r.close())
}
