package kvdict

import "iter"

// IterOptions select the direction and starting point of Items, Keys and
// Values.
type IterOptions struct {
	Backwards bool

	// From is the first key visited: the first key >= From going forward,
	// the last key <= From going backwards. An invalid From starts at the
	// respective end.
	From Value

	// ReadOptions overrides the view's read options.
	ReadOptions *ReadOptions
}

type seqMode uint8

const (
	seqItems seqMode = iota
	seqKeys
	seqValues
)

// Sequence is a single-pass walk over a partition, backed by its own
// cursor. It closes itself when exhausted or on error; call Close when
// abandoning it early.
type Sequence struct {
	c       *Cursor
	opt     IterOptions
	mode    seqMode
	started bool
	done    bool
	key     Value
	value   Value
	err     error
}

// Items walks key-value pairs.
func (d *Dict) Items(opt IterOptions) *Sequence { return d.sequence(opt, seqItems) }

// Keys walks keys without decoding values.
func (d *Dict) Keys(opt IterOptions) *Sequence { return d.sequence(opt, seqKeys) }

// Values walks values without decoding keys.
func (d *Dict) Values(opt IterOptions) *Sequence { return d.sequence(opt, seqValues) }

func (d *Dict) sequence(opt IterOptions, mode seqMode) *Sequence {
	c, err := d.Iter(opt.ReadOptions)
	return newSequence(c, err, opt, mode)
}

func newSequence(c *Cursor, err error, opt IterOptions, mode seqMode) *Sequence {
	s := &Sequence{c: c, opt: opt, mode: mode}
	if err != nil {
		s.err = err
		s.done = true
	}
	return s
}

// Next advances to the next entry and reports whether there is one.
func (s *Sequence) Next() bool {
	if s.done {
		return false
	}
	c := s.c
	if !s.started {
		s.started = true
		switch {
		case s.opt.From.Valid() && s.opt.Backwards:
			c.SeekForPrev(s.opt.From)
		case s.opt.From.Valid():
			c.Seek(s.opt.From)
		case s.opt.Backwards:
			c.SeekToLast()
		default:
			c.SeekToFirst()
		}
	} else if s.opt.Backwards {
		c.Prev()
	} else {
		c.Next()
	}
	if !c.valid {
		s.finish(c.err)
		return false
	}

	var err error
	s.key, s.value = Value{}, Value{}
	if s.mode != seqValues {
		s.key, err = c.TypedKey()
	}
	if err == nil && s.mode != seqKeys {
		s.value, err = c.Value()
	}
	if err != nil {
		s.finish(err)
		return false
	}
	return true
}

func (s *Sequence) finish(err error) {
	s.done = true
	s.key, s.value = Value{}, Value{}
	if s.err == nil {
		s.err = err
	}
	if s.c != nil {
		if err := s.c.Close(); err != nil && s.err == nil {
			s.err = err
		}
		s.c = nil
	}
}

// Key is the current key; invalid for Values sequences.
func (s *Sequence) Key() Value { return s.key }

// Value is the current value; invalid for Keys sequences.
func (s *Sequence) Value() Value { return s.value }

func (s *Sequence) Err() error { return s.err }

func (s *Sequence) Close() error {
	if !s.done {
		s.finish(nil)
	}
	return s.err
}

// All adapts the sequence to range-over-func. Check Err afterwards.
func (s *Sequence) All() iter.Seq2[Value, Value] {
	return func(yield func(Value, Value) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Keys adapts the sequence to range-over-func, yielding keys.
func (s *Sequence) Keys() iter.Seq[Value] {
	return func(yield func(Value) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.key) {
				return
			}
		}
	}
}

// Values adapts the sequence to range-over-func, yielding values.
func (s *Sequence) Values() iter.Seq[Value] {
	return func(yield func(Value) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.value) {
				return
			}
		}
	}
}
