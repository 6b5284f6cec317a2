package kvdict

import "testing"

func TestSequence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		d := db.Default().WithKeyKind(KindInt64)
		for i := range int64(5) {
			ok(t, d.Put(Int64(i), Int64(i*10)))
		}

		deepEqual(t, collect(t, d.Items(IterOptions{})), []string{"0=0", "1=10", "2=20", "3=30", "4=40"})
		deepEqual(t, collect(t, d.Items(IterOptions{Backwards: true})), []string{"4=40", "3=30", "2=20", "1=10", "0=0"})
		deepEqual(t, collectKeys(t, d.Keys(IterOptions{From: Int64(2)})), []string{"2", "3", "4"})
		deepEqual(t, collectKeys(t, d.Keys(IterOptions{From: Int64(2), Backwards: true})), []string{"2", "1", "0"})
		deepEqual(t, collectKeys(t, d.Keys(IterOptions{From: Int64(9)})), []string(nil))

		var vals []int64
		for v := range d.Values(IterOptions{}).Values() {
			vals = append(vals, v.Int())
		}
		deepEqual(t, vals, []int64{0, 10, 20, 30, 40})

		seq := d.Keys(IterOptions{})
		deepEqual(t, seq.Next(), true)
		valueEqual(t, seq.Key(), Int64(0))
		deepEqual(t, seq.Value().Valid(), false)
		ok(t, seq.Close())
		deepEqual(t, seq.Next(), false)

		seq = d.Values(IterOptions{From: Int64(4)})
		deepEqual(t, seq.Next(), true)
		deepEqual(t, seq.Key().Valid(), false)
		valueEqual(t, seq.Value(), Int64(40))
		deepEqual(t, seq.Next(), false)
		ok(t, seq.Err())

		deepEqual(t, db.DescribeOpenCursors(), "NO OPEN CURSORS")
	})
}

func TestSequence_break_closes_cursor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		d := db.Default().WithKeyKind(KindInt64)
		for i := range int64(3) {
			ok(t, d.Put(Int64(i), Bool(true)))
		}

		for k := range d.Keys(IterOptions{}).Keys() {
			valueEqual(t, k, Int64(0))
			break
		}
		for range d.Items(IterOptions{}).All() {
			break
		}
		deepEqual(t, db.DescribeOpenCursors(), "NO OPEN CURSORS")
		deepEqual(t, must(db.Stats()).OpenCursors, int64(0))
	})
}

func TestSequence_errors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		p := must(db.CreatePartition("tmp", nil))
		d := p.Dict()
		ok(t, d.Put(Text("abc"), Int64(1)))

		seq := d.WithKeyKind(KindUint64).Keys(IterOptions{})
		deepEqual(t, seq.Next(), false)
		isErr(t, seq.Err(), ErrCorruptEncoding)

		ok(t, db.DropPartition("tmp"))
		seq = d.Items(IterOptions{})
		deepEqual(t, seq.Next(), false)
		isErr(t, seq.Err(), ErrPartitionNotFound)
		isErr(t, seq.Close(), ErrPartitionNotFound)

		deepEqual(t, db.DescribeOpenCursors(), "NO OPEN CURSORS")
	})
}
