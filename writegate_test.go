package kvdict

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

func TestWriteGate_no_slowdown(t *testing.T) {
	var g writeGate
	normal := DefaultWriteOptions()
	fast := &WriteOptions{NoSlowdown: true}

	// concurrent writes do not count as pressure
	ok(t, g.enter(normal))
	ok(t, g.enter(fast))
	deepEqual(t, g.pending(), 2)
	g.leave(fast)
	g.leave(normal)
	deepEqual(t, g.pending(), 0)

	g.setStalled(true)
	deepEqual(t, g.enter(fast), ErrOperationIncomplete)
	deepEqual(t, g.pending(), 0)
	ok(t, g.enter(normal))
	g.leave(normal)

	g.setStalled(false)
	ok(t, g.enter(fast))
	g.leave(fast)
}

func TestWriteGate_low_priority(t *testing.T) {
	var g writeGate
	normal := DefaultWriteOptions()
	low := &WriteOptions{LowPri: true}
	ok(t, g.enter(normal))

	deepEqual(t, g.enter(&WriteOptions{LowPri: true, NoSlowdown: true}), ErrOperationIncomplete)

	var admitted atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.enter(low); err != nil {
			t.Errorf("low: %v", err)
			return
		}
		admitted.Store(true)
		g.leave(low)
	}()
	waitFor(t, func() bool { return g.pending() == 2 })
	time.Sleep(10 * time.Millisecond)
	deepEqual(t, admitted.Load(), false)

	g.leave(normal)
	<-done
	deepEqual(t, admitted.Load(), true)
	deepEqual(t, g.pending(), 0)

	// a stall holds back low-priority writes until it ends
	g.setStalled(true)
	done = make(chan struct{})
	go func() {
		defer close(done)
		if err := g.enter(low); err != nil {
			t.Errorf("low: %v", err)
			return
		}
		g.leave(low)
	}()
	waitFor(t, func() bool { return g.pending() == 1 })
	g.setStalled(false)
	<-done
}

func TestWriteGate_exclusive(t *testing.T) {
	var g writeGate
	wo := DefaultWriteOptions()
	ok(t, g.enter(wo))

	var inside atomic.Bool
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.enterExclusive(wo); err != nil {
			t.Errorf("exclusive: %v", err)
			return
		}
		inside.Store(true)
		<-release
		inside.Store(false)
		g.leaveExclusive(wo)
	}()
	waitFor(t, func() bool { return g.pending() == 2 })
	time.Sleep(10 * time.Millisecond)
	deepEqual(t, inside.Load(), false)

	g.leave(wo)
	waitFor(t, inside.Load)

	var wrote atomic.Bool
	go func() {
		if err := g.enter(wo); err != nil {
			t.Errorf("enter: %v", err)
			return
		}
		wrote.Store(!inside.Load())
		g.leave(wo)
	}()
	waitFor(t, func() bool { return g.pending() == 2 })
	close(release)
	<-done
	waitFor(t, func() bool { return g.pending() == 0 })
	deepEqual(t, wrote.Load(), true)
}

func TestDict_no_slowdown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		d := db.Default()
		d.SetWriteOptions(&WriteOptions{NoSlowdown: true})
		deepEqual(t, d.WriteOptions().NoSlowdown, true)

		held := DefaultWriteOptions()
		ok(t, db.h.gate.enter(held))
		var wg sync.WaitGroup
		for _, k := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.Put(Text(k), Int64(1)); err != nil {
					t.Errorf("Put(%q): %v", k, err)
				}
			}()
		}
		wg.Wait()
		deepEqual(t, must(db.Stats()).PendingWriters, 1)
		db.h.gate.leave(held)
		valueEqual(t, get(t, d, Text("b")), Int64(1))

		db.h.gate.setStalled(true)
		isErr(t, d.Put(Text("c"), Int64(1)), ErrOperationIncomplete)
		isErr(t, d.Delete(Text("a")), ErrOperationIncomplete)
		deepEqual(t, must(db.Stats()).WriteStalled, true)
		ok(t, db.Default().Put(Text("c"), Int64(1)))

		db.h.gate.setStalled(false)
		ok(t, d.Delete(Text("a")))
		deepEqual(t, must(db.Stats()).WriteStalled, false)

		d.SetWriteOptions(nil)
		deepEqual(t, d.WriteOptions().NoSlowdown, false)
	})
}

func TestPebble_write_stall(t *testing.T) {
	db := setup(t, &Options{Backend: BackendPebble})
	d := db.Default()
	d.SetWriteOptions(&WriteOptions{NoSlowdown: true})
	events := db.h.eng.(*pebbleStorage).events

	events.WriteStallBegin(pebble.WriteStallBeginInfo{Reason: "memtable count limit reached"})
	isErr(t, d.Put(Text("a"), Int64(1)), ErrOperationIncomplete)

	events.WriteStallEnd()
	ok(t, d.Put(Text("a"), Int64(1)))
	valueEqual(t, get(t, d, Text("a")), Int64(1))
}

func waitFor(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting")
		}
		time.Sleep(time.Millisecond)
	}
}
