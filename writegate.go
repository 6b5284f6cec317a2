package kvdict

import "sync"

// writeGate implements the admission policy of WriteOptions. Writes do not
// serialize against each other; the engine orders them. NoSlowdown writes
// fail instead of waiting out an engine write stall, and LowPri writes wait
// until no normal-priority write is in flight and the engine is not stalled.
//
// Ingestion and TTL purges read then write a key range, so they take the
// gate exclusively and drain every other writer first.
type writeGate struct {
	excl sync.RWMutex

	mu      sync.Mutex
	cond    sync.Cond
	stalled bool
	normal  int // normal-priority writes in flight
	low     int // low-priority writes admitted or waiting
}

func (g *writeGate) init() {
	if g.cond.L == nil {
		g.cond.L = &g.mu
	}
}

func (g *writeGate) admit(wo *WriteOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()

	if wo.NoSlowdown && (g.stalled || (wo.LowPri && g.normal > 0)) {
		return ErrOperationIncomplete
	}
	if !wo.LowPri {
		g.normal++
		return nil
	}
	g.low++
	for g.stalled || g.normal > 0 {
		g.cond.Wait()
	}
	return nil
}

func (g *writeGate) release(wo *WriteOptions) {
	g.mu.Lock()
	g.init()
	if wo.LowPri {
		g.low--
	} else {
		g.normal--
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *writeGate) enter(wo *WriteOptions) error {
	if err := g.admit(wo); err != nil {
		return err
	}
	g.excl.RLock()
	return nil
}

func (g *writeGate) leave(wo *WriteOptions) {
	g.excl.RUnlock()
	g.release(wo)
}

func (g *writeGate) enterExclusive(wo *WriteOptions) error {
	if err := g.admit(wo); err != nil {
		return err
	}
	g.excl.Lock()
	return nil
}

func (g *writeGate) leaveExclusive(wo *WriteOptions) {
	g.excl.Unlock()
	g.release(wo)
}

// setStalled records the engine's write-stall state.
func (g *writeGate) setStalled(stalled bool) {
	g.mu.Lock()
	g.init()
	g.stalled = stalled
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *writeGate) isStalled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stalled
}

func (g *writeGate) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.normal + g.low
}
