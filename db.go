package kvdict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

const trackCursors = true

// DB is an open store. All Dicts, Partitions, Cursors and Snapshots derived
// from it stop working once it is closed. A DB that becomes unreachable
// without being closed is closed by the garbage collector.
type DB struct {
	h *handle
}

// handle holds the state of an open store. It never points back at the DB,
// so the DB can become unreachable while cursors still reference the handle.
type handle struct {
	path    string
	opt     *Options
	mode    OpenMode
	eng     storage
	logger  *slog.Logger
	verbose bool
	ser     Serializer
	now     func() time.Time

	// mu is held shared by every operation and exclusively by Close.
	mu     sync.RWMutex
	closed atomic.Bool

	partsLock  sync.Mutex
	parts      map[string]uint64 // name => ticket
	lastTicket uint64

	gate *writeGate

	lastSize    atomic.Int64
	ReaderCount atomic.Int64
	ReadCount   atomic.Uint64
	WriteCount  atomic.Uint64
	IngestCount atomic.Uint64

	res     []*resource
	resLock sync.Mutex
}

// Partition is a reference to a named partition. It stays valid until the
// partition is dropped; a partition recreated under the same name needs a
// fresh reference.
type Partition struct {
	db     *DB
	name   string
	ticket uint64
}

func (p *Partition) Name() string { return p.name }
func (p *Partition) DB() *DB      { return p.db }

// Dict returns a view of the partition with default options.
func (p *Partition) Dict() *Dict { return p.db.View(p) }

var openPaths sync.Map

// Open opens or creates the store at path.
func Open(path string, opt *Options, mode OpenMode) (*DB, error) {
	if opt == nil {
		opt = DefaultOptions()
	} else {
		opt = opt.clone()
	}
	if err := opt.validate(); err != nil {
		return nil, opErr("open", "", nil, ErrEngineOpen, err)
	}
	if mode.TTL < 0 {
		return nil, opErr("open", "", nil, ErrEngineOpen, fmt.Errorf("negative TTL %v", mode.TTL))
	}
	for name, popt := range mode.Partitions {
		if name == "" {
			return nil, opErr("open", "", nil, ErrEngineOpen, errors.New("empty partition name"))
		}
		if popt != nil {
			if err := popt.clone().validate(); err != nil {
				return nil, opErr("open", name, nil, ErrEngineOpen, err)
			}
		}
	}

	gate := new(writeGate)
	eng, err := openStorage(path, opt, mode, gate.setStalled)
	if err != nil {
		return nil, opErr("open", "", nil, ErrEngineOpen, err)
	}

	h := &handle{
		path:    path,
		opt:     opt,
		mode:    mode,
		eng:     eng,
		gate:    gate,
		logger:  opt.logger(),
		verbose: opt.Verbose,
		ser:     opt.serializer(),
		now:     time.Now,
		parts:   make(map[string]uint64),
	}
	if err := h.loadPartitions(); err != nil {
		eng.Close()
		return nil, opErr("open", "", nil, ErrEngineOpen, err)
	}
	if h.persistent() && !mode.ReadOnly {
		err := SaveOptionsFile(opt, filepath.Join(path, OptionsFileName))
		if err != nil {
			eng.Close()
			return nil, opErr("open", "", nil, ErrEngineOpen, err)
		}
	}
	if h.persistent() {
		openPaths.Store(h.absPath(), h)
	}

	db := &DB{h: h}
	runtime.AddCleanup(db, (*handle).closeImplicitly, h)
	if h.verbose {
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "kvdict: opened", slog.String("path", path), slog.String("backend", string(opt.Backend)), slog.String("mode", mode.String()))
	}
	return db, nil
}

// openStorage opens the engine. onStall is called when the engine starts
// or stops stalling writes; only pebble reports stalls.
func openStorage(path string, opt *Options, mode OpenMode, onStall func(bool)) (storage, error) {
	switch opt.Backend {
	case BackendMemory:
		return newMemStorage(), nil
	case BackendPebble:
		return openPebbleStorage(path, opt, mode, onStall)
	default:
		if !mode.ReadOnly && !opt.ErrorIfNotExists {
			if err := os.MkdirAll(path, 0o777); err != nil {
				return nil, err
			}
		}
		return openBoltStorage(path, opt, mode)
	}
}

// persistent reports whether the store lives in the OS file system.
func (h *handle) persistent() bool {
	return h.opt.Backend != BackendMemory && h.opt.Env == nil
}

func (h *handle) absPath() string {
	if p, err := filepath.Abs(h.path); err == nil {
		return p
	}
	return h.path
}

func (h *handle) loadPartitions() error {
	names, err := h.eng.Partitions()
	if err != nil {
		return err
	}
	for _, name := range names {
		h.parts[name] = h.nextTicket()
	}
	if _, ok := h.parts[DefaultPartition]; !ok {
		h.parts[DefaultPartition] = h.nextTicket()
	}

	declared := make([]string, 0, len(h.mode.Partitions))
	for name := range h.mode.Partitions {
		declared = append(declared, name)
	}
	sort.Strings(declared)
	for _, name := range declared {
		if _, ok := h.parts[name]; ok {
			continue
		}
		if h.mode.ReadOnly {
			return fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
		}
		popt := h.mode.Partitions[name]
		if popt == nil {
			popt = h.opt
		}
		if err := h.eng.CreatePartition(name, popt); err != nil {
			return fmt.Errorf("partition %s: %w", name, err)
		}
		h.parts[name] = h.nextTicket()
	}
	return nil
}

func (h *handle) nextTicket() uint64 {
	h.lastTicket++
	return h.lastTicket
}

// enter guards an operation against a concurrent Close. Every successful
// call must be paired with leave.
func (h *handle) enter(op, part string) error {
	h.mu.RLock()
	if h.closed.Load() {
		h.mu.RUnlock()
		return opErr(op, part, nil, ErrHandleClosed, nil)
	}
	return nil
}

func (h *handle) leave() {
	h.mu.RUnlock()
}

// live checks that p still refers to the partition it was obtained for.
func (h *handle) live(op string, p *Partition) error {
	h.partsLock.Lock()
	ticket, ok := h.parts[p.name]
	h.partsLock.Unlock()
	if !ok || ticket != p.ticket {
		return opErr(op, p.name, nil, ErrPartitionNotFound, nil)
	}
	return nil
}

func (h *handle) checkWritable(op, part string) error {
	if h.mode.ReadOnly {
		return opErr(op, part, nil, ErrEngine, errReadOnly)
	}
	return nil
}

// write pushes ops through the admission gate into the engine. Callers hold
// enter.
func (h *handle) write(op, part string, ops []storageOp, wo *WriteOptions) error {
	if err := h.checkWritable(op, part); err != nil {
		return err
	}
	if err := h.gate.enter(wo); err != nil {
		return opErr(op, part, nil, ErrOperationIncomplete, nil)
	}
	defer h.gate.leave(wo)

	if h.mode.TTL > 0 {
		stamp := h.now().Unix()
		for i := range ops {
			if ops[i].kind == opPut {
				ops[i].value = appendTTLStamp(ops[i].value, stamp)
			}
		}
	}
	if h.verbose {
		for _, o := range ops {
			h.logger.LogAttrs(context.Background(), slog.LevelDebug, "kvdict: write", slog.String("op", op), slog.String("partition", o.part), hexAttr("key", o.key))
		}
	}
	err := h.eng.Write(ops, wo)
	h.WriteCount.Add(1)
	if err != nil {
		return wrapErr(op, part, nil, err)
	}
	return nil
}

// Default returns a view of the default partition.
func (db *DB) Default() *Dict {
	h := db.h
	h.partsLock.Lock()
	ticket := h.parts[DefaultPartition]
	h.partsLock.Unlock()
	return db.View(&Partition{db: db, name: DefaultPartition, ticket: ticket})
}

// View returns a view of p with the store's default read and write options.
func (db *DB) View(p *Partition) *Dict {
	if p.db != db {
		panic("kvdict: partition belongs to another DB")
	}
	return &Dict{
		db:      db,
		part:    p,
		ro:      DefaultReadOptions(),
		wo:      DefaultWriteOptions(),
		keyKind: KindBytes,
	}
}

// Path returns the path the store was opened at.
func (db *DB) Path() string { return db.h.path }

func (db *DB) Options() *Options { return db.h.opt.clone() }

func (db *DB) Mode() OpenMode { return db.h.mode }

func (db *DB) IsClosed() bool { return db.h.closed.Load() }

// CreatePartition creates a new empty partition. opt may be nil; only the
// per-partition knobs of engines that have them are honored.
func (db *DB) CreatePartition(name string, opt *Options) (*Partition, error) {
	h := db.h
	if err := h.enter("create_partition", name); err != nil {
		return nil, err
	}
	defer h.leave()
	if name == "" {
		return nil, opErr("create_partition", name, nil, ErrEngine, errors.New("empty partition name"))
	}
	if err := h.checkWritable("create_partition", name); err != nil {
		return nil, err
	}
	if opt != nil {
		opt = opt.clone()
		if err := opt.validate(); err != nil {
			return nil, opErr("create_partition", name, nil, ErrEngine, err)
		}
	}

	h.partsLock.Lock()
	defer h.partsLock.Unlock()
	if _, ok := h.parts[name]; ok {
		return nil, opErr("create_partition", name, nil, ErrPartitionExists, nil)
	}
	if err := h.eng.CreatePartition(name, opt); err != nil {
		return nil, wrapErr("create_partition", name, nil, err)
	}
	ticket := h.nextTicket()
	h.parts[name] = ticket
	if h.verbose {
		h.logger.Debug("kvdict: partition created", "partition", name)
	}
	return &Partition{db: db, name: name, ticket: ticket}, nil
}

// GetPartition returns a reference to an existing partition.
func (db *DB) GetPartition(name string) (*Partition, error) {
	h := db.h
	if err := h.enter("get_partition", name); err != nil {
		return nil, err
	}
	defer h.leave()
	h.partsLock.Lock()
	ticket, ok := h.parts[name]
	h.partsLock.Unlock()
	if !ok {
		return nil, opErr("get_partition", name, nil, ErrPartitionNotFound, nil)
	}
	return &Partition{db: db, name: name, ticket: ticket}, nil
}

// DropPartition deletes a partition and its data. Existing references to it,
// and views over them, fail with ErrPartitionNotFound afterwards.
func (db *DB) DropPartition(name string) error {
	h := db.h
	if err := h.enter("drop_partition", name); err != nil {
		return err
	}
	defer h.leave()
	if err := h.checkWritable("drop_partition", name); err != nil {
		return err
	}
	if name == DefaultPartition {
		return opErr("drop_partition", name, nil, ErrEngine, errors.New("the default partition cannot be dropped"))
	}

	h.partsLock.Lock()
	defer h.partsLock.Unlock()
	if _, ok := h.parts[name]; !ok {
		return opErr("drop_partition", name, nil, ErrPartitionNotFound, nil)
	}
	if err := h.eng.DropPartition(name); err != nil {
		return wrapErr("drop_partition", name, nil, err)
	}
	delete(h.parts, name)
	if h.verbose {
		h.logger.Debug("kvdict: partition dropped", "partition", name)
	}
	return nil
}

// ListPartitions returns partition names in sorted order.
func (db *DB) ListPartitions() ([]string, error) {
	h := db.h
	if err := h.enter("list_partitions", ""); err != nil {
		return nil, err
	}
	defer h.leave()
	return h.partitionNames(), nil
}

func (h *handle) partitionNames() []string {
	h.partsLock.Lock()
	names := make([]string, 0, len(h.parts))
	for name := range h.parts {
		names = append(names, name)
	}
	h.partsLock.Unlock()
	sort.Strings(names)
	return names
}

// Flush persists buffered writes of all partitions. Without wait the flush
// is scheduled and Flush returns immediately.
func (db *DB) Flush(wait bool) error {
	h := db.h
	if err := h.enter("flush", ""); err != nil {
		return err
	}
	defer h.leave()
	return h.flush("", wait)
}

func (h *handle) flush(part string, wait bool) error {
	if h.mode.ReadOnly {
		return nil
	}
	return wrapErr("flush", part, nil, h.eng.Flush(wait))
}

// Write applies a batch atomically.
func (db *DB) Write(b *WriteBatch, wo *WriteOptions) error {
	h := db.h
	if err := h.enter("write", ""); err != nil {
		return err
	}
	defer h.leave()
	if b.db != db {
		panic("kvdict: batch belongs to another DB")
	}
	if wo == nil {
		wo = DefaultWriteOptions()
	}
	ops, err := b.resolve(wo)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return h.write("write", "", ops, wo)
}

// Close flushes pending writes, invalidates all cursors and snapshots, and
// closes the engine. Closing a closed DB is a no-op.
func (db *DB) Close() error {
	return db.h.close()
}

func (h *handle) closeImplicitly() {
	err := h.close()
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, "kvdict: implicit close failed", slog.String("path", h.path), slog.Any("err", err))
	}
}

func (h *handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return nil
	}
	h.closed.Store(true)

	var result *multierror.Error
	if !h.mode.ReadOnly {
		if err := h.eng.Flush(true); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush: %w", err))
		}
	}

	h.resLock.Lock()
	res := h.res
	h.res = nil
	h.resLock.Unlock()
	for _, r := range res {
		if err := r.release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.kind, err))
		}
	}

	h.partsLock.Lock()
	clear(h.parts)
	h.partsLock.Unlock()

	if err := h.eng.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if h.persistent() {
		openPaths.CompareAndDelete(h.absPath(), h)
	}
	if h.verbose {
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "kvdict: closed", slog.String("path", h.path), slog.Int("released", len(res)))
	}

	if err := result.ErrorOrNil(); err != nil {
		return opErr("close", "", nil, ErrEngine, err)
	}
	return nil
}

// Destroy deletes the store at path. It fails if the store is open in this
// process. opt selects the backend and Env; nil means DefaultOptions.
func Destroy(path string, opt *Options) error {
	if opt == nil {
		opt = DefaultOptions()
	}
	if opt.Backend == BackendMemory {
		return nil
	}
	if opt.Env != nil {
		return wrapErr("destroy", "", nil, opt.Env.fs.RemoveAll(filepath.Join(path, pebbleDirName)))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if _, open := openPaths.Load(abs); open {
		return opErr("destroy", "", nil, ErrEngine, fmt.Errorf("%s is open", path))
	}
	return wrapErr("destroy", "", nil, os.RemoveAll(path))
}

// resource is a cursor or snapshot that pins engine state and must be
// released before the engine closes.
type resource struct {
	h         *handle
	kind      string
	part      string
	snap      storageSnapshot
	ownsSnap  bool
	cur       storageCursor
	parent    *resource
	startTime time.Time
	stack     []byte

	lock     sync.Mutex
	released bool
	children []*resource
}

func (h *handle) track(r *resource) {
	r.startTime = time.Now()
	if trackCursors {
		r.stack = debug.Stack()
	}
	h.resLock.Lock()
	h.res = append(h.res, r)
	h.resLock.Unlock()
	h.ReaderCount.Add(1)
}

func (h *handle) untrack(r *resource) {
	h.resLock.Lock()
	defer h.resLock.Unlock()
	i := slices.Index(h.res, r)
	if i < 0 {
		return // already detached by Close
	}
	n := len(h.res)
	h.res[i] = h.res[n-1]
	h.res[n-1] = nil // ensure it gets collected
	h.res = h.res[:n-1]
}

func (r *resource) isReleased() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.released
}

// release closes the engine cursor, dependent resources and, if owned, the
// snapshot. It is idempotent.
func (r *resource) release() error {
	r.lock.Lock()
	if r.released {
		r.lock.Unlock()
		return nil
	}
	r.released = true
	children := r.children
	r.children = nil
	r.lock.Unlock()

	var result *multierror.Error
	for _, c := range children {
		c.h.untrack(c)
		if err := c.release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.cur != nil {
		if err := r.cur.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		r.cur = nil
	}
	if r.snap != nil && r.ownsSnap {
		if err := r.snap.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.snap = nil
	r.h.ReaderCount.Add(-1)
	return result.ErrorOrNil()
}

func (r *resource) adopt(c *resource) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.released {
		return false
	}
	r.children = append(r.children, c)
	c.parent = r
	return true
}

func (r *resource) disown(c *resource) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if i := slices.Index(r.children, c); i >= 0 {
		r.children = slices.Delete(r.children, i, i+1)
	}
}

// close releases r explicitly, detaching it from the handle and its parent.
func (r *resource) close() error {
	if r.parent != nil {
		r.parent.disown(r)
	}
	r.h.untrack(r)
	return r.release()
}

// closeImplicitly runs when a cursor or snapshot was dropped unclosed.
func (r *resource) closeImplicitly() {
	if err := r.close(); err != nil {
		r.h.logger.LogAttrs(context.Background(), slog.LevelWarn, "kvdict: implicit release failed", slog.String("kind", r.kind), slog.String("partition", r.part), slog.Any("err", err))
	}
}

// DescribeOpenCursors lists cursors and snapshots that have not been closed,
// oldest first, with the stack that opened the long-lived ones.
func (db *DB) DescribeOpenCursors() string {
	if !trackCursors {
		return "OPEN CURSOR TRACKING DISABLED"
	}

	h := db.h
	h.resLock.Lock()
	res := slices.Clone(h.res)
	h.resLock.Unlock()

	if len(res) == 0 {
		return "NO OPEN CURSORS"
	}

	slices.SortFunc(res, func(a, b *resource) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN CURSORS:\n", len(res))
	for _, r := range res {
		ms := now.Sub(r.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s on %s open for %d ms\n", r.kind, r.part, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s on %s open for %d ms:\n%s", r.kind, r.part, ms, r.stack)
		}
	}

	return buf.String()
}
