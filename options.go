package kvdict

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/andreyvit/kvdict/sstfile"
)

// Backend selects the storage engine.
type Backend string

const (
	// BackendBolt stores everything in a single B+tree file (bbolt).
	// Snapshots and cursors hold no bolt transaction; while one is open,
	// writes also save the previous value of each key they change, so
	// long-lived snapshots under heavy writes cost memory.
	BackendBolt Backend = "bolt"

	// BackendPebble uses an LSM tree (Pebble).
	BackendPebble Backend = "pebble"

	// BackendMemory keeps data in memory; nothing survives Close.
	BackendMemory Backend = "memory"
)

type Compression = sstfile.Compression

const (
	NoCompression = sstfile.NoCompression
	Snappy        = sstfile.Snappy
	Zstd          = sstfile.Zstd
	LZ4           = sstfile.LZ4
)

// Options configure a store. Most knobs are forwarded to the engine and
// ignored by engines that have no equivalent.
type Options struct {
	Backend Backend `yaml:"backend"`

	// ErrorIfExists fails Open if the store already has data.
	ErrorIfExists bool `yaml:"error_if_exists"`

	// ErrorIfNotExists fails Open instead of creating a new store.
	ErrorIfNotExists bool `yaml:"error_if_not_exists"`

	// NoSync skips fsync after each commit. WriteOptions.Sync still forces one.
	NoSync bool `yaml:"no_sync"`

	// DisableWAL turns off the write-ahead log (pebble).
	DisableWAL bool `yaml:"disable_wal"`

	// Timeout bounds the wait for the file lock held by another process (bolt).
	Timeout time.Duration `yaml:"timeout"`

	// MmapSize is the initial memory map size (bolt).
	MmapSize int `yaml:"mmap_size"`

	// FillPercent controls page splits in partitions (bolt); raise it for
	// append-mostly workloads.
	FillPercent float64 `yaml:"fill_percent"`

	// CacheSize sizes a private block cache (pebble). Use Cache to share one.
	CacheSize int64 `yaml:"cache_size"`
	Cache     *Cache `yaml:"-"`

	// Env replaces the file system (pebble).
	Env *Env `yaml:"-"`

	WriteBufferSize                uint64 `yaml:"write_buffer_size"`
	MaxOpenFiles                   int    `yaml:"max_open_files"`
	BytesPerSync                   int    `yaml:"bytes_per_sync"`
	Level0FileNumCompactionTrigger int    `yaml:"level0_file_num_compaction_trigger"`
	Level0StopWritesTrigger        int    `yaml:"level0_stop_writes_trigger"`

	// Compression applies to engine blocks (pebble) and to files built with
	// SSTFileWriter.
	Compression Compression `yaml:"compression"`
	BlockSize   int         `yaml:"block_size"`

	// BloomBitsPerKey enables bloom filters. Zero disables them for the
	// engine and picks the default for SSTFileWriter.
	BloomBitsPerKey int `yaml:"bloom_bits_per_key"`

	// PrefixExtractor defines key prefixes for ReadOptions.PrefixSameAsStart.
	PrefixExtractor *SliceTransform `yaml:"prefix_extractor,omitempty"`

	// Serializer encodes Opaque values. MsgpackSerializer if nil.
	Serializer Serializer `yaml:"-"`

	Logger  *slog.Logger `yaml:"-"`
	Verbose bool         `yaml:"verbose"`

	// IsTesting trades durability for speed: no fsync, small mmap.
	IsTesting bool `yaml:"-"`
}

// DefaultOptions returns the options used when Open is given nil.
func DefaultOptions() *Options {
	return &Options{
		Backend: BackendBolt,
		Timeout: 10 * time.Second,
	}
}

func (o *Options) clone() *Options {
	c := *o
	if o.PrefixExtractor != nil {
		pe := *o.PrefixExtractor
		c.PrefixExtractor = &pe
	}
	return &c
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) serializer() Serializer {
	if o.Serializer != nil {
		return o.Serializer
	}
	return defaultSerializer
}

// validate checks that engine-specific sub-objects fit the chosen backend.
func (o *Options) validate() error {
	switch o.Backend {
	case BackendBolt, BackendPebble, BackendMemory:
	case "":
		o.Backend = BackendBolt
	default:
		return fmt.Errorf("unknown backend %q", o.Backend)
	}
	if o.Cache != nil && o.Backend != BackendPebble {
		return fmt.Errorf("a shared cache requires the %s backend", BackendPebble)
	}
	if o.Cache != nil && o.CacheSize != 0 {
		return errors.New("set either Cache or CacheSize, not both")
	}
	if o.Cache != nil && o.Cache.c == nil {
		return errors.New("cache has been closed")
	}
	if o.Env != nil && o.Backend != BackendPebble {
		return fmt.Errorf("a custom env requires the %s backend", BackendPebble)
	}
	if o.Backend == BackendPebble && o.Compression == LZ4 {
		return fmt.Errorf("the %s backend does not support %v", BackendPebble, LZ4)
	}
	if o.FillPercent < 0 || o.FillPercent > 1 {
		return fmt.Errorf("fill percent %v out of range [0, 1]", o.FillPercent)
	}
	if o.PrefixExtractor != nil {
		if err := o.PrefixExtractor.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Cache is a block cache that can be shared by several stores using the
// pebble backend. Close it once all stores using it are closed.
type Cache struct {
	c *pebble.Cache
}

func NewCache(size int64) *Cache {
	return &Cache{c: pebble.NewCache(size)}
}

func (c *Cache) Close() {
	if c.c != nil {
		c.c.Unref()
		c.c = nil
	}
}

// Env is a file system for the pebble backend.
type Env struct {
	fs vfs.FS
}

// NewMemEnv returns an in-memory file system. Stores opened on it survive
// Close and can be reopened as long as the Env is alive.
func NewMemEnv() *Env { return &Env{fs: vfs.NewMem()} }

func DefaultEnv() *Env { return &Env{fs: vfs.Default} }

// SliceTransform extracts a prefix from a key.
type SliceTransform struct {
	// Type is "fixed" (first Length bytes; shorter keys are out of domain),
	// "capped" (first Length bytes or the whole key) or "noop" (whole key).
	Type   string `yaml:"type"`
	Length int    `yaml:"length,omitempty"`
}

func FixedPrefix(n int) *SliceTransform  { return &SliceTransform{Type: "fixed", Length: n} }
func CappedPrefix(n int) *SliceTransform { return &SliceTransform{Type: "capped", Length: n} }
func NoopTransform() *SliceTransform     { return &SliceTransform{Type: "noop"} }

func (st *SliceTransform) validate() error {
	switch st.Type {
	case "fixed", "capped":
		if st.Length <= 0 {
			return fmt.Errorf("%s prefix length must be positive", st.Type)
		}
	case "noop":
	default:
		return fmt.Errorf("unknown prefix extractor %q", st.Type)
	}
	return nil
}

// Prefix returns the prefix of key, and false if key is outside the
// transform's domain.
func (st *SliceTransform) Prefix(key []byte) ([]byte, bool) {
	switch st.Type {
	case "fixed":
		if len(key) < st.Length {
			return nil, false
		}
		return key[:st.Length], true
	case "capped":
		return key[:min(len(key), st.Length)], true
	default:
		return key, true
	}
}

func (st *SliceTransform) String() string {
	if st.Type == "noop" {
		return "noop"
	}
	return fmt.Sprintf("%s:%d", st.Type, st.Length)
}

// OpenMode selects how Open accesses the store.
type OpenMode struct {
	ReadOnly bool

	// ErrorIfLogFileExist fails a read-only open when the engine has
	// unflushed write-ahead log files.
	ErrorIfLogFileExist bool

	// TTL makes entries expire this long after they were written. Expired
	// entries are invisible to reads and removed by CompactRange.
	TTL time.Duration

	// Partitions lists partitions that must exist. In read-write mode
	// missing ones are created with the given options (nil means the
	// store's options).
	Partitions map[string]*Options
}

func ReadWrite() OpenMode                { return OpenMode{} }
func ReadOnly() OpenMode                 { return OpenMode{ReadOnly: true} }
func WithTTL(ttl time.Duration) OpenMode { return OpenMode{TTL: ttl} }

func (m OpenMode) String() string {
	var parts []string
	if m.ReadOnly {
		parts = append(parts, "ro")
	} else {
		parts = append(parts, "rw")
	}
	if m.TTL > 0 {
		parts = append(parts, "ttl="+m.TTL.String())
	}
	return strings.Join(parts, ",")
}

// ReadOptions configure reads and cursors.
type ReadOptions struct {
	// FillCache, VerifyChecksums and ReadaheadSize are forwarded to the
	// engine; bolt and memory ignore them.
	FillCache       bool
	VerifyChecksums bool
	ReadaheadSize   int

	// IterateLowerBound is the inclusive lower bound of cursors.
	IterateLowerBound []byte

	// IterateUpperBound is the exclusive upper bound of cursors.
	IterateUpperBound []byte

	// PrefixSameAsStart stops cursors once the key's prefix (per
	// Options.PrefixExtractor) differs from the prefix of the seek target.
	PrefixSameAsStart bool

	// TotalOrderSeek overrides PrefixSameAsStart.
	TotalOrderSeek bool

	// PinData keeps keys returned by Cursor.Key valid until the cursor is
	// closed, without copying, on engines that support it.
	PinData bool

	// Tailing cursors observe writes made after they were created. They can
	// only move forward.
	Tailing bool
}

func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{FillCache: true, VerifyChecksums: true}
}

// SetIterateLowerBound sets the inclusive lower bound to an encoded key.
func (ro *ReadOptions) SetIterateLowerBound(key Value) error {
	k, err := keyOrNil(key)
	if err != nil {
		return err
	}
	ro.IterateLowerBound = k
	return nil
}

// SetIterateUpperBound sets the exclusive upper bound to an encoded key.
func (ro *ReadOptions) SetIterateUpperBound(key Value) error {
	k, err := keyOrNil(key)
	if err != nil {
		return err
	}
	ro.IterateUpperBound = k
	return nil
}

// SetIteratePrefix bounds cursors to keys starting with the encoded prefix.
func (ro *ReadOptions) SetIteratePrefix(prefix Value) error {
	p, err := EncodeKey(prefix)
	if err != nil {
		return err
	}
	ro.IterateLowerBound = p
	ro.IterateUpperBound = prefixSuccessor(p)
	return nil
}

func (ro *ReadOptions) clone() *ReadOptions {
	c := *ro
	c.IterateLowerBound = cloneBytes(ro.IterateLowerBound)
	c.IterateUpperBound = cloneBytes(ro.IterateUpperBound)
	return &c
}

func (ro *ReadOptions) inBounds(key []byte) bool {
	if ro.IterateLowerBound != nil && bytes.Compare(key, ro.IterateLowerBound) < 0 {
		return false
	}
	if ro.IterateUpperBound != nil && bytes.Compare(key, ro.IterateUpperBound) >= 0 {
		return false
	}
	return true
}

// WriteOptions configure writes.
type WriteOptions struct {
	// Sync makes the write durable before returning.
	Sync bool

	// DisableWAL skips the write-ahead log where the engine allows it
	// per write. Pebble only supports this store-wide, see Options.DisableWAL.
	DisableWAL bool

	// NoSlowdown fails the write with ErrOperationIncomplete instead of
	// waiting while the engine stalls writes. A LowPri write with
	// NoSlowdown also fails while normal-priority writes are in flight.
	NoSlowdown bool

	// LowPri makes the write wait until no normal-priority write is in
	// flight and the engine is not stalling writes.
	LowPri bool

	// IgnoreMissingPartitions skips batch operations addressed to dropped
	// partitions instead of failing.
	IgnoreMissingPartitions bool
}

func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{}
}

// IngestOptions configure IngestExternalFile.
type IngestOptions struct {
	// MoveFiles deletes the source files after a successful ingestion.
	MoveFiles bool

	// AllowGlobalSeqNo permits ingesting files whose key range overlaps
	// existing data. When false such files are rejected.
	AllowGlobalSeqNo bool

	// IngestBehind keeps existing values for keys that are already present.
	IngestBehind bool

	// VerifyChecksums checks block checksums before ingesting.
	VerifyChecksums bool
}

func DefaultIngestOptions() *IngestOptions {
	return &IngestOptions{AllowGlobalSeqNo: true, VerifyChecksums: true}
}
