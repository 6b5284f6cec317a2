package kvdict

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

var testBackends = []Backend{BackendBolt, BackendPebble, BackendMemory}

func forEachBackend(t *testing.T, f func(t *testing.T, opt *Options)) {
	for _, b := range testBackends {
		t.Run(string(b), func(t *testing.T) {
			f(t, &Options{Backend: b})
		})
	}
}

func TestDB(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		d := db.Default().WithKeyKind(KindInt64)

		ok(t, d.Put(Int64(1), Text("one")))
		ok(t, d.Put(Int64(3), Text("three")))

		valueEqual(t, get(t, d, Int64(1)), Text("one"))

		v, found, err := d.Get(Int64(2))
		ok(t, err)
		if found || v.Valid() {
			t.Errorf("Get(2) = %v, %v, wanted nothing", v, found)
		}

		deepEqual(t, must(d.Contains(Int64(3))), true)
		deepEqual(t, must(d.Contains(Int64(2))), false)

		vals := must(d.MultiGet([]Value{Int64(1), Int64(2), Int64(3)}))
		deepEqual(t, len(vals), 3)
		valueEqual(t, vals[0], Text("one"))
		deepEqual(t, vals[1].Valid(), false)
		valueEqual(t, vals[2], Text("three"))

		ok(t, d.Put(Int64(1), Text("uno")))
		valueEqual(t, get(t, d, Int64(1)), Text("uno"))

		ok(t, d.Delete(Int64(1)))
		ok(t, d.Delete(Int64(42)))
		deepEqual(t, must(d.Contains(Int64(1))), false)
	})
}

func TestDB_value_kinds(t *testing.T) {
	values := []Value{
		Uint8(200),
		Uint16(60000),
		Uint32(4000000000),
		Uint64(42),
		Int8(-100),
		Int16(-30000),
		Int32(-2000000000),
		Int64(-7),
		Float64(3.14),
		Bool(true),
		Bool(false),
		Text("hello"),
		Bytes([]byte{0x00, 0xFF}),
		Opaque(map[string]any{"name": "x", "tags": []any{"a", "b"}}),
	}
	forEachBackend(t, func(t *testing.T, opt *Options) {
		d := setup(t, opt).Default()
		for i, v := range values {
			ok(t, d.Put(Uint32(uint32(i)), v))
		}
		for i, v := range values {
			a := get(t, d, Uint32(uint32(i)))
			if !a.Equal(v) {
				t.Errorf("value %d = %v (%v), wanted %v (%v)", i, a, a.Kind(), v, v.Kind())
			}
		}
	})
}

func TestDB_unsupported_key(t *testing.T) {
	d := setup(t, &Options{Backend: BackendMemory}).Default()
	isErr(t, d.Put(Opaque(1), Text("x")), ErrUnsupportedKeyType)
	isErr(t, d.Put(Value{}, Text("x")), ErrUnsupportedKeyType)
	_, _, err := d.Get(Opaque([]int{1}))
	isErr(t, err, ErrUnsupportedKeyType)
	isErr(t, d.Put(Text("k"), Value{}), ErrEngine)
}

func TestDB_close(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		opt.IsTesting = true
		db := must(Open(t.TempDir(), opt, ReadWrite()))
		d := db.Default()
		ok(t, d.Put(Text("a"), Int64(1)))

		c := must(d.Iter(nil))
		snap := must(d.Snapshot())
		p := must(db.CreatePartition("extra", nil))

		ok(t, db.Close())
		ok(t, db.Close())
		deepEqual(t, db.IsClosed(), true)

		isErr(t, d.Put(Text("a"), Int64(2)), ErrHandleClosed)
		_, _, err := d.Get(Text("a"))
		isErr(t, err, ErrHandleClosed)
		_, err = d.Iter(nil)
		isErr(t, err, ErrHandleClosed)
		isErr(t, p.Dict().Put(Text("a"), Int64(1)), ErrHandleClosed)
		_, err = db.CreatePartition("more", nil)
		isErr(t, err, ErrHandleClosed)
		_, err = db.GetPartition(DefaultPartition)
		isErr(t, err, ErrHandleClosed)
		_, err = db.ListPartitions()
		isErr(t, err, ErrHandleClosed)
		isErr(t, db.Flush(true), ErrHandleClosed)
		isErr(t, db.Write(db.NewWriteBatch(), nil), ErrHandleClosed)

		c.SeekToFirst()
		deepEqual(t, c.Valid(), false)
		isErr(t, c.Err(), ErrHandleClosed)
		_, _, err = snap.Get(Text("a"))
		isErr(t, err, ErrHandleClosed)

		ok(t, c.Close())
		ok(t, c.Close())
		ok(t, snap.Close())
		deepEqual(t, db.DescribeOpenCursors(), "NO OPEN CURSORS")
	})
}

func TestDB_implicit_close(t *testing.T) {
	opt := &Options{Backend: BackendBolt, IsTesting: true}
	dir := t.TempDir()
	db := must(Open(dir, opt, ReadWrite()))
	ok(t, db.Default().Put(Text("a"), Int64(1)))

	db.h.closeImplicitly()
	deepEqual(t, db.IsClosed(), true)

	db = must(Open(dir, opt, ReadWrite()))
	defer db.Close()
	valueEqual(t, get(t, db.Default(), Text("a")), Int64(1))
}

func TestDB_reopen(t *testing.T) {
	for _, b := range []Backend{BackendBolt, BackendPebble} {
		t.Run(string(b), func(t *testing.T) {
			dir := t.TempDir()
			opt := &Options{Backend: b, IsTesting: true}

			db := must(Open(dir, opt, ReadWrite()))
			p := must(db.CreatePartition("users", nil))
			ok(t, db.Default().Put(Text("a"), Int64(1)))
			ok(t, p.Dict().Put(Text("b"), Int64(2)))
			ok(t, db.Close())

			saved := must(LoadStoreOptions(dir))
			isnonnil(t, saved)
			deepEqual(t, saved.Backend, b)

			db = must(Open(dir, saved, ReadWrite()))
			defer db.Close()
			deepEqual(t, must(db.ListPartitions()), []string{DefaultPartition, "users"})
			valueEqual(t, get(t, db.Default(), Text("a")), Int64(1))
			valueEqual(t, get(t, must(db.GetPartition("users")).Dict(), Text("b")), Int64(2))
		})
	}
}

func TestDB_reopen_mem_env(t *testing.T) {
	env := NewMemEnv()
	opt := &Options{Backend: BackendPebble, Env: env, IsTesting: true}

	db := must(Open("store", opt, ReadWrite()))
	ok(t, db.Default().Put(Int64(5), Int64(25)))
	ok(t, db.Close())

	db = must(Open("store", opt, ReadWrite()))
	valueEqual(t, get(t, db.Default(), Int64(5)), Int64(25))
	ok(t, db.Close())

	ok(t, Destroy("store", opt))
	strict := *opt
	strict.ErrorIfNotExists = true
	_, err := Open("store", &strict, ReadWrite())
	isErr(t, err, ErrEngineOpen)
}

func TestDB_read_only(t *testing.T) {
	for _, b := range []Backend{BackendBolt, BackendPebble} {
		t.Run(string(b), func(t *testing.T) {
			dir := t.TempDir()
			opt := &Options{Backend: b, IsTesting: true}

			db := must(Open(dir, opt, ReadWrite()))
			ok(t, db.Default().Put(Text("a"), Int64(1)))
			ok(t, db.Close())

			db = must(Open(dir, opt, ReadOnly()))
			defer db.Close()
			d := db.Default()
			valueEqual(t, get(t, d, Text("a")), Int64(1))
			isErr(t, d.Put(Text("b"), Int64(2)), ErrEngine)
			isErr(t, d.Delete(Text("a")), ErrEngine)
			_, err := db.CreatePartition("x", nil)
			isErr(t, err, ErrEngine)
			ok(t, db.Flush(true))
			deepEqual(t, db.Mode().String(), "ro")
		})
	}
}

func TestDB_open_errors(t *testing.T) {
	tests := []struct {
		name string
		opt  *Options
		mode OpenMode
	}{
		{"unknown backend", &Options{Backend: "foo"}, ReadWrite()},
		{"cache without pebble", &Options{Backend: BackendBolt, Cache: NewCache(1 << 20)}, ReadWrite()},
		{"env without pebble", &Options{Backend: BackendBolt, Env: NewMemEnv()}, ReadWrite()},
		{"lz4 with pebble", &Options{Backend: BackendPebble, Compression: LZ4}, ReadWrite()},
		{"fill percent", &Options{Backend: BackendBolt, FillPercent: 2}, ReadWrite()},
		{"prefix extractor", &Options{PrefixExtractor: &SliceTransform{Type: "weird"}}, ReadWrite()},
		{"negative ttl", nil, WithTTL(-1)},
		{"empty partition name", nil, OpenMode{Partitions: map[string]*Options{"": nil}}},
		{"missing store", &Options{Backend: BackendBolt, ErrorIfNotExists: true}, ReadWrite()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.opt != nil && tt.opt.Cache != nil {
				defer tt.opt.Cache.Close()
			}
			_, err := Open(filepath.Join(t.TempDir(), "db"), tt.opt, tt.mode)
			isErr(t, err, ErrEngineOpen)
		})
	}
}

func TestDB_error_if_exists(t *testing.T) {
	dir := t.TempDir()
	opt := &Options{Backend: BackendBolt, IsTesting: true}
	ok(t, must(Open(dir, opt, ReadWrite())).Close())

	opt.ErrorIfExists = true
	_, err := Open(dir, opt, ReadWrite())
	isErr(t, err, ErrEngineOpen)
}

func TestDB_declared_partitions(t *testing.T) {
	dir := t.TempDir()
	opt := &Options{Backend: BackendBolt, IsTesting: true}
	mode := ReadWrite()
	mode.Partitions = map[string]*Options{"a": nil, "b": {FillPercent: 0.9}}

	db := must(Open(dir, opt, mode))
	deepEqual(t, must(db.ListPartitions()), []string{"a", "b", DefaultPartition})
	ok(t, db.Close())

	mode = ReadOnly()
	mode.Partitions = map[string]*Options{"c": nil}
	_, err := Open(dir, opt, mode)
	isErr(t, err, ErrEngineOpen)
	isErr(t, err, ErrPartitionNotFound)
}

func TestDB_partitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		users := must(db.CreatePartition("users", nil))
		posts := must(db.CreatePartition("posts", nil))
		du, dp := users.Dict(), posts.Dict()

		ok(t, du.Put(Text("k"), Text("user")))
		ok(t, dp.Put(Text("k"), Text("post")))
		valueEqual(t, get(t, du, Text("k")), Text("user"))
		valueEqual(t, get(t, dp, Text("k")), Text("post"))
		deepEqual(t, get(t, db.Default(), Text("k")).Valid(), false)

		deepEqual(t, must(db.ListPartitions()), []string{DefaultPartition, "posts", "users"})
		deepEqual(t, users.Name(), "users")
		deepEqual(t, du.Name(), "users")

		_, err := db.CreatePartition("users", nil)
		isErr(t, err, ErrPartitionExists)
		_, err = db.CreatePartition("", nil)
		isErr(t, err, ErrEngine)
		_, err = db.GetPartition("nope")
		isErr(t, err, ErrPartitionNotFound)

		ok(t, db.DropPartition("users"))
		_, _, err = du.Get(Text("k"))
		isErr(t, err, ErrPartitionNotFound)
		isErr(t, du.Put(Text("k"), Text("again")), ErrPartitionNotFound)
		_, err = du.Iter(nil)
		isErr(t, err, ErrPartitionNotFound)
		isErr(t, db.DropPartition("users"), ErrPartitionNotFound)
		isErr(t, db.DropPartition(DefaultPartition), ErrEngine)
		valueEqual(t, get(t, dp, Text("k")), Text("post"))

		users2 := must(db.CreatePartition("users", nil))
		deepEqual(t, get(t, users2.Dict(), Text("k")).Valid(), false)
		isErr(t, du.Put(Text("k"), Text("stale")), ErrPartitionNotFound)

		fresh := must(db.GetPartition("users"))
		ok(t, fresh.Dict().Put(Text("k"), Text("new")))
		valueEqual(t, get(t, users2.Dict(), Text("k")), Text("new"))
	})
}

func TestDB_write_batch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		p := must(db.CreatePartition("other", nil))
		d, od := db.Default(), p.Dict()
		ok(t, d.Put(Text("gone"), Int64(0)))
		ok(t, od.Put(Text("y"), Int64(0)))

		b := db.NewWriteBatch()
		ok(t, b.Put(Text("a"), Int64(1)))
		ok(t, b.PutIn(p, Text("a"), Int64(2)))
		ok(t, b.Delete(Text("gone")))
		ok(t, b.DeleteRange(p, Text("x"), Text("z")))
		deepEqual(t, b.Len(), 4)

		entries := b.Entries()
		deepEqual(t, entries[1].Partition, "other")
		deepEqual(t, entries[1].Op, OpPut)
		deepEqual(t, entries[1].Key, []byte("a"))
		deepEqual(t, entries[3].Op.String(), "delete_range")
		deepEqual(t, entries[3].End, []byte("z"))

		ok(t, db.Write(b, nil))
		valueEqual(t, get(t, d, Text("a")), Int64(1))
		valueEqual(t, get(t, od, Text("a")), Int64(2))
		deepEqual(t, must(d.Contains(Text("gone"))), false)
		deepEqual(t, must(od.Contains(Text("y"))), false)

		b.Clear()
		deepEqual(t, b.Len(), 0)

		ok(t, db.DropPartition("other"))
		ok(t, b.PutIn(p, Text("a"), Int64(3)))
		ok(t, b.Put(Text("b"), Int64(3)))
		isErr(t, db.Write(b, nil), ErrPartitionNotFound)
		deepEqual(t, must(d.Contains(Text("b"))), false)

		ok(t, db.Write(b, &WriteOptions{IgnoreMissingPartitions: true}))
		valueEqual(t, get(t, d, Text("b")), Int64(3))
	})
}

func TestDict_delete_range(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		d := setup(t, opt).Default().WithKeyKind(KindInt64)
		for i := range 10 {
			ok(t, d.Put(Int64(int64(i)), Int64(int64(i))))
		}

		ok(t, d.DeleteRange(Int64(3), Int64(6)))
		deepEqual(t, collectKeys(t, d.Keys(IterOptions{})), []string{"0", "1", "2", "6", "7", "8", "9"})

		ok(t, d.DeleteRange(Int64(8), Value{}))
		ok(t, d.DeleteRange(Int64(5), Int64(2)))
		ok(t, d.DeleteRange(Value{}, Int64(1)))
		deepEqual(t, collectKeys(t, d.Keys(IterOptions{})), []string{"1", "2", "6", "7"})
	})
}

func TestDict_flush_and_compact(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		d := db.Default().WithKeyKind(KindInt64)
		for i := range 100 {
			ok(t, d.Put(Int64(int64(i)), Text(strings.Repeat("x", 100))))
		}
		ok(t, d.Flush(true))
		ok(t, db.Flush(false))
		ok(t, d.CompactRange(Value{}, Value{}))
		ok(t, d.CompactRange(Int64(10), Int64(20)))
		deepEqual(t, len(collectKeys(t, d.Keys(IterOptions{}))), 100)
	})
}

func TestDestroy(t *testing.T) {
	dir := t.TempDir()
	opt := &Options{Backend: BackendBolt, IsTesting: true}
	db := must(Open(dir, opt, ReadWrite()))
	isErr(t, Destroy(dir, opt), ErrEngine)
	ok(t, db.Close())

	ok(t, Destroy(dir, opt))
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("%s still exists after Destroy: %v", dir, err)
	}
	ok(t, Destroy(dir, &Options{Backend: BackendMemory}))
}

func setup(t testing.TB, opt *Options) *DB {
	return setupMode(t, opt, ReadWrite())
}

func setupMode(t testing.TB, opt *Options, mode OpenMode) *DB {
	t.Helper()
	if opt == nil {
		opt = DefaultOptions()
	}
	opt.IsTesting = true

	dir := t.TempDir()
	t.Logf("DB: %s (%s)", dir, opt.Backend)

	db := must(Open(dir, opt, mode))
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func get(t testing.TB, d *Dict, key Value) Value {
	t.Helper()
	v, _, err := d.Get(key)
	ok(t, err)
	return v
}

func collect(t testing.TB, seq *Sequence) []string {
	t.Helper()
	var out []string
	for k, v := range seq.All() {
		out = append(out, k.String()+"="+v.String())
	}
	ok(t, seq.Err())
	return out
}

func collectKeys(t testing.TB, seq *Sequence) []string {
	t.Helper()
	var out []string
	for k := range seq.Keys() {
		out = append(out, k.String())
	}
	ok(t, seq.Err())
	return out
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
	}
}

func isErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func valueEqual(t testing.TB, a, e Value) {
	if !a.Equal(e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}
