package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsHas(t *testing.T) {
	var o Options = SequentialAccess | Prefault
	if !o.Has(Prefault) || o.Has(RandomAccess) {
		t.Fatalf("Options.Has returned unexpected results for %v", o)
	}
}

func TestMmapReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	content := make([]byte, 4096)
	content[0] = 0x42
	content[4095] = 0x24
	ensure(os.WriteFile(path, content, 0o666))

	f := must(os.Open(path))
	defer f.Close()

	for _, opt := range []Options{0, SequentialAccess, RandomAccess | Prefault} {
		b, err := Mmap(f, 0, len(content), opt)
		if err != nil {
			t.Fatalf("Mmap(%v): %v", opt, err)
		}
		if len(b) != len(content) || b[0] != 0x42 || b[4095] != 0x24 {
			t.Fatalf("Mmap(%v) returned unexpected contents", opt)
		}
		if err := Munmap(b); err != nil {
			t.Fatalf("Munmap: %v", err)
		}
	}
}

func TestMmap_RejectsBadArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	ensure(os.WriteFile(path, []byte("x"), 0o666))
	f := must(os.Open(path))
	defer f.Close()

	if _, err := Mmap(f, 0, 0, 0); err != ErrEmpty {
		t.Fatalf("Mmap(size=0) = %v, wanted ErrEmpty", err)
	}
	if _, err := Mmap(f, 1, 1, 0); err == nil {
		t.Fatalf("Mmap(offset=1) succeeded")
	}
}

func TestSyncData(t *testing.T) {
	f := must(os.Create(filepath.Join(t.TempDir(), "data")))
	defer f.Close()
	must(f.Write([]byte("hello")))
	if err := SyncData(f); err != nil {
		t.Fatalf("SyncData: %v", err)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
