package mmap

import (
	"math"
	"os"
)

// MaxSize is the largest region Mmap accepts: 256 TiB where int is 64 bits
// wide, math.MaxInt elsewhere.
const MaxSize = min(1<<48-1, math.MaxInt)

// SyncData makes the contents of a file written through f durable. It skips
// metadata such as modification times where the platform allows it.
//
// A failed sync leaves the file in an unknown state: the kernel may already
// have dropped the dirty pages. Callers must treat the file as lost.
func SyncData(f *os.File) error {
	return syncData(f)
}
