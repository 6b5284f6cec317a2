// Package mmap maps files into memory for reading.
package mmap

import (
	"errors"
	"fmt"
	"os"
)

type Options uint

const (
	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << iota

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Maps to MADV_RANDOM on Unix.
	RandomAccess

	// Prefault loads the entire file eagerly. Maps to MAP_POPULATE on Linux.
	Prefault
)

var ErrEmpty = errors.New("mmap: cannot map an empty region")

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Mmap maps size bytes of f starting at offset, which must be a multiple of
// os.Getpagesize(). The mapping is read-only.
func Mmap(f *os.File, offset int64, size int, opt Options) ([]byte, error) {
	if size <= 0 {
		return nil, ErrEmpty
	}
	if int64(size) > MaxSize {
		return nil, fmt.Errorf("mmap: %d bytes exceeds the maximum mapping size", size)
	}
	if offset%int64(os.Getpagesize()) != 0 {
		return nil, errors.New("mmap: offset must be page-aligned")
	}
	return mmap(f, offset, size, opt)
}

// Munmap unmaps a slice returned by Mmap.
func Munmap(b []byte) error {
	return munmap(b)
}
