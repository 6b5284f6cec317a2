//go:build !linux

package mmap

import "os"

func syncData(f *os.File) error {
	return f.Sync()
}
