package kvdict

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

type DumpFlags uint64

const (
	DumpPartitionHeaders = DumpFlags(1 << iota)
	DumpEntries
	DumpStats
	DumpExpired

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump writes a human-readable listing of the given partitions (all if none
// are named) as of a single snapshot.
func (db *DB) Dump(w io.Writer, f DumpFlags, partitions ...string) error {
	h := db.h
	if err := h.enter("dump", ""); err != nil {
		return err
	}
	defer h.leave()

	if len(partitions) == 0 {
		partitions = h.partitionNames()
	}
	var es storageStats
	if f.Contains(DumpStats) {
		var err error
		es, err = h.eng.Stats(true)
		if err != nil {
			return wrapErr("dump", "", nil, err)
		}
	}

	snap, err := h.eng.Snapshot()
	if err != nil {
		return wrapErr("dump", "", nil, err)
	}
	defer snap.Close()

	for _, name := range partitions {
		if err := h.dumpPartition(w, snap, f, name, es); err != nil {
			return wrapErr("dump", name, nil, err)
		}
	}
	return nil
}

func (h *handle) dumpPartition(w io.Writer, snap storageSnapshot, f DumpFlags, name string, es storageStats) error {
	if f.Contains(DumpPartitionHeaders) {
		fmt.Fprintln(w, dumpSep1)
		if n, ok := es.Keys[name]; ok {
			fmt.Fprintf(w, "%s (%d entries)\n", name, n)
		} else {
			fmt.Fprintln(w, name)
		}
	}
	if !f.Contains(DumpEntries) {
		return nil
	}
	if f.Contains(DumpStats) {
		fmt.Fprintln(w, dumpSep2)
	}

	c, err := snap.Cursor(name)
	if err != nil {
		return err
	}
	defer c.Close()
	var pos int
	for k, v := c.First(); k != nil; k, v = c.Next() {
		payload, live, err := h.unwrap(v)
		if err == nil && !live {
			if !f.Contains(DumpExpired) {
				continue
			}
			payload, _, _ = splitTTLStamp(v)
		}
		pos++
		h.dumpEntry(w, name, pos, k, payload, live, err)
	}
	return nil
}

func (h *handle) dumpEntry(w io.Writer, prefix string, pos int, k, v []byte, live bool, err error) {
	var val string
	if err == nil {
		var decoded Value
		decoded, err = DecodeValue(v, h.ser)
		val = decoded.String()
	}
	if err != nil {
		fmt.Fprintf(w, "%s.%d: %s ** ERROR: %v\n", prefix, pos, keyString(k), err)
		return
	}
	if !live {
		val += " (expired)"
	}
	fmt.Fprintf(w, "%s.%d: %s = %s\n", prefix, pos, keyString(k), val)
}

// keyString renders printable keys quoted and everything else as hex.
func keyString(k []byte) string {
	if len(k) > 0 && utf8.Valid(k) && isPrintable(k) {
		return strconv.Quote(string(k))
	}
	return hexstr(k)
}

func isPrintable(b []byte) bool {
	for _, r := range string(b) {
		if !strconv.IsPrint(r) {
			return false
		}
	}
	return true
}
