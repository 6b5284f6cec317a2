package kvdict

import "encoding/json"

type PartitionStats struct {
	Name string

	// Keys is the number of stored entries, expired ones included, or -1
	// if the engine cannot count them cheaply.
	Keys int
}

type Stats struct {
	Partitions []PartitionStats
	DiskSize   int64

	OpenCursors    int64
	PendingWriters int
	WriteStalled   bool
	Reads          uint64
	Writes         uint64
	Ingested       uint64
}

func (s *Stats) TotalKeys() int {
	var n int
	for _, ps := range s.Partitions {
		if ps.Keys < 0 {
			return -1
		}
		n += ps.Keys
	}
	return n
}

func (s *Stats) String() string {
	return string(must(json.Marshal(s)))
}

// Stats reports counters and engine statistics. Per-partition key counts
// are -1 on engines that would have to scan to count them (bolt, pebble);
// Dump with DumpStats counts exactly.
func (db *DB) Stats() (Stats, error) {
	h := db.h
	if err := h.enter("stats", ""); err != nil {
		return Stats{}, err
	}
	defer h.leave()

	es, err := h.eng.Stats(false)
	if err != nil {
		return Stats{}, wrapErr("stats", "", nil, err)
	}
	h.lastSize.Store(es.DiskSize)

	st := Stats{
		DiskSize:       es.DiskSize,
		OpenCursors:    h.ReaderCount.Load(),
		PendingWriters: h.gate.pending(),
		WriteStalled:   h.gate.isStalled(),
		Reads:          h.ReadCount.Load(),
		Writes:         h.WriteCount.Load(),
		Ingested:       h.IngestCount.Load(),
	}
	for _, name := range h.partitionNames() {
		n, ok := es.Keys[name]
		if !ok {
			n = -1
		}
		st.Partitions = append(st.Partitions, PartitionStats{Name: name, Keys: n})
	}
	return st, nil
}

// Size returns the disk size observed by the last Stats call.
func (db *DB) Size() int64 {
	return db.h.lastSize.Load()
}
