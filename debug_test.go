package kvdict

import (
	"bytes"
	"strings"
	"testing"
)

func TestDump(t *testing.T) {
	db := setup(t, &Options{Backend: BackendMemory})
	d := db.Default()
	ok(t, d.Put(Text("a"), Int64(1)))
	ok(t, d.Put(Int64(1), Text("one")))
	must(db.CreatePartition("p", nil))

	var buf bytes.Buffer
	ok(t, db.Dump(&buf, DumpAll))
	e := strings.Join([]string{
		strings.Repeat("=", 80),
		"default (2 entries)",
		strings.Repeat("-", 60),
		`default.1: "a" = 1`,
		`default.2: 8000000000000001 = "one"`,
		strings.Repeat("=", 80),
		"p (0 entries)",
		strings.Repeat("-", 60),
		"",
	}, "\n")
	deepEqual(t, buf.String(), e)

	buf.Reset()
	ok(t, db.Dump(&buf, DumpPartitionHeaders, "p"))
	deepEqual(t, buf.String(), strings.Repeat("=", 80)+"\np\n")

	buf.Reset()
	ok(t, db.Dump(&buf, DumpEntries, DefaultPartition))
	deepEqual(t, buf.String(), "default.1: \"a\" = 1\ndefault.2: 8000000000000001 = \"one\"\n")

	deepEqual(t, DumpAll.Contains(DumpExpired), true)
	deepEqual(t, DumpEntries.Contains(DumpEntries|DumpStats), false)
}

func TestDump_corrupt_entry(t *testing.T) {
	db := setup(t, &Options{Backend: BackendMemory})
	ok(t, db.h.eng.Write([]storageOp{{kind: opPut, part: DefaultPartition, key: []byte("bad"), value: x("04 01")}}, DefaultWriteOptions()))

	var buf bytes.Buffer
	ok(t, db.Dump(&buf, DumpEntries))
	if !strings.HasPrefix(buf.String(), `default.1: "bad" ** ERROR: `) {
		t.Errorf("Dump = %q", buf.String())
	}
}

func TestStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opt *Options) {
		db := setup(t, opt)
		d := db.Default()
		for i := range int64(3) {
			ok(t, d.Put(Int64(i), Bool(true)))
		}
		must(db.CreatePartition("p", nil))

		st := must(db.Stats())
		deepEqual(t, st.Writes, uint64(3))
		deepEqual(t, len(st.Partitions), 2)
		deepEqual(t, st.Partitions[0].Name, DefaultPartition)
		if opt.Backend != BackendMemory {
			deepEqual(t, st.Partitions[0].Keys, -1)
			deepEqual(t, st.TotalKeys(), -1)
		} else {
			deepEqual(t, st.Partitions[0].Keys, 3)
			deepEqual(t, st.TotalKeys(), 3)
		}
		deepEqual(t, db.Size(), st.DiskSize)
		if !strings.Contains(st.String(), `"Writes":3`) {
			t.Errorf("Stats.String() = %s", st.String())
		}
	})
}
