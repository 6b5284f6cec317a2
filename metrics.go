package kvdict

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "kvdict"

type collector struct {
	db *DB

	reads       *prometheus.Desc
	writes      *prometheus.Desc
	ingested    *prometheus.Desc
	openCursors *prometheus.Desc
	pending     *prometheus.Desc
	stalled     *prometheus.Desc
	diskSize    *prometheus.Desc
	keys        *prometheus.Desc
}

// NewCollector exports the store's counters. Register it with a
// prometheus.Registerer; a closed store exports nothing.
func NewCollector(db *DB) prometheus.Collector {
	labels := prometheus.Labels{"path": db.h.path}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, variable, labels)
	}
	return &collector{
		db:          db,
		reads:       desc("reads_total", "Count of point reads and cursor moves"),
		writes:      desc("writes_total", "Count of committed writes"),
		ingested:    desc("ingested_entries_total", "Count of entries loaded from external files"),
		openCursors: desc("open_cursors", "Number of cursors and snapshots not yet closed"),
		pending:     desc("pending_writers", "Number of writes in flight or waiting for admission"),
		stalled:     desc("write_stalled", "1 while the engine stalls writes"),
		diskSize:    desc("disk_size_bytes", "Size of the store on disk"),
		keys:        desc("keys", "Number of stored entries", "partition"),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reads
	ch <- c.writes
	ch <- c.ingested
	ch <- c.openCursors
	ch <- c.pending
	ch <- c.stalled
	ch <- c.diskSize
	ch <- c.keys
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.db.Stats()
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(st.Reads))
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(st.Writes))
	ch <- prometheus.MustNewConstMetric(c.ingested, prometheus.CounterValue, float64(st.Ingested))
	ch <- prometheus.MustNewConstMetric(c.openCursors, prometheus.GaugeValue, float64(st.OpenCursors))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.PendingWriters))
	var stalled float64
	if st.WriteStalled {
		stalled = 1
	}
	ch <- prometheus.MustNewConstMetric(c.stalled, prometheus.GaugeValue, stalled)
	ch <- prometheus.MustNewConstMetric(c.diskSize, prometheus.GaugeValue, float64(st.DiskSize))
	for _, ps := range st.Partitions {
		if ps.Keys >= 0 {
			ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(ps.Keys), ps.Name)
		}
	}
}
