// Package metrics exports ring buffer counters to prometheus.
package metrics

import (
	"strconv"

	"github.com/jayanthvn/pure-tracebuf/pkg/logger"
	"github.com/jayanthvn/pure-tracebuf/pkg/tracebuf"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logger.Get()

const DefaultNamespace = "tracebuf"

// StatsSource is implemented by *tracebuf.RingBuffer.
type StatsSource interface {
	AllStats() []tracebuf.Stats
	SizeBytes() uint64
}

// Collector reads a StatsSource on every scrape.
type Collector struct {
	src StatsSource

	entriesDesc       *prometheus.Desc
	overrunDesc       *prometheus.Desc
	droppedDesc       *prometheus.Desc
	commitOverrunDesc *prometheus.Desc
	abnormalDesc      *prometheus.Desc
	pagesDesc         *prometheus.Desc
	disabledDesc      *prometheus.Desc
	sizeDesc          *prometheus.Desc
}

func NewCollector(namespace string, src StatsSource) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	cpu := []string{"cpu"}
	return &Collector{
		src: src,
		entriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "entries"),
			"Unread events in the per-CPU buffer",
			cpu, nil,
		),
		overrunDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "overrun_events_total"),
			"Events lost to overwrite",
			cpu, nil,
		),
		droppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_events_total"),
			"Reservations refused because the buffer was full",
			cpu, nil,
		),
		commitOverrunDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "commit_overrun_total"),
			"Reservations refused because the writer lapped uncommitted data",
			cpu, nil,
		),
		abnormalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "abnormal_total"),
			"Internal consistency failures",
			cpu, nil,
		),
		pagesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pages"),
			"Pages in the per-CPU ring",
			cpu, nil,
		),
		disabledDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "disabled"),
			"1 when recording is disabled on the CPU",
			cpu, nil,
		),
		sizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "size_bytes"),
			"Configured per-CPU buffer size",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entriesDesc
	ch <- c.overrunDesc
	ch <- c.droppedDesc
	ch <- c.commitOverrunDesc
	ch <- c.abnormalDesc
	ch <- c.pagesDesc
	ch <- c.disabledDesc
	ch <- c.sizeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.sizeDesc, prometheus.GaugeValue, float64(c.src.SizeBytes()))
	for _, st := range c.src.AllStats() {
		cpu := strconv.Itoa(st.CPU)
		ch <- prometheus.MustNewConstMetric(c.entriesDesc, prometheus.GaugeValue, float64(st.Entries), cpu)
		ch <- prometheus.MustNewConstMetric(c.overrunDesc, prometheus.CounterValue, float64(st.Overrun), cpu)
		ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(st.Dropped), cpu)
		ch <- prometheus.MustNewConstMetric(c.commitOverrunDesc, prometheus.CounterValue, float64(st.CommitOverrun), cpu)
		ch <- prometheus.MustNewConstMetric(c.abnormalDesc, prometheus.CounterValue, float64(st.Abnormal), cpu)
		ch <- prometheus.MustNewConstMetric(c.pagesDesc, prometheus.GaugeValue, float64(st.Pages), cpu)
		disabled := 0.0
		if st.Disabled {
			disabled = 1
		}
		ch <- prometheus.MustNewConstMetric(c.disabledDesc, prometheus.GaugeValue, disabled, cpu)
	}
}
