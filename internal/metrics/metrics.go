// Package metrics exports a Controller's Stats as Prometheus counters,
// modeled on the Desc/MustNewConstMetric collector pattern in
// talyz-systemd_exporter's systemd.Collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yxymit/banshee/internal/controller"
)

const namespace = "banshee_mc"

// StatsSource is implemented by *controller.Controller.
type StatsSource interface {
	Stats() controller.Stats
}

// Collector adapts a Controller's counters to the prometheus.Collector
// interface so they can be registered with any Prometheus registry.
type Collector struct {
	src   StatsSource
	name  string
	descs map[string]*prometheus.Desc
}

// NewCollector builds a Collector labeling its series with name (the
// controller instance name, e.g. "mem-0").
func NewCollector(src StatsSource, name string) *Collector {
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", metric), help, nil, prometheus.Labels{"controller": name})
	}
	return &Collector{
		src:  src,
		name: name,
		descs: map[string]*prometheus.Desc{
			"placement_total":        desc("placement_total", "Number of near-memory placements"),
			"clean_eviction_total":   desc("clean_eviction_total", "Number of clean evictions"),
			"dirty_eviction_total":   desc("dirty_eviction_total", "Number of dirty evictions"),
			"load_hit_total":         desc("load_hit_total", "Number of load hits"),
			"load_miss_total":        desc("load_miss_total", "Number of load misses"),
			"store_hit_total":        desc("store_hit_total", "Number of store hits"),
			"store_miss_total":       desc("store_miss_total", "Number of store misses"),
			"counter_access_total":   desc("counter_access_total", "Number of FBR counter accesses"),
			"tag_load_total":         desc("tag_load_total", "Number of tag loads"),
			"tag_store_total":        desc("tag_store_total", "Number of tag stores"),
			"tag_buffer_flush_total": desc("tag_buffer_flush_total", "Number of tag buffer flushes"),
			"tb_dirty_hit_total":     desc("tb_dirty_hit_total", "Tag buffer hits on LLC dirty eviction"),
			"tb_dirty_miss_total":    desc("tb_dirty_miss_total", "Tag buffer misses on LLC dirty eviction"),
			"touched_lines_total":    desc("touched_lines_total", "Total touched lines in footprint-tracking schemes"),
			"evicted_lines_total":    desc("evicted_lines_total", "Total evicted lines in footprint-tracking schemes"),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	emit := func(metric string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[metric], prometheus.CounterValue, float64(v))
	}
	emit("placement_total", s.NumPlacement)
	emit("clean_eviction_total", s.NumCleanEviction)
	emit("dirty_eviction_total", s.NumDirtyEviction)
	emit("load_hit_total", s.NumLoadHit)
	emit("load_miss_total", s.NumLoadMiss)
	emit("store_hit_total", s.NumStoreHit)
	emit("store_miss_total", s.NumStoreMiss)
	emit("counter_access_total", s.NumCounterAccess)
	emit("tag_load_total", s.NumTagLoad)
	emit("tag_store_total", s.NumTagStore)
	emit("tag_buffer_flush_total", s.NumTagBufferFlush)
	emit("tb_dirty_hit_total", s.NumTBDirtyHit)
	emit("tb_dirty_miss_total", s.NumTBDirtyMiss)
	emit("touched_lines_total", s.NumTouchedLines)
	emit("evicted_lines_total", s.NumEvictedLines)
}
