package shardmap

// metrics.go is a thin abstraction over Prometheus, following the teacher's
// split between a metricsSink interface and a no-op/real implementation so
// the hot path never pays for metrics it wasn't asked to collect.
//
// ┌────────────────────────────┬───────┐
// │ Metric                     │ Type  │
// ├────────────────────────────┼───────┤
// │ shardmap_inserts_total     │ Ctr   │
// │ shardmap_lookups_total     │ Ctr   │
// │ shardmap_lookup_hits_total │ Ctr   │
// │ shardmap_removes_total     │ Ctr   │
// │ shardmap_unifies_total     │ Ctr   │
// │ shardmap_rehashes_total    │ Ctr   │
// │ shardmap_reshards_total    │ Ctr   │
// │ shardmap_blocks_inuse      │ Gge   │
// └────────────────────────────┴───────┘
//
// shardmap_blocks_inuse is registered, but nothing calls setBlocksInUse,
// so the gauge stays at 0.
//
// © 2026 shardmap authors. MIT License.

import "github.com/prometheus/client_golang/prometheus"

type metricsSink interface {
	incInsert()
	incLookup(hit bool)
	incRemove()
	incUnify()
	incRehash()
	incReshard()
	setBlocksInUse(n int64)
}

type noopMetrics struct{}

func (noopMetrics) incInsert()            {}
func (noopMetrics) incLookup(bool)        {}
func (noopMetrics) incRemove()            {}
func (noopMetrics) incUnify()             {}
func (noopMetrics) incRehash()            {}
func (noopMetrics) incReshard()           {}
func (noopMetrics) setBlocksInUse(int64)  {}

type promMetrics struct {
	inserts    prometheus.Counter
	lookups    prometheus.Counter
	lookupHits prometheus.Counter
	removes    prometheus.Counter
	unifies    prometheus.Counter
	rehashes   prometheus.Counter
	reshards   prometheus.Counter
	blocksUsed prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmap", Name: "inserts_total", Help: "Number of Insert calls.",
		}),
		lookups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmap", Name: "lookups_total", Help: "Number of Lookup calls.",
		}),
		lookupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmap", Name: "lookup_hits_total", Help: "Number of Lookup calls that found a record.",
		}),
		removes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmap", Name: "removes_total", Help: "Number of Remove calls.",
		}),
		unifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmap", Name: "unifies_total", Help: "Number of Unify calls.",
		}),
		rehashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmap", Name: "rehashes_total", Help: "Number of in-place shard rehashes.",
		}),
		reshards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardmap", Name: "reshards_total", Help: "Number of reshard-and-grow steps.",
		}),
		blocksUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardmap", Name: "blocks_inuse", Help: "Record blocks currently allocated.",
		}),
	}
	reg.MustRegister(pm.inserts, pm.lookups, pm.lookupHits, pm.removes, pm.unifies, pm.rehashes, pm.reshards, pm.blocksUsed)
	return pm
}

func (pm *promMetrics) incInsert() { pm.inserts.Inc() }
func (pm *promMetrics) incLookup(hit bool) {
	pm.lookups.Inc()
	if hit {
		pm.lookupHits.Inc()
	}
}
func (pm *promMetrics) incRemove()            { pm.removes.Inc() }
func (pm *promMetrics) incUnify()             { pm.unifies.Inc() }
func (pm *promMetrics) incRehash()            { pm.rehashes.Inc() }
func (pm *promMetrics) incReshard()           { pm.reshards.Inc() }
func (pm *promMetrics) setBlocksInUse(n int64) { pm.blocksUsed.Set(float64(n)) }
