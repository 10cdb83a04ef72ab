/*
Package storemetrics exposes Prometheus collectors for the store's own
operational concerns: commit latency, page cache hit rate, chunk counts,
and bytes reclaimed by compaction. It mirrors the teacher's pkg/metrics
(global prometheus.NewGauge/NewHistogram vars registered in init, plus
an http.Handler for scraping) with every cluster-shaped metric replaced
by a store-shaped one.
*/
package storemetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mvstore_commit_duration_seconds",
			Help:    "Time to complete Store.Commit, including the chunk write and header swap",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mvstore_commits_total",
			Help: "Total commits, labeled by whether the flush was an explicit Commit or a background temp flush",
		},
		[]string{"kind"},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mvstore_compaction_duration_seconds",
			Help:    "Time to complete Store.Compact",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionBytesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mvstore_compaction_bytes_reclaimed_total",
			Help: "Bytes freed by compaction-reclaimed chunks",
		},
	)

	ChunksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mvstore_chunks_total",
			Help: "Number of chunks currently referenced by the store",
		},
	)

	CacheHitRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mvstore_cache_hit_ratio",
			Help: "Page cache hit ratio accumulated since the store was opened",
		},
	)

	StoreVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mvstore_store_version",
			Help: "The store's current (possibly uncommitted) version",
		},
	)

	OpenTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mvstore_open_transactions",
			Help: "Number of transactions currently OPEN or PREPARED",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionBytesReclaimed)
	prometheus.MustRegister(ChunksTotal)
	prometheus.MustRegister(CacheHitRatio)
	prometheus.MustRegister(StoreVersion)
	prometheus.MustRegister(OpenTransactions)
}

// Handler returns the http.Handler that serves the registered collectors
// in the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TimeCommit records d against CommitDuration and increments CommitsTotal
// for the given kind ("explicit" or "background").
func TimeCommit(kind string, d time.Duration) {
	CommitDuration.Observe(d.Seconds())
	CommitsTotal.WithLabelValues(kind).Inc()
}
