// Package metrics exposes prometheus collectors for the storage engine.
// Register them with a registry via Register.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TailRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colgrove_tail_rotations_total",
		Help: "Total number of tail writable segment rotations",
	})

	Converts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colgrove_segment_converts_total",
		Help: "Total number of writable-to-readonly segment conversions",
	})

	ConvertSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "colgrove_segment_convert_seconds",
		Help:    "Duration of segment conversions",
		Buckets: prometheus.DefBuckets,
	})

	RowsConverted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colgrove_rows_converted_total",
		Help: "Rows migrated into read-only segments by convert",
	})

	Purges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colgrove_segment_purges_total",
		Help: "Total number of read-only segment purges",
	})

	PurgeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "colgrove_segment_purge_seconds",
		Help:    "Duration of segment purges",
		Buckets: prometheus.DefBuckets,
	})

	RowsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colgrove_rows_purged_total",
		Help: "Logically deleted rows reclaimed by purge",
	})

	BytesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colgrove_bytes_reclaimed_total",
		Help: "Data bytes reclaimed by purge",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TailRotations,
		Converts,
		ConvertSeconds,
		RowsConverted,
		Purges,
		PurgeSeconds,
		RowsPurged,
		BytesReclaimed,
	)
}
