// Package metrics holds the Prometheus collectors shared by the fleet services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet"

var (
	// CheckIns counts device check-ins by outcome (new, swap, noop, race).
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkins_total",
		Help:      "Device check-ins processed, by outcome.",
	}, []string{"outcome"})

	// IdentityChanges holds the time of the latest identity change by kind
	// (alias_created, swap).
	IdentityChanges = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "identity_last_change_timestamp_seconds",
		Help:      "Unix time of the most recent identity change, by kind.",
	}, []string{"change"})

	// IdentityCache counts resolver cache lookups by result (hit, miss).
	IdentityCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identity_cache_lookups_total",
		Help:      "Identity resolution cache lookups, by result.",
	}, []string{"result"})

	// Merges counts admin identity merges by outcome.
	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identity_merges_total",
		Help:      "Admin identity merges, by outcome.",
	}, []string{"outcome"})

	// MergeQueryDuration observes merged history queries by record type.
	MergeQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "merge_query_duration_seconds",
		Help:      "Latency of merged multi-device history queries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"record"})

	// MergeQueryShards observes how many device ids a merged query fanned out to.
	MergeQueryShards = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "merge_query_shards",
		Help:      "Number of device ids queried per merged history query.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
	})

	// MapMatches counts map-matching calls by outcome.
	MapMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "map_match_requests_total",
		Help:      "Map-matching requests, by outcome.",
	}, []string{"outcome"})

	// PointsDeleted counts location points removed with their journeys.
	PointsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "journey_points_deleted_total",
		Help:      "Location points deleted together with their journey.",
	})

	// IngestEvents counts events received from the ingestion subject by result.
	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_events_total",
		Help:      "Ingestion events received, by result.",
	}, []string{"result"})
)
