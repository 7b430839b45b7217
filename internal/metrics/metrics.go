// Package metrics exposes pipeline counters and the operational HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Publish outcome label values.
const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the worker's counters. Duplicate suppression and no-zone
// outcomes get their own counters so the two are distinguishable from each
// other and from delivery failures.
type Metrics struct {
	DetectionsProcessed  prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	NoZoneMatches        prometheus.Counter
	BroadcastsRecorded   prometheus.Counter
	Publishes            *prometheus.CounterVec
	ReaperRemoved        prometheus.Counter

	registry *prometheus.Registry
}

// New creates the metric set on its own registry.
func New() *Metrics {
	m := &Metrics{
		DetectionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazard_detections_processed_total",
			Help: "Detection events accepted by the broadcast pipeline.",
		}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazard_duplicates_suppressed_total",
			Help: "Detection events suppressed by the dedup cache.",
		}),
		NoZoneMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazard_no_zone_matches_total",
			Help: "Detection events that matched no active geofence zone.",
		}),
		BroadcastsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "geofence_broadcasts_recorded_total",
			Help: "Broadcast summary records written.",
		}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_publishes_total",
			Help: "Publish attempts by terminal outcome.",
		}, []string{"outcome"}),
		ReaperRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analytics_cache_reaped_total",
			Help: "Expired analytics cache rows removed by the reaper.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.DetectionsProcessed,
		m.DuplicatesSuppressed,
		m.NoZoneMatches,
		m.BroadcastsRecorded,
		m.Publishes,
		m.ReaperRemoved,
	)

	return m
}

// Registry returns the backing registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
