// Package metrics exposes Prometheus metrics for roomsyncd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dokzlo13/roomsyncd/internal/eventbus"
)

var (
	// Sync metrics
	StatesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsyncd_states_applied_total",
			Help: "Total number of desired states driven to the output",
		},
		[]string{"room"},
	)

	StatesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsyncd_states_published_total",
			Help: "Total number of desired states written to the store",
		},
		[]string{"room"},
	)

	StaleDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsyncd_stale_dropped_total",
			Help: "Total number of stream entries discarded by the version comparison",
		},
		[]string{"room"},
	)

	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsyncd_decode_errors_total",
			Help: "Total number of payloads that failed to decode and were skipped",
		},
	)

	OverrideChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsyncd_override_changes_total",
			Help: "Total number of manual override edits accepted",
		},
	)

	// Connection metrics
	Disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsyncd_disconnects_total",
			Help: "Total number of lost store sessions by role",
		},
		[]string{"role"},
	)

	Connected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomsyncd_connected",
			Help: "Whether the store session is up (1 = connected) by role",
		},
		[]string{"role"},
	)

	AppliedVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomsyncd_applied_version",
			Help: "Version of the last desired state applied, per room",
		},
		[]string{"room"},
	)

	PublishedVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomsyncd_published_version",
			Help: "Version of the last desired state published, per room",
		},
		[]string{"room"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StatesApplied)
	prometheus.MustRegister(StatesPublished)
	prometheus.MustRegister(StaleDropped)
	prometheus.MustRegister(DecodeErrors)
	prometheus.MustRegister(OverrideChanges)
	prometheus.MustRegister(Disconnects)
	prometheus.MustRegister(Connected)
	prometheus.MustRegister(AppliedVersion)
	prometheus.MustRegister(PublishedVersion)
}

// Attach subscribes the metric counters to the event bus.
func Attach(bus *eventbus.Bus) {
	bus.SubscribeAll(func(event eventbus.Event) {
		switch event.Type {
		case eventbus.EventApplied:
			StatesApplied.WithLabelValues(event.RoomID).Inc()
			AppliedVersion.WithLabelValues(event.RoomID).Set(float64(event.State.Ver))
		case eventbus.EventPublished:
			StatesPublished.WithLabelValues(event.RoomID).Inc()
			PublishedVersion.WithLabelValues(event.RoomID).Set(float64(event.State.Ver))
		case eventbus.EventStaleDropped:
			StaleDropped.WithLabelValues(event.RoomID).Inc()
		case eventbus.EventDecodeError:
			DecodeErrors.Inc()
		case eventbus.EventOverride:
			OverrideChanges.Inc()
		case eventbus.EventConnection:
			if event.Up {
				Connected.WithLabelValues(event.Role).Set(1)
			} else {
				Connected.WithLabelValues(event.Role).Set(0)
				Disconnects.WithLabelValues(event.Role).Inc()
			}
		}
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
