// Package metrics exposes Prometheus collectors for the tracking scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var modes = []string{"live", "moving", "idle"}

var (
	// Mode is 1 for the current mode and 0 for the others.
	Mode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracking_mode",
			Help: "Current tracking mode (1 for the active mode)",
		},
		[]string{"mode"},
	)

	ModeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_mode_transitions_total",
			Help: "Total number of mode transitions",
		},
		[]string{"from", "to"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_uploads_total",
			Help: "Total number of location uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_uploads_skipped_total",
			Help: "Total number of samples not uploaded, by reason",
		},
		[]string{"reason"},
	)

	WakeLockHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_wakelock_held",
			Help: "Whether the wake lock is currently held",
		},
	)

	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_heartbeats_total",
			Help: "Total number of idle heartbeats fired",
		},
	)

	SamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_samples_total",
			Help: "Total number of location samples received",
		},
	)
)

// SetMode records a transition and flips the mode gauge.
func SetMode(from, to string) {
	if from != "" && from != to {
		ModeTransitionsTotal.WithLabelValues(from, to).Inc()
	}
	for _, m := range modes {
		v := 0.0
		if m == to {
			v = 1
		}
		Mode.WithLabelValues(m).Set(v)
	}
}

func SetWakeLockHeld(held bool) {
	if held {
		WakeLockHeld.Set(1)
	} else {
		WakeLockHeld.Set(0)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
