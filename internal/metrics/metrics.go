// Package metrics exposes the engine's Prometheus collectors. HTTP-level
// metrics come from the fiberprometheus middleware; these cover the
// session engine itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "periscope_sessions_active",
		Help: "Number of live browser sessions.",
	})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "periscope_sessions_reaped_total",
		Help: "Sessions closed by the TTL reaper.",
	})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "periscope_actions_total",
		Help: "Actions executed, by kind and outcome.",
	}, []string{"kind", "status"})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "periscope_frames_sent_total",
		Help: "Frames pushed to attached sockets.",
	})
)
