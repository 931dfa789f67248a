// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveSessions tracks sessions in a non-terminal state.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelcoral_stream_sessions_live",
		Help: "Transcoding sessions currently in a non-terminal state.",
	})

	// AdmissionRejects counts starts refused at the concurrency ceiling.
	AdmissionRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelcoral_stream_admission_rejects_total",
		Help: "Session starts rejected because the max_sessions ceiling was reached.",
	})

	// StartupFailures counts sessions whose encoder never produced output.
	StartupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelcoral_stream_startup_failures_total",
		Help: "Sessions that failed before producing their first segment.",
	})

	// RuntimeFailures counts encoders that died mid-stream.
	RuntimeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelcoral_stream_runtime_failures_total",
		Help: "Sessions whose encoder exited unexpectedly after becoming active.",
	})

	// SegmentsServed counts segment files delivered to players.
	SegmentsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelcoral_stream_segments_served_total",
		Help: "HLS segment files served across all sessions.",
	})

	// SessionsStarted counts successful session launches by profile.
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelcoral_stream_sessions_started_total",
		Help: "Sessions successfully launched, by profile.",
	}, []string{"profile"})
)
