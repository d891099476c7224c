package browser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHandlesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserrelay",
		Subsystem: "browser",
		Name:      "handles_open",
		Help:      "Number of open browser handles.",
	})
	metricOpenFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserrelay",
		Subsystem: "browser",
		Name:      "open_failures_total",
		Help:      "Browser handle allocations that failed, by reason.",
	}, []string{"reason"})
	metricOpenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "browserrelay",
		Subsystem: "browser",
		Name:      "open_seconds",
		Help:      "Time to open a browser handle.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	metricCaptureLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "browserrelay",
		Subsystem: "browser",
		Name:      "capture_seconds",
		Help:      "Time spent capturing a single frame.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	metricCaptureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserrelay",
		Subsystem: "browser",
		Name:      "capture_failures_total",
		Help:      "Frame captures that returned an error.",
	})
	metricActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserrelay",
		Subsystem: "browser",
		Name:      "actions_total",
		Help:      "Dispatched browser actions by type and outcome.",
	}, []string{"type", "outcome"})
)
