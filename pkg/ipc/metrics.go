package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserrelay",
		Subsystem: "http",
		Name:      "session_websockets",
		Help:      "Session websockets currently open.",
	})
	metricAttachRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserrelay",
		Subsystem: "http",
		Name:      "attach_refused_total",
		Help:      "Websocket attachments refused, by error code.",
	}, []string{"code"})
	metricSessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserrelay",
		Subsystem: "http",
		Name:      "session_creates_total",
		Help:      "Session create requests, by outcome.",
	}, []string{"outcome"})
)
