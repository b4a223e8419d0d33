package protoo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protoo_connections",
		Help: "Live protoo sessions",
	})

	metricRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protoo_rejected_connections_total",
		Help: "Connections closed for requesting the wrong path",
	})

	metricMessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protoo_messages_received_total",
		Help: "Inbound messages by kind",
	}, []string{"kind"})

	metricMessagesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protoo_messages_sent_total",
		Help: "Outbound messages by kind",
	}, []string{"kind"})

	metricRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protoo_request_errors_total",
		Help: "Error responses sent by code",
	}, []string{"code"})

	metricTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protoo_request_timeouts_total",
		Help: "Outbound requests that got no response in time",
	})
)
