package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_starts_total",
		Help: "Worker process launches, including restarts",
	})

	metricExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_exits_total",
		Help: "Worker process exits by outcome",
	}, []string{"outcome"})

	metricKeepalives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_keepalives_total",
		Help: "Keepalive pings received from the worker",
	})

	metricRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_relayed_total",
		Help: "Messages relayed to the worker by type",
	}, []string{"type"})

	metricRelayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_relay_dropped_total",
		Help: "Messages dropped because no worker connection was known",
	}, []string{"type"})
)
