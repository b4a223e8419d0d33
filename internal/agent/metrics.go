package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_sessions",
		Help: "Number of live agent sessions",
	})

	metricNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_notifications_total",
		Help: "Notifications emitted by agent sessions",
	}, []string{"type"})

	metricNotifyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_notify_errors_total",
		Help: "Notifications that failed to reach the client",
	})

	metricPipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_pipeline_errors_total",
		Help: "Segment pipeline failures by stage",
	}, []string{"stage"})

	metricRejectedAudio = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_rejected_audio_total",
		Help: "Audio submissions dropped because the session was closed",
	})

	metricLoopPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_loop_panics_total",
		Help: "Processing loops that exited on a panic",
	})

	metricASRLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_asr_latency_seconds",
		Help:    "Speech recognition latency per segment",
		Buckets: prometheus.DefBuckets,
	})

	metricLLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_llm_latency_seconds",
		Help:    "Language model latency per segment",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)
