package vad

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_frames_total",
		Help: "Total audio frames classified",
	})

	metricPaddedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_padded_frames_total",
		Help: "Trailing partial frames zero-padded to full length",
	})

	metricSpeechStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_speech_starts_total",
		Help: "Total confirmed speech start events",
	})

	metricSpeechEnds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_speech_ends_total",
		Help: "Total confirmed speech end events",
	})

	metricSegmentSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vad_segment_duration_seconds",
		Help:    "Duration of closed speech segments",
		Buckets: prometheus.ExponentialBuckets(0.25, 1.8, 10),
	})
)
