// Package metrics exposes RASC counters and histograms to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracker
	CommandsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "tracker",
		Name:      "commands_total",
		Help:      "Total in-flight states created by service calls",
	}, []string{"service"})

	Responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "tracker",
		Name:      "responses_total",
		Help:      "Total rasc_response events fired",
	}, []string{"type", "service"})

	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "tracker",
		Name:      "timeouts_total",
		Help:      "Total in-flight states evicted after the failure timeout",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rasc",
		Subsystem: "tracker",
		Name:      "in_flight",
		Help:      "Entities currently tracked",
	})

	PhaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rasc",
		Subsystem: "tracker",
		Name:      "phase_latency_seconds",
		Help:      "Observed latency from dispatch to start, and from start to complete",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"type"})

	// Polling
	Polls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Total entity state polls",
	})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "poller",
		Name:      "errors_total",
		Help:      "Total failed entity state polls",
	})

	DetectorPlans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "poller",
		Name:      "detector_plans_total",
		Help:      "Poll schedules requested, by whether they were solved or cached",
	}, []string{"result"})

	// History
	HistoryAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "history",
		Name:      "appends_total",
		Help:      "Total latency samples appended",
	}, []string{"type"})

	HistorySaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "history",
		Name:      "saves_total",
		Help:      "Total history store writes",
	})

	HistorySaveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rasc",
		Subsystem: "history",
		Name:      "save_errors_total",
		Help:      "Total failed history store writes",
	})
)
