// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connection, queue, and pairing counts, counters for
// message and moderation throughput, and histograms for matchmaking latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedSessions tracks the current number of live sessions.
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stranger_connected_sessions",
		Help: "Current number of connected sessions",
	})

	// QueueLength tracks the current number of sessions waiting for a match.
	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stranger_match_queue_length",
		Help: "Current number of sessions in the waiting queue",
	})

	// ActivePairs tracks the current number of chatting pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stranger_active_pairs",
		Help: "Current number of active chat pairs",
	})

	// MatchLatency records the time from match request to pairing.
	MatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stranger_match_latency_seconds",
		Help:    "Time from match request to pairing",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 30, 60},
	})

	// MessagesTotal counts relayed and blocked messages, labeled by
	// outcome: "sent" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stranger_messages_total",
		Help: "Total messages processed",
	}, []string{"outcome"}) // outcome = "sent", "blocked"

	// ViolationsTotal counts recorded moderation violations, labeled by
	// severity ("1", "2", "3").
	ViolationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stranger_violations_total",
		Help: "Total moderation violations recorded",
	}, []string{"severity"})

	// BansTotal counts bans applied, labeled by source: "filter",
	// "reports", or "escalation".
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stranger_bans_total",
		Help: "Total bans applied",
	}, []string{"source"})

	// AdmissionRejections counts refused connections, labeled by reason:
	// "rate_limited", "banned", "range_blocked", "country_blocked",
	// "challenge_failed".
	AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stranger_admission_rejections_total",
		Help: "Connections refused before a session was created",
	}, []string{"reason"})

	// ScorerBreakerState reports the toxicity scorer breaker state:
	// 0=closed, 1=half-open, 2=open.
	ScorerBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stranger_scorer_breaker_state",
		Help: "Toxicity scorer circuit breaker state (0=closed, 1=half-open, 2=open)",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectedSessions,
		QueueLength,
		ActivePairs,
		MatchLatency,
		MessagesTotal,
		ViolationsTotal,
		BansTotal,
		AdmissionRejections,
		ScorerBreakerState,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
