package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livequiz"

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions held in memory that are not finished.",
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Finished sessions by reason.",
	}, []string{"reason"})

	roundsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_finalized_total",
		Help:      "Finalized rounds by trigger (deadline, reveal, end, recovery).",
	}, []string{"trigger"})

	answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Submitted answers by outcome reason.",
	}, []string{"reason"})

	answerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "answer_latency_seconds",
		Help:      "Latency of accepted answers since the round started.",
		Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
	})

	questionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "question_fallbacks_total",
		Help:      "Rounds that started with a fallback question because the supplier failed.",
	})

	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Snapshot writes that failed after all retries and were queued again.",
	}, []string{"store"})

	persistPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "persist_pending",
		Help:      "Sessions with a snapshot not yet durably written.",
	})

	anomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomalies_total",
		Help:      "Advisory anomaly alerts by kind.",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Bus events dropped because a subscriber queue was full, by event.",
	}, []string{"event"})

	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_connections",
		Help:      "Open websocket connections.",
	})
)

func SessionOpened() { sessionsActive.Inc() }

func SessionEnded(reason string) {
	sessionsActive.Dec()
	sessionsEnded.WithLabelValues(reason).Inc()
}

func RoundFinalized(trigger string) { roundsFinalized.WithLabelValues(trigger).Inc() }

// AnswerSubmitted records a submission. reason is "accepted" or the rejection reason.
func AnswerSubmitted(reason string, latencySeconds float64) {
	answers.WithLabelValues(reason).Inc()
	if reason == "accepted" {
		answerLatency.Observe(latencySeconds)
	}
}

func QuestionFallback() { questionFallbacks.Inc() }

func PersistFailed(store string) { persistFailures.WithLabelValues(store).Inc() }

func PersistPending(n int) { persistPending.Set(float64(n)) }

func AnomalyDetected(kind string) { anomalies.WithLabelValues(kind).Inc() }

func EventDropped(name string) { eventsDropped.WithLabelValues(name).Inc() }

func ConnectionOpened() { connections.Inc() }

func ConnectionClosed() { connections.Dec() }
