// Package metrics exposes Prometheus collectors for LifePipe.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifepipe_deliveries_total",
			Help: "Delivery attempts by channel, category and outcome",
		},
		[]string{"channel", "category", "status"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifepipe_retry_attempts_total",
			Help: "Retry queue redelivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifepipe_dead_letters_total",
			Help: "Messages dropped after exhausting retries",
		},
		[]string{"channel"},
	)

	retryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lifepipe_retry_queue_depth",
			Help: "Messages currently waiting for retry",
		},
	)

	flowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifepipe_flow_transitions_total",
			Help: "Conversation flow transitions by flow type and resulting status",
		},
		[]string{"flow_type", "status"},
	)

	inboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifepipe_inbound_messages_total",
			Help: "Inbound replies by channel and route",
		},
		[]string{"channel", "route"},
	)

	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lifepipe_scheduler_tick_duration_seconds",
			Help:    "Scheduler tick latency",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)
)

// RecordDelivery counts one logical delivery attempt.
func RecordDelivery(channel, category, status string) {
	deliveriesTotal.WithLabelValues(channel, category, status).Inc()
}

// RecordRetryAttempt counts one retry attempt.
func RecordRetryAttempt(channel, result string) {
	retryAttemptsTotal.WithLabelValues(channel, result).Inc()
}

// RecordDeadLetter counts a dead-lettered message.
func RecordDeadLetter(channel string) {
	deadLettersTotal.WithLabelValues(channel).Inc()
}

// SetRetryQueueDepth records the retry queue length.
func SetRetryQueueDepth(n int) {
	retryQueueDepth.Set(float64(n))
}

// RecordFlowTransition counts a flow status change.
func RecordFlowTransition(flowType, status string) {
	flowTransitionsTotal.WithLabelValues(flowType, status).Inc()
}

// RecordInbound counts an inbound reply and where it was routed.
func RecordInbound(channel, route string) {
	inboundTotal.WithLabelValues(channel, route).Inc()
}

// ObserveTick records the duration of one scheduler tick.
func ObserveTick(d time.Duration) {
	schedulerTickDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
