// Package observability provides Prometheus metrics instrumentation for the conversation engine.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detection results recorded by RecordIntentDetection besides matching types.
const (
	DetectionNone  = "none"
	DetectionError = "error"
)

// latencyBuckets cover the per-utterance budget of a voice turn.
var latencyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// =============================================================================
// INTENT METRICS
// =============================================================================

var (
	intentDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callflow_intent_detections_total",
			Help: "Total number of intent detections",
		},
		[]string{"agent", "result"}, // result: regex, keyword, semantic, none, error
	)

	intentDetectionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callflow_intent_detection_duration_seconds",
			Help:    "Intent detection duration in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"agent"},
	)
)

// =============================================================================
// ROUTING METRICS
// =============================================================================

var (
	routingDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callflow_routing_dispatch_total",
			Help: "Total number of routed utterances",
		},
		[]string{"action", "fallback"},
	)

	routingDispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callflow_routing_dispatch_duration_seconds",
			Help:    "Dispatch duration in seconds, detection included",
			Buckets: latencyBuckets,
		},
		[]string{"action"},
	)

	routingHandlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callflow_routing_handler_errors_total",
			Help: "Routing handlers that failed or panicked",
		},
		[]string{"action"},
	)
)

// =============================================================================
// CONTEXT METRICS
// =============================================================================

var (
	fieldsExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callflow_fields_extracted_total",
			Help: "Total number of field slots filled from caller speech",
		},
		[]string{"data_type"},
	)

	activeContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callflow_active_contexts",
			Help: "Conversation contexts currently held in memory",
		},
	)

	contextsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callflow_contexts_expired_total",
			Help: "Contexts removed by the TTL sweep",
		},
	)
)

// =============================================================================
// INTERRUPTION METRICS
// =============================================================================

var (
	interruptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callflow_interrupts_total",
			Help: "Total number of caller barge-ins",
		},
		[]string{"source"}, // source: direct, retell, twilio
	)

	activeInterrupts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callflow_active_interrupts",
			Help: "Calls with an active interruption event",
		},
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callflow_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callflow_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordIntentDetection records one Detect call.
// result is the matching type of the winning intent, DetectionNone or DetectionError.
func RecordIntentDetection(agent string, result string, duration time.Duration) {
	intentDetectionsTotal.WithLabelValues(agent, result).Inc()
	intentDetectionDurationSeconds.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordDispatch records one routed utterance.
func RecordDispatch(action string, fallback bool, duration time.Duration) {
	routingDispatchTotal.WithLabelValues(action, strconv.FormatBool(fallback)).Inc()
	routingDispatchDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordHandlerError records a routing handler that returned an error or panicked.
func RecordHandlerError(action string) {
	routingHandlerErrorsTotal.WithLabelValues(action).Inc()
}

// RecordFieldExtracted records a filled field slot.
func RecordFieldExtracted(dataType string) {
	fieldsExtractedTotal.WithLabelValues(dataType).Inc()
}

// SetActiveContexts sets the number of live conversation contexts.
func SetActiveContexts(n int) {
	activeContexts.Set(float64(n))
}

// RecordContextsExpired records contexts reaped by the TTL sweep.
func RecordContextsExpired(n int) {
	contextsExpiredTotal.Add(float64(n))
}

// RecordInterrupt records a caller barge-in from source.
func RecordInterrupt(source string) {
	interruptsTotal.WithLabelValues(source).Inc()
}

// SetActiveInterrupts sets the number of calls with an active interrupt.
func SetActiveInterrupts(n int) {
	activeInterrupts.Set(float64(n))
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, duration time.Duration) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}
