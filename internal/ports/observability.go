package ports

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	// Label values are matched positionally against the metric's label names.
	IncCounter(name string, v float64, labels ...string)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64, labels ...string)
}

type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Metric names shared by the pipeline and the observability adapters.
const (
	MetricSamplesDecoded       = "basestation_samples_decoded_total"
	MetricFramesMalformed      = "basestation_frames_malformed_total"
	MetricFramesUnsupported    = "basestation_frames_unsupported_total"
	MetricNotificationsOverrun = "basestation_notifications_overrun_total"
	MetricSessionTransitions   = "basestation_session_transitions_total"
	MetricSessionsAbandoned    = "basestation_sessions_abandoned_total"
	MetricBufferEvictions      = "basestation_buffer_evictions_total"
	MetricBufferLength         = "basestation_buffer_length"
	MetricSamplesDelivered     = "basestation_samples_delivered_total"
	MetricBatchesRejected      = "basestation_batches_rejected_total"
	MetricDeliveryRetries      = "basestation_delivery_retries_total"
	MetricDeliveryLatency      = "basestation_delivery_latency_seconds"
	MetricRecorderBytes        = "basestation_recorder_size_bytes"
)
