package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// RetrieveBuckets for change-retrieval round trips
	RetrieveBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// SlotWaitBuckets for teardown waits on an active slot
	SlotWaitBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// PublishBuckets for sink publish latency
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Change source metrics
var (
	// MessagesTotal counts raw messages retrieved, by source mode
	MessagesTotal CounterVec = noopCounterVec{}

	// PayloadBytesTotal counts payload bytes retrieved, by source mode
	PayloadBytesTotal CounterVec = noopCounterVec{}

	// RetrieveDurationSeconds measures retrieval round-trip latency by mode
	RetrieveDurationSeconds HistogramVec = noopHistogramVec{}

	// RetrieveErrorsTotal counts failed retrieval calls by mode
	RetrieveErrorsTotal CounterVec = noopCounterVec{}

	// StreamTimeoutsTotal counts walsender receive timeouts
	StreamTimeoutsTotal Counter = NoopStat{}

	// KeepalivesTotal counts primary keepalive messages consumed
	KeepalivesTotal Counter = NoopStat{}
)

// Slot lifecycle metrics
var (
	// SlotOpsTotal counts slot operations by op (create, drop) and result
	SlotOpsTotal CounterVec = noopCounterVec{}

	// SlotDropWaitSeconds measures how long teardown waited for the slot
	SlotDropWaitSeconds Histogram = NoopStat{}
)

// Decoder metrics
var (
	// EventsDecodedTotal counts decoded change events by operation
	EventsDecodedTotal CounterVec = noopCounterVec{}

	// DecodeErrorsTotal counts payloads the decoder rejected
	DecodeErrorsTotal Counter = NoopStat{}
)

// Publisher metrics
var (
	// SpoolAppendsTotal counts events appended to the spool
	SpoolAppendsTotal Counter = NoopStat{}

	// SpoolDepth tracks events buffered ahead of the slowest sink
	SpoolDepth Gauge = NoopStat{}

	// PublishTotal counts publish attempts by sink and result
	PublishTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures publish latency by sink
	PublishDurationSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists; InitializeTelemetry does both.
func InitMetrics() {
	MessagesTotal = NewCounterVec(
		"messages_total",
		"Raw messages retrieved by source mode",
		[]string{"mode"},
	)
	PayloadBytesTotal = NewCounterVec(
		"payload_bytes_total",
		"Payload bytes retrieved by source mode",
		[]string{"mode"},
	)
	RetrieveDurationSeconds = NewHistogramVec(
		"retrieve_duration_seconds",
		"Change retrieval round-trip duration",
		[]string{"mode"},
		RetrieveBuckets,
	)
	RetrieveErrorsTotal = NewCounterVec(
		"retrieve_errors_total",
		"Failed change retrieval calls by source mode",
		[]string{"mode"},
	)
	StreamTimeoutsTotal = NewCounter(
		"stream_timeouts_total",
		"Walsender receive timeouts",
	)
	KeepalivesTotal = NewCounter(
		"keepalives_total",
		"Primary keepalive messages consumed",
	)

	SlotOpsTotal = NewCounterVec(
		"slot_ops_total",
		"Replication slot operations by op and result",
		[]string{"op", "result"},
	)
	SlotDropWaitSeconds = NewHistogram(
		"slot_drop_wait_seconds",
		"Time spent waiting for the slot to go idle on teardown",
		SlotWaitBuckets,
	)

	EventsDecodedTotal = NewCounterVec(
		"events_decoded_total",
		"Decoded change events by operation",
		[]string{"op"},
	)
	DecodeErrorsTotal = NewCounter(
		"decode_errors_total",
		"Payloads the decoder rejected",
	)

	SpoolAppendsTotal = NewCounter(
		"spool_appends_total",
		"Events appended to the publish spool",
	)
	SpoolDepth = NewGauge(
		"spool_depth",
		"Events buffered ahead of the slowest sink",
	)
	PublishTotal = NewCounterVec(
		"publish_total",
		"Publish attempts by sink and result",
		[]string{"sink", "result"},
	)
	PublishDurationSeconds = NewHistogramVec(
		"publish_duration_seconds",
		"Sink publish latency",
		[]string{"sink"},
		PublishBuckets,
	)
}
