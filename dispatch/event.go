package dispatch

import (
	"context"
	"time"
)

// Event is an owned snapshot of one completed operation. The producing
// scope hands ownership to the queue on enqueue; the consumer is the only
// reader afterwards, so no field needs synchronization.
type Event struct {
	// Name is the operation name, e.g. "orders.submit".
	Name string

	// Start is when the operation began.
	Start time.Time

	// Duration is the measured wall time of the operation.
	Duration time.Duration

	// Success is false if any exception was recorded on the scope.
	Success bool

	// Slow is true when Duration exceeded the resolved timeout threshold.
	Slow bool

	// CorrelationID links this event to everything else the same logical
	// operation emitted.
	CorrelationID string

	// TraceID and SpanID tie the event to the distributed trace when the
	// operation was sampled into tracing.
	TraceID string
	SpanID  string

	// Tags are the operation's resolved tags plus anything attached
	// during the operation body.
	Tags map[string]string

	// ErrorFingerprints identifies the exception groups recorded on this
	// operation, if any.
	ErrorFingerprints []string
}

// Consumer receives completed events off the producer's call path and
// performs the expensive work: serialization, forwarding to metric and
// trace backends. Implementations run on the queue's consumer goroutine
// and may block; a returned error is counted and logged but never
// propagated back to producers.
type Consumer interface {
	Consume(ctx context.Context, event Event) error
}
