package scope

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/probelight/probelight/config"
	"github.com/probelight/probelight/correlation"
	"github.com/probelight/probelight/dispatch"
)

// Operation is the per-invocation record bracketing one unit of work.
//
// Lifecycle: Created→Active happens atomically inside Begin; End moves
// Active→Finalized exactly once. A second End is a no-op, not an error.
// If the owner never calls End the event is simply lost; there is no
// recovery path (documented trade-off, not a bug).
//
// Ownership: the call chain that created the operation mutates it. Tag
// and parameter attachment are not synchronized across goroutines;
// RecordError and End are safe to race, which is what the failure path
// of a fanned-out body needs.
type Operation struct {
	in   *Instrumentor
	name string

	start   time.Time
	cfg     config.Effective
	corrID  correlation.ID
	span    trace.Span
	sampled bool
	noop    bool

	// tags is the fast path: already-stringified values.
	tags map[string]string

	// deferred holds complex tag values; stringification is postponed to
	// End so it never costs the caller's hot path.
	deferred map[string]interface{}

	// params are the operation's captured parameters, applied at End
	// according to the resolved capture mode.
	params map[string]interface{}

	failed    atomic.Bool
	finalized atomic.Bool

	// errMu guards fingerprints: a fanned-out body may record errors from
	// several goroutines while another calls End.
	errMu        sync.Mutex
	fingerprints []string
}

func newOperation(in *Instrumentor, name string, cfg config.Effective, corrID correlation.ID, span trace.Span, sampled bool) *Operation {
	tags := make(map[string]string, len(cfg.Tags)+4)
	for k, v := range cfg.Tags {
		tags[k] = v
	}
	return &Operation{
		in:      in,
		name:    name,
		start:   time.Now(),
		cfg:     cfg,
		corrID:  corrID,
		span:    span,
		sampled: sampled,
		tags:    tags,
	}
}

// noopOperation is the placeholder returned when telemetry is disabled:
// every method works and nothing is emitted.
func noopOperation(name string) *Operation {
	return &Operation{name: name, noop: true}
}

// Name returns the operation name.
func (o *Operation) Name() string {
	if o == nil {
		return ""
	}
	return o.name
}

// CorrelationID returns the identifier installed for this operation.
func (o *Operation) CorrelationID() correlation.ID {
	if o == nil {
		return ""
	}
	return o.corrID
}

// Sampled reports whether the operation was sampled into tracing.
func (o *Operation) Sampled() bool {
	return o != nil && o.sampled
}

// SetTag attaches an already-stringified tag. This is the fast path for
// primitive values.
func (o *Operation) SetTag(key, value string) {
	if o == nil || o.noop || o.finalized.Load() {
		return
	}
	o.tags[key] = value
}

// SetTagValue attaches a complex value whose stringification is deferred
// to finalization, keeping the caller's path cheap.
func (o *Operation) SetTagValue(key string, value interface{}) {
	if o == nil || o.noop || o.finalized.Load() {
		return
	}
	switch v := value.(type) {
	case string:
		o.tags[key] = v
	case bool:
		if v {
			o.tags[key] = "true"
		} else {
			o.tags[key] = "false"
		}
	default:
		if o.deferred == nil {
			o.deferred = make(map[string]interface{}, 4)
		}
		o.deferred[key] = value
	}
}

// SetParameters records the operation's input parameters. How much of
// them reaches the emitted event is governed by the resolved capture
// mode: none, names only, names and values, or full.
func (o *Operation) SetParameters(params map[string]interface{}) {
	if o == nil || o.noop || o.finalized.Load() {
		return
	}
	if o.params == nil {
		o.params = make(map[string]interface{}, len(params))
	}
	for k, v := range params {
		o.params[k] = v
	}
}

// RecordError marks the operation failed and feeds the error to the
// exception aggregator (when the resolved configuration records
// exceptions). The error is returned to the caller's control flow
// untouched; this layer never swallows or alters application failures.
func (o *Operation) RecordError(err error) {
	if o == nil || err == nil || o.noop || o.finalized.Load() {
		return
	}
	o.failed.Store(true)

	if o.span != nil {
		o.span.RecordError(err)
	}
	if o.cfg.RecordExceptions && o.in != nil {
		if g := o.in.aggregator.Record(err); g != nil {
			o.errMu.Lock()
			o.fingerprints = append(o.fingerprints, g.Fingerprint())
			o.errMu.Unlock()
		}
	}
}

// Fail is RecordError that hands the error back, for use in return
// statements:
//
//	return op.Fail(err)
func (o *Operation) Fail(err error) error {
	o.RecordError(err)
	return err
}

// Failed reports whether any error was recorded.
func (o *Operation) Failed() bool {
	return o != nil && o.failed.Load()
}

// End finalizes the operation: measures the elapsed duration, determines
// success, applies the capture mode, closes the span, and hands one event
// to the background queue. Call it exactly once, normally via defer;
// extra calls are no-ops.
func (o *Operation) End() {
	if o == nil || !o.finalized.CompareAndSwap(false, true) {
		return
	}
	if o.noop {
		return
	}

	duration := time.Since(o.start)
	success := !o.failed.Load()
	slow := o.cfg.Timeout > 0 && duration > o.cfg.Timeout

	o.applyDeferredTags()
	o.applyCaptureMode()

	// A RecordError that raced past the finalized check may still be
	// appending; take the same lock before reading the list.
	o.errMu.Lock()
	fingerprints := o.fingerprints
	o.errMu.Unlock()

	event := dispatch.Event{
		Name:              o.name,
		Start:             o.start,
		Duration:          duration,
		Success:           success,
		Slow:              slow,
		CorrelationID:     string(o.corrID),
		Tags:              o.tags,
		ErrorFingerprints: fingerprints,
	}

	if o.span != nil {
		sc := o.span.SpanContext()
		if sc.IsValid() {
			event.TraceID = sc.TraceID().String()
			event.SpanID = sc.SpanID().String()
		}
		if !success {
			o.span.SetStatus(codes.Error, "operation failed")
		}
		if slow {
			o.span.SetAttributes(attribute.Bool("probelight.slow", true))
		}
		o.span.SetAttributes(
			attribute.String("probelight.correlation_id", string(o.corrID)),
			attribute.Float64("probelight.duration_ms", float64(duration.Milliseconds())),
		)
		o.span.End()
	}

	// Ownership of the event transfers to the queue here. Enqueue never
	// blocks; under sustained overload the oldest event is dropped and
	// counted instead.
	o.in.queue.TryEnqueue(event)

	o.in.completed.Add(1)
	if !success {
		o.in.failed.Add(1)
	}
}

// applyDeferredTags stringifies complex tag values at finalization time.
func (o *Operation) applyDeferredTags() {
	for k, v := range o.deferred {
		o.tags[k] = fmt.Sprintf("%v", v)
	}
	o.deferred = nil
}

// applyCaptureMode folds captured parameters into the tag set according
// to the resolved capture mode.
func (o *Operation) applyCaptureMode() {
	if len(o.params) == 0 || o.cfg.Capture == config.CaptureNone {
		return
	}
	switch o.cfg.Capture {
	case config.CaptureNames:
		for k := range o.params {
			o.tags["param."+k] = ""
		}
	case config.CaptureNamesAndValues, config.CaptureFull:
		// Full capture additionally descends into nested values; %+v
		// renders struct fields, which covers one level of nesting.
		verb := "%v"
		if o.cfg.Capture == config.CaptureFull {
			verb = "%+v"
		}
		for k, v := range o.params {
			o.tags["param."+k] = fmt.Sprintf(verb, v)
		}
	}
}
