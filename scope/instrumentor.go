// Package scope ties configuration resolution, correlation propagation,
// exception aggregation, and background dispatch together into the
// per-operation lifecycle.
//
// One Operation brackets one unit of application work:
//
//	ctx, op, err := inst.Begin(ctx, "orders.submit",
//	    scope.ForMethod("MyApp.Orders.Processor", "Submit"))
//	if err != nil {
//	    return err // caller misuse: invalid name or per-call override
//	}
//	defer op.End()
//
//	op.SetTag("customer_tier", "gold")
//	if err := process(ctx); err != nil {
//	    return op.Fail(err) // records, marks failed, returns err unchanged
//	}
//
// Begin resolves the effective configuration, draws the sampling
// decision, installs a correlation identifier on the returned context,
// and opens a trace span when sampled in. End measures the duration and
// hands one event to the background queue; the expensive work happens off
// the caller's thread. The whole synchronous path is lock-free.
package scope

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/probelight/probelight/config"
	"github.com/probelight/probelight/correlation"
	"github.com/probelight/probelight/dispatch"
	"github.com/probelight/probelight/faults"
	"github.com/probelight/probelight/logging"
)

// ErrEmptyName rejects Begin calls without an operation name.
var ErrEmptyName = fmt.Errorf("operation name must not be empty")

// Instrumentor composes the four subsystems and mints operations. It is
// an explicit, owned instance: construct one and share it, or use the
// process-wide wrapper in the probelight root package, which delegates
// here.
type Instrumentor struct {
	resolver   *config.Resolver
	aggregator *faults.Aggregator
	queue      *dispatch.Queue
	tracer     trace.Tracer
	logger     logging.Logger

	// enabled gates the whole subsystem; when false Begin returns a
	// no-op operation and nothing is emitted.
	enabled atomic.Bool

	started    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	sampledOut atomic.Int64
}

// Dependencies carries the collaborators an Instrumentor composes.
// Resolver, Aggregator, and Queue are required; Tracer may be nil when
// distributed tracing is not wired.
type Dependencies struct {
	Resolver   *config.Resolver
	Aggregator *faults.Aggregator
	Queue      *dispatch.Queue
	Tracer     trace.Tracer
	Logger     logging.Logger
}

// NewInstrumentor creates an enabled instrumentor from its dependencies.
func NewInstrumentor(deps Dependencies) (*Instrumentor, error) {
	if deps.Resolver == nil {
		return nil, fmt.Errorf("scope.NewInstrumentor: resolver is required")
	}
	if deps.Aggregator == nil {
		return nil, fmt.Errorf("scope.NewInstrumentor: aggregator is required")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("scope.NewInstrumentor: queue is required")
	}
	in := &Instrumentor{
		resolver:   deps.Resolver,
		aggregator: deps.Aggregator,
		queue:      deps.Queue,
		tracer:     deps.Tracer,
		logger:     logging.OrNop(deps.Logger),
	}
	in.enabled.Store(true)
	return in, nil
}

// SetEnabled flips the global gate. Disabling does not affect operations
// already in flight; they finalize normally.
func (in *Instrumentor) SetEnabled(enabled bool) {
	in.enabled.Store(enabled)
}

// Enabled reports whether instrumentation is globally on.
func (in *Instrumentor) Enabled() bool {
	return in.enabled.Load()
}

// Resolver exposes the configuration resolver for collaborator wiring
// (file sources, runtime sources, registration).
func (in *Instrumentor) Resolver() *config.Resolver {
	return in.resolver
}

// Aggregator exposes the exception aggregator for health collaborators.
func (in *Instrumentor) Aggregator() *faults.Aggregator {
	return in.aggregator
}

// Queue exposes the dispatch queue for shutdown wiring.
func (in *Instrumentor) Queue() *dispatch.Queue {
	return in.queue
}

// BeginOption configures one Begin call.
type BeginOption func(*beginConfig)

type beginConfig struct {
	targetType    string
	method        string
	override      *config.OperationConfig
	correlationID correlation.ID
	reuseID       bool
}

// ForType resolves configuration against a dotted type name, picking up
// namespace and type-level overrides.
func ForType(typeName string) BeginOption {
	return func(c *beginConfig) { c.targetType = typeName }
}

// ForMethod resolves configuration against a type and method, picking up
// namespace, type, and method-level overrides.
func ForMethod(typeName, method string) BeginOption {
	return func(c *beginConfig) {
		c.targetType = typeName
		c.method = method
	}
}

// WithOverride merges a per-call override on top of every other layer.
// It is validated before use; out-of-range values reject the Begin call.
func WithOverride(cfg config.OperationConfig) BeginOption {
	return func(c *beginConfig) { c.override = &cfg }
}

// WithCorrelationID installs an explicit correlation identifier instead
// of deriving one.
func WithCorrelationID(id correlation.ID) BeginOption {
	return func(c *beginConfig) { c.correlationID = id }
}

// ReuseCorrelation keeps a correlation identifier inherited from an outer
// scope instead of installing a new one.
func ReuseCorrelation() BeginOption {
	return func(c *beginConfig) { c.reuseID = true }
}

// Begin starts an operation. The returned context carries the operation's
// correlation identifier (and trace span when sampled) and must be used
// for the operation body. The error path is caller misuse only: an empty
// name or an invalid per-call override. Subsystem trouble never surfaces
// here; a disabled or misbehaving pipeline yields a no-op operation.
func (in *Instrumentor) Begin(ctx context.Context, name string, opts ...BeginOption) (context.Context, *Operation, error) {
	if strings.TrimSpace(name) == "" {
		return ctx, nil, ErrEmptyName
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg beginConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	eff, err := in.resolver.Resolve(cfg.targetType, cfg.method, cfg.override)
	if err != nil {
		// Invalid per-call override: caller misuse, fail fast.
		return ctx, nil, err
	}

	if !in.enabled.Load() || !eff.Enabled {
		return ctx, noopOperation(name), nil
	}

	sampled := shouldSample(eff.SamplingRate)
	if !sampled {
		in.sampledOut.Add(1)
	}

	var enterOpts []correlation.EnterOption
	if cfg.correlationID != "" {
		enterOpts = append(enterOpts, correlation.WithID(cfg.correlationID))
	}
	if cfg.reuseID {
		enterOpts = append(enterOpts, correlation.ReuseExisting())
	}
	ctx, corrID := correlation.Enter(ctx, enterOpts...)

	var span trace.Span
	if sampled && in.tracer != nil {
		ctx, span = in.tracer.Start(ctx, name)
	}

	in.started.Add(1)
	return ctx, newOperation(in, name, eff, corrID, span, sampled), nil
}

// Stats reports lifecycle counters for the health surface.
type Stats struct {
	Started    int64 `json:"started"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	SampledOut int64 `json:"sampled_out"`
}

// Stats returns lifecycle counters.
func (in *Instrumentor) Stats() Stats {
	return Stats{
		Started:    in.started.Load(),
		Completed:  in.completed.Load(),
		Failed:     in.failed.Load(),
		SampledOut: in.sampledOut.Load(),
	}
}
