// Package correlation propagates the correlation identifier that links
// all telemetry emitted by one logical operation.
//
// The identifier rides on context.Context, which is Go's flow-scoped
// carrier: each logical call chain sees its own value, concurrent sibling
// chains are isolated by construction, and nested scopes restore exactly
// because an inner scope derives a new context while the caller keeps its
// own. There is no shared slot and no lock anywhere on this path.
//
// Resolution order when entering a scope without an explicit identifier:
//  1. the active distributed-trace identifier, if a valid span is in the
//     context, so telemetry and traces correlate for free;
//  2. otherwise a freshly generated random 128-bit identifier.
//
// Usage:
//
//	ctx, id := correlation.Enter(ctx)
//	logger.Info("processing", map[string]interface{}{"correlation_id": id})
//
// Crossing a pool or queue boundary:
//
//	carry := correlation.Bind(ctx)
//	pool.Submit(func() {
//	    ctx := carry(context.Background())
//	    // same correlation id as the submitting chain
//	})
package correlation

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// ID is an opaque correlation identifier. The zero value means "unset".
type ID string

// ctxKey is the private context key for the correlation slot.
type ctxKey struct{}

// Internal counters for the health surface.
var (
	generated atomic.Int64 // fresh identifiers minted
	adopted   atomic.Int64 // identifiers adopted from the active trace
	reused    atomic.Int64 // scopes that kept an outer identifier
)

// FromContext returns the correlation identifier active in ctx, if any.
func FromContext(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok && id != ""
}

// EnterOption configures Enter.
type EnterOption func(*enterConfig)

type enterConfig struct {
	explicit ID
	reuse    bool
}

// WithID installs an explicit identifier instead of deriving one.
func WithID(id ID) EnterOption {
	return func(c *enterConfig) { c.explicit = id }
}

// ReuseExisting keeps an identifier inherited from an outer scope instead
// of installing a new one. Without this option a new scope always
// installs a value of its own.
func ReuseExisting() EnterOption {
	return func(c *enterConfig) { c.reuse = true }
}

// Enter installs a correlation identifier and returns the derived context
// plus the identifier now active. The caller's own context is untouched:
// dropping the derived context restores the previous identifier (which
// may be "unset") exactly, on every exit path.
func Enter(ctx context.Context, opts ...EnterOption) (context.Context, ID) {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg enterConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.reuse {
		if id, ok := FromContext(ctx); ok {
			reused.Add(1)
			return ctx, id
		}
	}

	id := cfg.explicit
	if id == "" {
		if traceID, ok := activeTraceID(ctx); ok {
			id = traceID
			adopted.Add(1)
		} else {
			id = newID()
			generated.Add(1)
		}
	}
	return context.WithValue(ctx, ctxKey{}, id), id
}

// activeTraceID returns the distributed-trace identifier when a valid,
// non-noop span is present in the context.
func activeTraceID(ctx context.Context) (ID, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return "", false
	}
	return ID(sc.TraceID().String()), true
}

// newID mints a random 128-bit identifier.
func newID() ID {
	return ID(uuid.NewString())
}

// Bind captures the identifier active in ctx and returns a function that
// installs it on another context. Use when handing work to a goroutine
// pool or queue whose workers start from their own base context: the
// submitted work then shares the submitting chain's identifier while the
// worker's cancellation and deadlines stay its own.
//
// If ctx carries no identifier the returned function is the identity.
func Bind(ctx context.Context) func(context.Context) context.Context {
	id, ok := FromContext(ctx)
	if !ok {
		return func(target context.Context) context.Context { return target }
	}
	return func(target context.Context) context.Context {
		if target == nil {
			target = context.Background()
		}
		return context.WithValue(target, ctxKey{}, id)
	}
}

// Stats reports propagation activity for the health surface.
type Stats struct {
	Generated int64 `json:"generated"`
	Adopted   int64 `json:"adopted_from_trace"`
	Reused    int64 `json:"reused"`
}

// GetStats returns propagation counters.
func GetStats() Stats {
	return Stats{
		Generated: generated.Load(),
		Adopted:   adopted.Load(),
		Reused:    reused.Load(),
	}
}

// ResetStats resets propagation counters (useful for testing).
func ResetStats() {
	generated.Store(0)
	adopted.Store(0)
	reused.Store(0)
}
