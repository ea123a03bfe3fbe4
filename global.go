package probelight

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/probelight/probelight/dispatch"
	"github.com/probelight/probelight/scope"
)

var (
	// globalCore holds the process-wide instance. atomic.Value gives
	// lock-free reads on the hot path (Begin); it is written once during
	// Initialize and cleared during Shutdown.
	globalCore atomic.Value // *Core

	// initOnce ensures Initialize can only succeed once per process.
	initOnce sync.Once
)

// Initialize activates the process-wide instrumentation core. Call it
// once from main before any Begin; later calls are no-ops returning the
// first call's result. For applications that need several independent
// pipelines, construct Cores with New instead.
func Initialize(opts ...Option) error {
	var initErr error
	initOnce.Do(func() {
		core, err := New(opts...)
		if err != nil {
			initErr = err
			return
		}
		globalCore.Store(core)
	})
	return initErr
}

// Default returns the process-wide core, or nil before Initialize and
// after Shutdown.
func Default() *Core {
	c, _ := globalCore.Load().(*Core)
	return c
}

// Begin starts an operation on the process-wide core. Before Initialize
// it returns a no-op operation and a nil error, so instrumentation calls
// never break application code that runs ahead of setup.
func Begin(ctx context.Context, name string, opts ...scope.BeginOption) (context.Context, *scope.Operation, error) {
	c := Default()
	if c == nil {
		if ctx == nil {
			ctx = context.Background()
		}
		return ctx, nil, nil
	}
	return c.Begin(ctx, name, opts...)
}

// Shutdown drains and stops the process-wide core. Begin becomes a
// no-op afterwards. Safe to call without a prior Initialize.
func Shutdown(ctx context.Context) (dispatch.DrainResult, error) {
	c := Default()
	if c == nil {
		return dispatch.DrainResult{Completed: true}, nil
	}
	globalCore.Store((*Core)(nil))
	return c.Shutdown(ctx)
}
