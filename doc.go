/*
Package probelight is the instrumentation core of an enterprise telemetry
library: for every unit of application work it decides whether and how
much to instrument, propagates a correlation identifier across
asynchronous boundaries, deduplicates and rate-tracks exceptions, and
hands expensive processing to a non-blocking background pipeline.

Architecture Overview:

The library is composed of four independent leaves and one orchestrator:

 1. config: hierarchical configuration resolution across source ranks
    (built-in defaults, code registration, file, live runtime) and
    specificity levels (global, namespace, type, method, call).
 2. correlation: flow-scoped correlation identifier propagation over
    context.Context.
 3. faults: exception fingerprinting, grouping, and time-windowed rate
    statistics.
 4. dispatch: bounded drop-oldest queue decoupling capture from
    export.
 5. scope: the per-operation lifecycle tying the four together.

This root package is the convenience surface: a process-wide instance
behind Initialize/Shutdown, an HTTP middleware, a health snapshot, and
an OpenTelemetry-backed event consumer.

Thread Safety:

All public functions are safe for concurrent use. The synchronous
capture path (resolution via a pre-merged cache read, correlation
read/write, the sampling draw, tag attachment, exception-group
increment, and enqueue) is lock-free, built on atomic counters,
compare-and-swap, and copy-on-write snapshots rather than mutexes.

Design Principles:

 1. Fail-Safe - Telemetry failures never crash the application; they
    degrade to reduced fidelity (dropped events, stale configuration).
 2. Fail-Fast on Misuse - Invalid configuration values and empty
    operation names are rejected loudly, never silently coerced.
 3. Zero-Config - Works with sensible defaults out of the box.
 4. Best-Effort Delivery - Under sustained overload the oldest queued
    events are dropped and counted; producers are never blocked.

Usage:

Initialize once in main:

	if err := probelight.Initialize(
	    probelight.WithServiceName("orders"),
	    probelight.WithEndpoint("otel-collector:4317"),
	); err != nil {
	    log.Fatal(err)
	}
	defer probelight.Shutdown(context.Background())

Then bracket units of work from anywhere:

	ctx, op, err := probelight.Begin(ctx, "orders.submit")
	if err != nil {
	    return err
	}
	defer op.End()

	op.SetTag("customer_tier", tier)
	if err := process(ctx); err != nil {
	    return op.Fail(err)
	}
*/
package probelight
