package scope

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/probelight/probelight/config"
	"github.com/probelight/probelight/correlation"
	"github.com/probelight/probelight/dispatch"
	"github.com/probelight/probelight/faults"
)

// collectConsumer records every event the queue delivers.
type collectConsumer struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (c *collectConsumer) Consume(_ context.Context, event dispatch.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collectConsumer) all() []dispatch.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dispatch.Event, len(c.events))
	copy(out, c.events)
	return out
}

type harness struct {
	in       *Instrumentor
	resolver *config.Resolver
	queue    *dispatch.Queue
	consumer *collectConsumer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	consumer := &collectConsumer{}
	resolver := config.NewResolver(nil)
	queue := dispatch.NewQueue(consumer, dispatch.WithCapacity(64))
	aggregator := faults.NewAggregator(faults.WithoutCallSites())

	in, err := NewInstrumentor(Dependencies{
		Resolver:   resolver,
		Aggregator: aggregator,
		Queue:      queue,
	})
	if err != nil {
		t.Fatalf("NewInstrumentor: %v", err)
	}
	return &harness{in: in, resolver: resolver, queue: queue, consumer: consumer}
}

// drain flushes the queue and returns everything consumed so far.
func (h *harness) drain(t *testing.T) []dispatch.Event {
	t.Helper()
	result := h.queue.Drain(time.Second)
	if !result.Completed {
		t.Fatalf("queue drain incomplete: %+v", result)
	}
	return h.consumer.all()
}

func TestBeginRejectsEmptyName(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.in.Begin(context.Background(), ""); !errors.Is(err, ErrEmptyName) {
		t.Errorf("err = %v, want ErrEmptyName", err)
	}
	if _, _, err := h.in.Begin(context.Background(), "   "); !errors.Is(err, ErrEmptyName) {
		t.Errorf("whitespace name: err = %v, want ErrEmptyName", err)
	}
}

func TestBeginRejectsInvalidOverride(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.in.Begin(context.Background(), "op",
		WithOverride(config.Override().WithSamplingRate(3.0)))
	if err == nil {
		t.Fatal("invalid per-call override must fail fast")
	}
}

func TestOperationLifecycle(t *testing.T) {
	h := newHarness(t)

	ctx, op, err := h.in.Begin(context.Background(), "orders.submit")
	if err != nil {
		t.Fatal(err)
	}
	if op.Name() != "orders.submit" {
		t.Errorf("Name = %q", op.Name())
	}
	if op.CorrelationID() == "" {
		t.Error("operation must carry a correlation identifier")
	}
	if got, _ := correlation.FromContext(ctx); got != op.CorrelationID() {
		t.Error("returned context must carry the operation's identifier")
	}

	op.SetTag("customer_tier", "gold")
	op.End()

	events := h.drain(t)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Name != "orders.submit" || !e.Success || e.Slow {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.CorrelationID != string(op.CorrelationID()) {
		t.Error("event must carry the operation's correlation identifier")
	}
	if e.Tags["customer_tier"] != "gold" {
		t.Errorf("tags = %v", e.Tags)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, op, _ := h.in.Begin(context.Background(), "op")

	op.End()
	op.End()
	op.End()

	if got := len(h.drain(t)); got != 1 {
		t.Errorf("events = %d, want exactly 1 despite repeated End", got)
	}
	if stats := h.in.Stats(); stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
}

func TestFailReturnsErrorUnchanged(t *testing.T) {
	h := newHarness(t)
	_, op, _ := h.in.Begin(context.Background(), "op")

	cause := errors.New("database unavailable")
	if got := op.Fail(cause); got != cause {
		t.Error("Fail must hand the error back untouched")
	}
	if !op.Failed() {
		t.Error("operation must be marked failed")
	}
	op.End()

	events := h.drain(t)
	if events[0].Success {
		t.Error("event must record failure")
	}
	if len(events[0].ErrorFingerprints) != 1 {
		t.Errorf("fingerprints = %v, want one", events[0].ErrorFingerprints)
	}
	if g, ok := h.in.Aggregator().Group(events[0].ErrorFingerprints[0]); !ok || g.Count() != 1 {
		t.Error("recorded error must land in the aggregator")
	}
}

func TestRecordExceptionsDisabled(t *testing.T) {
	h := newHarness(t)
	if err := h.resolver.RegisterGlobal(config.Override().WithRecordExceptions(false)); err != nil {
		t.Fatal(err)
	}

	_, op, _ := h.in.Begin(context.Background(), "op")
	op.RecordError(errors.New("boom"))
	op.End()

	events := h.drain(t)
	if events[0].Success {
		t.Error("failure still marks the event unsuccessful")
	}
	if len(events[0].ErrorFingerprints) != 0 {
		t.Error("aggregation must be off when record_exceptions is false")
	}
	if h.in.Aggregator().TotalExceptions() != 0 {
		t.Error("aggregator must not have been fed")
	}
}

func TestDisabledInstrumentorYieldsNoop(t *testing.T) {
	h := newHarness(t)
	h.in.SetEnabled(false)

	ctx, op, err := h.in.Begin(context.Background(), "op")
	if err != nil {
		t.Fatal(err)
	}
	if ctx == nil {
		t.Fatal("context must always come back usable")
	}

	// Every method works; nothing is emitted.
	op.SetTag("k", "v")
	op.RecordError(errors.New("ignored"))
	_ = op.Fail(errors.New("also ignored"))
	op.End()

	if got := len(h.drain(t)); got != 0 {
		t.Errorf("disabled instrumentor emitted %d events", got)
	}
}

func TestConfigDisabledYieldsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.resolver.RegisterType("MyApp.Quiet", config.Override().WithEnabled(false)); err != nil {
		t.Fatal(err)
	}

	_, op, err := h.in.Begin(context.Background(), "quiet.op", ForType("MyApp.Quiet"))
	if err != nil {
		t.Fatal(err)
	}
	op.End()

	if got := len(h.drain(t)); got != 0 {
		t.Errorf("config-disabled operation emitted %d events", got)
	}
}

func TestSampledOutOperationStillEmits(t *testing.T) {
	h := newHarness(t)
	if err := h.resolver.RegisterGlobal(config.Override().WithSamplingRate(0.0)); err != nil {
		t.Fatal(err)
	}

	_, op, _ := h.in.Begin(context.Background(), "op")
	if op.Sampled() {
		t.Error("rate 0.0 must never sample")
	}
	op.End()

	// Sampling gates the trace span, not the event: counts and durations
	// stay complete at any rate.
	if got := len(h.drain(t)); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
	if stats := h.in.Stats(); stats.SampledOut != 1 {
		t.Errorf("SampledOut = %d, want 1", stats.SampledOut)
	}
}

func TestSlowFlagFromTimeout(t *testing.T) {
	h := newHarness(t)
	if err := h.resolver.RegisterGlobal(config.Override().WithTimeout(time.Nanosecond)); err != nil {
		t.Fatal(err)
	}

	_, op, _ := h.in.Begin(context.Background(), "op")
	time.Sleep(time.Millisecond)
	op.End()

	events := h.drain(t)
	if !events[0].Slow {
		t.Error("operation past its threshold must be flagged slow")
	}
	if !events[0].Success {
		t.Error("slow is not failure")
	}
}

func TestCaptureModes(t *testing.T) {
	params := map[string]interface{}{"user_id": 42, "region": "eu-west"}

	tests := []struct {
		mode      config.CaptureMode
		wantKeys  bool
		wantValue string
	}{
		{config.CaptureNone, false, ""},
		{config.CaptureNames, true, ""},
		{config.CaptureNamesAndValues, true, "eu-west"},
		{config.CaptureFull, true, "eu-west"},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			h := newHarness(t)
			if err := h.resolver.RegisterGlobal(config.Override().WithCapture(tt.mode)); err != nil {
				t.Fatal(err)
			}

			_, op, _ := h.in.Begin(context.Background(), "op")
			op.SetParameters(params)
			op.End()

			e := h.drain(t)[0]
			_, hasKey := e.Tags["param.region"]
			if hasKey != tt.wantKeys {
				t.Fatalf("param.region present = %v, want %v (tags %v)", hasKey, tt.wantKeys, e.Tags)
			}
			if tt.wantKeys && e.Tags["param.region"] != tt.wantValue {
				t.Errorf("param.region = %q, want %q", e.Tags["param.region"], tt.wantValue)
			}
		})
	}
}

func TestDeferredTagStringification(t *testing.T) {
	h := newHarness(t)
	_, op, _ := h.in.Begin(context.Background(), "op")

	op.SetTagValue("attempt", 3)
	op.SetTagValue("verified", true)
	op.SetTagValue("note", "plain")
	op.End()

	tags := h.drain(t)[0].Tags
	if tags["attempt"] != "3" || tags["verified"] != "true" || tags["note"] != "plain" {
		t.Errorf("tags = %v", tags)
	}
}

func TestCorrelationReuseAcrossNestedOperations(t *testing.T) {
	h := newHarness(t)

	ctx, outer, _ := h.in.Begin(context.Background(), "outer")
	_, inner, _ := h.in.Begin(ctx, "inner", ReuseCorrelation())

	if inner.CorrelationID() != outer.CorrelationID() {
		t.Error("nested operation with ReuseCorrelation must share the identifier")
	}

	_, sibling, _ := h.in.Begin(ctx, "sibling")
	if sibling.CorrelationID() == outer.CorrelationID() {
		t.Error("without reuse a nested operation gets its own identifier")
	}

	inner.End()
	sibling.End()
	outer.End()
}

func TestConcurrentRecordErrorAndEnd(t *testing.T) {
	h := newHarness(t)
	_, op, _ := h.in.Begin(context.Background(), "fanout.op")

	// A fanned-out body records failures from several goroutines at once.
	const goroutines = 8
	const perGoroutine = 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				op.RecordError(errors.New("shard failed"))
			}
		}()
	}
	wg.Wait()
	op.End()

	events := h.drain(t)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if got := len(events[0].ErrorFingerprints); got != goroutines*perGoroutine {
		t.Errorf("fingerprints = %d, want %d", got, goroutines*perGoroutine)
	}
	if got := h.in.Aggregator().TotalExceptions(); got != goroutines*perGoroutine {
		t.Errorf("aggregated = %d, want %d", got, goroutines*perGoroutine)
	}

	// End racing live recorders must also be safe; the exact fingerprint
	// count is then timing-dependent, but nothing may corrupt.
	_, racing, _ := h.in.Begin(context.Background(), "racing.op")
	var raceWG sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		raceWG.Add(1)
		go func() {
			defer raceWG.Done()
			for i := 0; i < perGoroutine; i++ {
				racing.RecordError(errors.New("late failure"))
			}
		}()
	}
	racing.End()
	raceWG.Wait()
}

func TestNilOperationIsSafe(t *testing.T) {
	var op *Operation
	op.SetTag("k", "v")
	op.SetTagValue("k", 1)
	op.SetParameters(map[string]interface{}{"k": "v"})
	op.RecordError(errors.New("x"))
	_ = op.Fail(errors.New("y"))
	op.End()
	if op.Name() != "" || op.Sampled() || op.Failed() {
		t.Error("nil operation accessors must return zero values")
	}
}

func TestShouldSample(t *testing.T) {
	if !shouldSample(1.0) {
		t.Error("rate 1.0 must always sample")
	}
	if shouldSample(0.0) {
		t.Error("rate 0.0 must never sample")
	}

	hits := 0
	const draws = 10000
	for i := 0; i < draws; i++ {
		if shouldSample(0.3) {
			hits++
		}
	}
	ratio := float64(hits) / draws
	if ratio < 0.25 || ratio > 0.35 {
		t.Errorf("rate 0.3 sampled %.3f of draws, outside tolerance", ratio)
	}
}

func BenchmarkBeginEnd(b *testing.B) {
	resolver := config.NewResolver(nil)
	queue := dispatch.NewQueue(nil, dispatch.WithCapacity(dispatch.DefaultCapacity))
	aggregator := faults.NewAggregator(faults.WithoutCallSites())
	in, err := NewInstrumentor(Dependencies{
		Resolver:   resolver,
		Aggregator: aggregator,
		Queue:      queue,
	})
	if err != nil {
		b.Fatal(err)
	}

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, op, _ := in.Begin(ctx, "bench.op")
			op.End()
		}
	})
	b.StopTimer()
	queue.Drain(time.Second)
}
