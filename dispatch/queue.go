// Package dispatch decouples cheap synchronous telemetry capture from
// expensive asynchronous processing.
//
// Producers call TryEnqueue from the instrumented hot path; it never
// blocks and never returns an error to business logic. A bounded buffer
// absorbs bursts, and when it fills, the oldest queued event is evicted
// to make room for the new one (drop-oldest backpressure). A dedicated
// consumer goroutine (or a small fixed pool) dequeues in approximate
// FIFO order and forwards events to the configured Consumer.
//
// Delivery is best effort by design: dropped events are counted, and the
// first drop in each operation-name category logs a warning so operators
// learn about sustained overload without the log flooding that
// per-drop logging would cause.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/probelight/probelight/logging"
)

// DefaultCapacity is the queue depth used when none is configured.
const DefaultCapacity = 10000

// evictAttempts bounds the evict-and-retry loop in TryEnqueue so a
// producer can never spin under pathological contention.
const evictAttempts = 4

// Queue is the bounded multi-producer queue feeding the background
// consumer. Construct with NewQueue; the zero value is not usable.
type Queue struct {
	ch       chan Event
	consumer Consumer
	logger   logging.Logger
	workers  int

	enqueued  atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64 // evicted by backpressure
	discarded atomic.Int64 // thrown away at shutdown
	failures  atomic.Int64 // consumer errors

	// warnedNames remembers which operation names have already logged a
	// drop warning.
	warnedNames sync.Map // string -> struct{}

	errorLimiter *logging.RateLimiter

	closed  atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	drainMu sync.Mutex
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithCapacity sets the bounded buffer size.
func WithCapacity(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan Event, n)
		}
	}
}

// WithWorkers sets the consumer pool size. The default single consumer
// preserves FIFO delivery; more workers trade ordering for throughput.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueLogger sets the logger for queue diagnostics.
func WithQueueLogger(logger logging.Logger) QueueOption {
	return func(q *Queue) { q.logger = logging.OrNop(logger) }
}

// NewQueue creates the queue and starts its consumer goroutines.
func NewQueue(consumer Consumer, opts ...QueueOption) *Queue {
	q := &Queue{
		ch:           make(chan Event, DefaultCapacity),
		consumer:     consumer,
		logger:       logging.NopLogger{},
		workers:      1,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		errorLimiter: logging.NewRateLimiter(1 * time.Second),
	}
	for _, opt := range opts {
		opt(q)
	}

	var wg sync.WaitGroup
	wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go func() {
			defer wg.Done()
			q.consumeLoop()
		}()
	}
	go func() {
		wg.Wait()
		close(q.doneCh)
	}()

	return q
}

// TryEnqueue offers an event to the queue. It never blocks: when the
// buffer is full the oldest queued event is evicted to make room, the
// drop counter increments, and the new event goes in. Returns false only
// when the queue has been shut down (the event is then counted as
// dropped) or when eviction loses a pathological race.
func (q *Queue) TryEnqueue(event Event) bool {
	if q.closed.Load() {
		q.dropped.Add(1)
		return false
	}

	for attempt := 0; attempt < evictAttempts; attempt++ {
		select {
		case q.ch <- event:
			q.enqueued.Add(1)
			return true
		default:
		}

		// Full: evict the oldest entry. The receive is non-blocking
		// because the consumer may have freed space in the meantime.
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			q.warnDropped(old.Name)
		default:
		}
	}

	// Every retry lost the race to other producers; give up on this
	// event rather than spin on the hot path.
	q.dropped.Add(1)
	q.warnDropped(event.Name)
	return false
}

// warnDropped logs the first drop for each operation-name category.
func (q *Queue) warnDropped(name string) {
	if _, loaded := q.warnedNames.LoadOrStore(name, struct{}{}); loaded {
		return
	}
	q.logger.Warn("Telemetry queue full, dropping oldest events", map[string]interface{}{
		"operation":     name,
		"capacity":      cap(q.ch),
		"total_dropped": q.dropped.Load(),
		"action":        "Raise queue capacity or reduce sampling rate",
	})
}

// consumeLoop is the dedicated consumer: it forwards events until
// shutdown is signalled, then drains whatever remains in the buffer.
func (q *Queue) consumeLoop() {
	for {
		select {
		case event := <-q.ch:
			q.consume(event)
		case <-q.stopCh:
			for {
				select {
				case event := <-q.ch:
					q.consume(event)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) consume(event Event) {
	if q.consumer == nil {
		q.processed.Add(1)
		return
	}
	if err := q.consumer.Consume(context.Background(), event); err != nil {
		q.failures.Add(1)
		if q.errorLimiter.Allow() {
			fields := map[string]interface{}{
				"operation": event.Name,
				"error":     err.Error(),
			}
			if n := q.errorLimiter.Suppressed(); n > 0 {
				fields["suppressed"] = n
			}
			q.logger.Error("Telemetry consumer failed", fields)
		}
		return
	}
	q.processed.Add(1)
}

// DrainResult reports the outcome of a cooperative shutdown.
type DrainResult struct {
	// Processed is the total number of events handed to the consumer.
	Processed int64

	// Discarded is the number of events still queued when the drain
	// timeout expired; they are counted, not silently lost.
	Discarded int64

	// Completed is true when the queue fully emptied within the timeout.
	// False is a partial success, not an error: some events were
	// processed and the rest are accounted for in Discarded.
	Completed bool
}

// Drain signals that no more producers will enqueue, then attempts to
// fully drain within the timeout. Anything still queued afterwards is
// discarded and counted. Drain is idempotent.
func (q *Queue) Drain(timeout time.Duration) DrainResult {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if q.closed.CompareAndSwap(false, true) {
		close(q.stopCh)
	}

	completed := true
	select {
	case <-q.doneCh:
	case <-time.After(timeout):
		completed = false
	}

	// Discard whatever the consumer did not get to in time.
	for {
		select {
		case <-q.ch:
			q.discarded.Add(1)
		default:
			result := DrainResult{
				Processed: q.processed.Load(),
				Discarded: q.discarded.Load(),
				Completed: completed && q.discarded.Load() == 0,
			}
			q.logger.Info("Telemetry queue drained", map[string]interface{}{
				"processed": result.Processed,
				"discarded": result.Discarded,
				"completed": result.Completed,
			})
			return result
		}
	}
}

// Depth returns the current number of queued events.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Stats reports queue activity for the health surface.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Discarded int64 `json:"discarded"`
	Failures  int64 `json:"consumer_failures"`
	Depth     int   `json:"depth"`
	Capacity  int   `json:"capacity"`
}

// Stats returns queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Dropped:   q.dropped.Load(),
		Discarded: q.discarded.Load(),
		Failures:  q.failures.Load(),
		Depth:     len(q.ch),
		Capacity:  cap(q.ch),
	}
}
