package faults

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/probelight/probelight/logging"
)

// minRateWindow floors the observed duration in rate calculations so the
// very first occurrence does not report an astronomical per-minute rate.
const minRateWindow = 10 * time.Second

// callSiteDepth is how many caller frames feed the fingerprint, enough to
// tell call sites apart without making the fingerprint fragile.
const callSiteDepth = 3

// Group aggregates all occurrences of one error fingerprint.
//
// Count and LastSeen are mutated by arbitrarily many concurrent callers
// without a group-wide lock: the count is an atomic increment and the
// last-seen timestamp is last-write-wins. Under a race the exact ordering
// of timestamp updates is not guaranteed, only that the count is exact.
type Group struct {
	typeName    string
	message     string
	fingerprint string
	firstSeen   time.Time // immutable after creation
	stack       string    // captured on first occurrence only

	count    atomic.Int64
	lastSeen atomic.Int64 // unix nanoseconds
}

// TypeName returns the concrete type of the outermost error.
func (g *Group) TypeName() string { return g.typeName }

// Message returns the normalized message of the group.
func (g *Group) Message() string { return g.message }

// Fingerprint returns the group's stable identity.
func (g *Group) Fingerprint() string { return g.fingerprint }

// Count returns the number of occurrences recorded so far.
func (g *Group) Count() int64 { return g.count.Load() }

// FirstSeen returns the timestamp of the first occurrence.
func (g *Group) FirstSeen() time.Time { return g.firstSeen }

// LastSeen returns the timestamp of the most recent occurrence.
func (g *Group) LastSeen() time.Time { return time.Unix(0, g.lastSeen.Load()) }

// Stack returns the call stack captured at the first occurrence.
func (g *Group) Stack() string { return g.stack }

// Aggregator groups recorded errors by fingerprint and exposes rate
// statistics with time-based expiry. All methods are safe for concurrent
// use; the backing store is a concurrent map with per-group atomic
// mutation, never a coarse lock.
type Aggregator struct {
	groups sync.Map // fingerprint string -> *Group

	window     time.Duration
	byCallSite bool
	now        func() time.Time
	logger     logging.Logger

	total       atomic.Int64
	firstRecord atomic.Int64 // unix nanoseconds of the first Record, set once
	expired     atomic.Int64
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithExpiry sets the window after which an idle group is dropped.
func WithExpiry(window time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.window = window }
}

// WithoutCallSites disables mixing the record call site into the
// fingerprint, grouping purely on type and normalized message.
func WithoutCallSites() AggregatorOption {
	return func(a *Aggregator) { a.byCallSite = false }
}

// WithClock overrides the time source (useful for testing expiry).
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the logger for aggregator diagnostics.
func WithLogger(logger logging.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = logger }
}

// NewAggregator creates an aggregator with a 1 hour expiry window.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		window:     1 * time.Hour,
		byCallSite: true,
		now:        time.Now,
		logger:     logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record fingerprints err and folds it into its group, creating the group
// on first occurrence. Returns the group so callers can attach its
// fingerprint to outgoing telemetry. Record never fails and never blocks:
// on the hot path it is a map read plus two atomic writes.
func (a *Aggregator) Record(err error) *Group {
	if err == nil {
		return nil
	}

	now := a.now()
	nowNanos := now.UnixNano()
	a.total.Add(1)
	a.firstRecord.CompareAndSwap(0, nowNanos)

	var pcs []uintptr
	if a.byCallSite {
		buf := make([]uintptr, callSiteDepth)
		// Skip runtime.Callers, Record, and the scope shim above us.
		n := runtime.Callers(3, buf)
		pcs = buf[:n]
	}
	fp := fingerprint(err, pcs)

	if existing, ok := a.groups.Load(fp); ok {
		g := existing.(*Group)
		g.count.Add(1)
		g.lastSeen.Store(nowNanos)
		return g
	}

	tn, msg := rootTypeAndMessage(err)
	g := &Group{
		typeName:    tn,
		message:     msg,
		fingerprint: fp,
		firstSeen:   now,
		stack:       captureStack(pcs),
	}
	g.count.Store(1)
	g.lastSeen.Store(nowNanos)

	if actual, loaded := a.groups.LoadOrStore(fp, g); loaded {
		// Another goroutine created the group between Load and
		// LoadOrStore; fold into theirs.
		g = actual.(*Group)
		g.count.Add(1)
		g.lastSeen.Store(nowNanos)
		return g
	}

	a.logger.Debug("New exception group", map[string]interface{}{
		"fingerprint": fp,
		"type":        tn,
		"message":     msg,
	})
	return g
}

// expiredAt reports whether a group has been idle past the window.
func (a *Aggregator) expiredAt(g *Group, now time.Time) bool {
	return now.Sub(g.LastSeen()) > a.window
}

// Group returns the group for a fingerprint, sweeping it out instead if
// it has expired. No background timer exists; expiry happens lazily on
// the reads that would otherwise return stale groups.
func (a *Aggregator) Group(fingerprint string) (*Group, bool) {
	v, ok := a.groups.Load(fingerprint)
	if !ok {
		return nil, false
	}
	g := v.(*Group)
	if a.expiredAt(g, a.now()) {
		a.groups.Delete(fingerprint)
		a.expired.Add(1)
		return nil, false
	}
	return g, true
}

// Groups returns all live groups, removing expired ones from the backing
// store as it walks.
func (a *Aggregator) Groups() []*Group {
	now := a.now()
	var out []*Group
	a.groups.Range(func(key, value interface{}) bool {
		g := value.(*Group)
		if a.expiredAt(g, now) {
			a.groups.Delete(key)
			a.expired.Add(1)
			return true
		}
		out = append(out, g)
		return true
	})
	return out
}

// TotalExceptions returns the number of errors recorded since creation,
// including occurrences whose groups have since expired.
func (a *Aggregator) TotalExceptions() int64 {
	return a.total.Load()
}

// observedWindow is the elapsed time since the first record, floored to
// minRateWindow so single-occurrence rates stay sane.
func (a *Aggregator) observedWindow() time.Duration {
	first := a.firstRecord.Load()
	if first == 0 {
		return minRateWindow
	}
	elapsed := a.now().Sub(time.Unix(0, first))
	if elapsed < minRateWindow {
		return minRateWindow
	}
	return elapsed
}

// RatePerMinute returns the global error rate per minute over the
// observed duration.
func (a *Aggregator) RatePerMinute() float64 {
	return float64(a.total.Load()) / a.observedWindow().Minutes()
}

// RatePerHour returns the global error rate per hour over the observed
// duration.
func (a *Aggregator) RatePerHour() float64 {
	return float64(a.total.Load()) / a.observedWindow().Hours()
}

// RatePercentage returns recorded errors as a percentage of totalOps.
// Zero operations yields 0.0, never a division by zero.
func (a *Aggregator) RatePercentage(totalOps int64) float64 {
	if totalOps <= 0 {
		return 0.0
	}
	return float64(a.total.Load()) / float64(totalOps) * 100.0
}

// Stats reports aggregator activity for the health surface.
type Stats struct {
	Total   int64 `json:"total_exceptions"`
	Groups  int   `json:"live_groups"`
	Expired int64 `json:"expired_groups"`
}

// Stats returns aggregator counters. Walks (and sweeps) the store.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Total:   a.total.Load(),
		Groups:  len(a.Groups()),
		Expired: a.expired.Load(),
	}
}
