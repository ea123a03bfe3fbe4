package probelight

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/probelight/probelight/config"
	"github.com/probelight/probelight/correlation"
	"github.com/probelight/probelight/dispatch"
	"github.com/probelight/probelight/faults"
	"github.com/probelight/probelight/scope"
)

// Health is a point-in-time snapshot of every subsystem's counters,
// suitable for a diagnostics endpoint or a periodic health log line.
type Health struct {
	Initialized bool   `json:"initialized"`
	Enabled     bool   `json:"enabled"`
	Uptime      string `json:"uptime,omitempty"`

	Operations  scope.Stats       `json:"operations"`
	Queue       dispatch.Stats    `json:"queue"`
	Exceptions  faults.Stats      `json:"exceptions"`
	Resolver    config.Stats      `json:"resolver"`
	Correlation correlation.Stats `json:"correlation"`
}

// Health snapshots this core's subsystems.
func (c *Core) Health() Health {
	return Health{
		Initialized: true,
		Enabled:     c.instrumentor.Enabled(),
		Uptime:      time.Since(c.startTime).String(),
		Operations:  c.instrumentor.Stats(),
		Queue:       c.queue.Stats(),
		Exceptions:  c.aggregator.Stats(),
		Resolver:    c.resolver.Stats(),
		Correlation: correlation.GetStats(),
	}
}

// GetHealth snapshots the process-wide core. Before Initialize it
// reports an uninitialized, disabled system rather than erroring.
func GetHealth() Health {
	c := Default()
	if c == nil {
		return Health{}
	}
	return c.Health()
}

// HealthHandler serves the health snapshot as JSON. Degraded states map
// to status codes: uninitialized or disabled is 503; a queue dropping
// more than 10% of traffic is 206.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := GetHealth()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case !health.Initialized || !health.Enabled:
		w.WriteHeader(http.StatusServiceUnavailable)
	case health.Queue.Enqueued > 0 &&
		float64(health.Queue.Dropped)/float64(health.Queue.Enqueued) > 0.1:
		w.WriteHeader(http.StatusPartialContent)
	default:
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(health)
}
