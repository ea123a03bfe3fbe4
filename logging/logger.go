// Package logging provides the shared logging surface for probelight.
//
// The instrumentation core must never depend on the application's logger
// (which may itself be instrumented), so this package ships a small,
// self-contained logger alongside a minimal interface that every other
// package accepts.
//
// Logging Layers:
//   - Layer 1: Console output (always works, immediate visibility)
//   - Layer 2: Rate limiting (error logs capped to prevent flooding)
//
// Configuration priority:
//  1. Environment variables (PROBELIGHT_LOG_LEVEL, PROBELIGHT_DEBUG,
//     PROBELIGHT_LOG_FORMAT)
//  2. Auto-detection (JSON format in Kubernetes)
//  3. Defaults (INFO level, text format)
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal logging interface accepted throughout probelight.
// Callers may supply their own implementation; everything in this module
// treats a nil Logger as "log nothing".
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ProbeLogger is the self-contained logger used when the embedding
// application does not supply one.
//
// It is deliberately dependency-free: the instrumentation core is loaded
// before most application wiring exists, and a telemetry library that pulls
// in a logging framework tends to fight the application's own choice.
type ProbeLogger struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
	mu        sync.Mutex

	// errorLimiter keeps a misbehaving backend from flooding the logs.
	errorLimiter *RateLimiter
}

// NewProbeLogger creates a logger for one probelight component
// (e.g. "resolver", "dispatch"). The component name appears in every entry
// so operators can filter instrumentation noise from application logs.
func NewProbeLogger(component string) *ProbeLogger {
	level := os.Getenv("PROBELIGHT_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("PROBELIGHT_DEBUG") == "true" ||
		strings.EqualFold(level, "DEBUG")

	// JSON in Kubernetes for log aggregation, text for local development.
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("PROBELIGHT_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProbeLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		component:    component,
		format:       format,
		output:       os.Stdout,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

// SetOutput redirects log output. Used by tests to capture entries.
func (l *ProbeLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Info logs informational messages.
func (l *ProbeLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages.
func (l *ProbeLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting. When earlier entries were
// suppressed by the limiter, the next allowed entry carries their count in
// a "suppressed" field.
func (l *ProbeLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil {
		if !l.errorLimiter.Allow() {
			return
		}
		if n := l.errorLimiter.Suppressed(); n > 0 {
			merged := make(map[string]interface{}, len(fields)+1)
			for k, v := range fields {
				merged[k] = v
			}
			merged["suppressed"] = n
			fields = merged
		}
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled).
func (l *ProbeLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *ProbeLogger) log(level, msg string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProbeLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		// Core fields always win over user-supplied ones.
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"timestamp":%q,"level":"ERROR","component":%q,"message":"log marshal failed"}`+"\n",
			timestamp, l.component)
		return
	}
	fmt.Fprintln(l.output, string(data))
}

func (l *ProbeLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s [%s] %s", timestamp, level, l.component, msg)

	if len(fields) > 0 {
		// Sorted keys so repeated runs diff cleanly.
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}

	fmt.Fprintln(l.output, b.String())
}

func (l *ProbeLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	current, ok := levels[l.level]
	if !ok {
		current = 1
	}
	requested, ok := levels[level]
	if !ok {
		return true
	}
	return requested >= current
}

// NopLogger discards everything. Useful in benchmarks and as the fallback
// when a caller passes a nil Logger.
type NopLogger struct{}

func (NopLogger) Info(string, map[string]interface{})  {}
func (NopLogger) Warn(string, map[string]interface{})  {}
func (NopLogger) Error(string, map[string]interface{}) {}
func (NopLogger) Debug(string, map[string]interface{}) {}

// OrNop returns l, or a NopLogger when l is nil, so call sites never have
// to nil-check before logging.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
