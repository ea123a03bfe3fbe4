package probelight

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MiddlewareConfig configures the HTTP middleware.
type MiddlewareConfig struct {
	// ExcludedPaths lists URL paths to skip entirely (health checks,
	// metrics endpoints).
	ExcludedPaths []string

	// OperationNameFormatter customizes per-request operation names.
	// Defaults to "HTTP {method} {path}".
	OperationNameFormatter func(r *http.Request) string
}

// Middleware instruments every request on the process-wide core: one
// operation per request, W3C trace context extracted from incoming
// headers via otelhttp, response status tagged, and 5xx responses
// recorded as failures.
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/api/orders", ordersHandler)
//	http.ListenAndServe(":8080", probelight.Middleware("orders")(mux))
func Middleware(serviceName string) func(http.Handler) http.Handler {
	return MiddlewareWithConfig(serviceName, nil)
}

// MiddlewareWithConfig is Middleware with path exclusion and naming
// control.
func MiddlewareWithConfig(serviceName string, config *MiddlewareConfig) func(http.Handler) http.Handler {
	var excluded map[string]bool
	nameFor := func(r *http.Request) string {
		return "HTTP " + r.Method + " " + r.URL.Path
	}
	if config != nil {
		if len(config.ExcludedPaths) > 0 {
			excluded = make(map[string]bool, len(config.ExcludedPaths))
			for _, path := range config.ExcludedPaths {
				excluded[path] = true
			}
		}
		if config.OperationNameFormatter != nil {
			nameFor = config.OperationNameFormatter
		}
	}

	var otelOpts []otelhttp.Option
	if excluded != nil {
		otelOpts = append(otelOpts, otelhttp.WithFilter(func(r *http.Request) bool {
			return !excluded[r.URL.Path]
		}))
	}

	return func(next http.Handler) http.Handler {
		instrumented := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx, op, err := Begin(r.Context(), nameFor(r))
			if err != nil {
				// Begin only fails on caller misuse; a formatter returning
				// an empty name falls back to uninstrumented serving.
				next.ServeHTTP(w, r)
				return
			}
			defer op.End()

			op.SetTag("http.method", r.Method)
			op.SetTag("http.path", r.URL.Path)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			op.SetTag("http.status", fmt.Sprintf("%d", sw.status))
			if sw.status >= 500 {
				op.RecordError(fmt.Errorf("http %d: %s %s", sw.status, r.Method, r.URL.Path))
			}
		})

		// otelhttp handles trace context extraction so the operation's
		// span joins the caller's distributed trace.
		return otelhttp.NewHandler(instrumented, serviceName, otelOpts...)
	}
}

// statusWriter captures the response status for tagging.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
