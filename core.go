package probelight

import (
	"context"
	"fmt"
	"time"

	"github.com/probelight/probelight/config"
	"github.com/probelight/probelight/dispatch"
	"github.com/probelight/probelight/faults"
	"github.com/probelight/probelight/logging"
	"github.com/probelight/probelight/scope"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Core. Use the functional options with New or
// Initialize; zero values fall back to the defaults documented on each
// option.
type Options struct {
	ServiceName string
	Endpoint    string
	Enabled     bool

	// Development routes trace export to stdout instead of OTLP.
	Development bool

	QueueCapacity int
	QueueWorkers  int

	ExceptionExpiry time.Duration

	// ConfigFile, when set, starts a file configuration source watching
	// this path.
	ConfigFile string

	// RedisURL, when set, starts a live-runtime configuration source
	// subscribed over Redis.
	RedisURL string

	// Consumer overrides the default OpenTelemetry event sink.
	Consumer dispatch.Consumer

	// Tracer overrides the tracer used for operation spans. When nil and
	// the default consumer is in use, the consumer's tracer is used.
	Tracer trace.Tracer

	Logger logging.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithServiceName sets the service name attached to exported telemetry.
func WithServiceName(name string) Option {
	return func(o *Options) { o.ServiceName = name }
}

// WithEndpoint sets the OTLP collector endpoint (default localhost:4317).
func WithEndpoint(endpoint string) Option {
	return func(o *Options) { o.Endpoint = endpoint }
}

// WithDevelopment switches trace export to stdout for local work.
func WithDevelopment() Option {
	return func(o *Options) { o.Development = true }
}

// WithQueueCapacity sets the dispatch queue depth (default 10000).
func WithQueueCapacity(n int) Option {
	return func(o *Options) { o.QueueCapacity = n }
}

// WithQueueWorkers sets the consumer pool size (default 1).
func WithQueueWorkers(n int) Option {
	return func(o *Options) { o.QueueWorkers = n }
}

// WithExceptionExpiry sets the idle window after which an exception
// group is dropped (default 1h).
func WithExceptionExpiry(window time.Duration) Option {
	return func(o *Options) { o.ExceptionExpiry = window }
}

// WithConfigFile starts a file configuration source on the given path.
func WithConfigFile(path string) Option {
	return func(o *Options) { o.ConfigFile = path }
}

// WithRedisRuntimeSource starts a live-runtime configuration source
// against the given redis:// URL.
func WithRedisRuntimeSource(url string) Option {
	return func(o *Options) { o.RedisURL = url }
}

// WithConsumer replaces the default OpenTelemetry sink with a custom
// event consumer.
func WithConsumer(c dispatch.Consumer) Option {
	return func(o *Options) { o.Consumer = c }
}

// WithTracer sets the tracer used to open operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

// WithLogger sets the logger for all subsystems.
func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithDisabled constructs the core globally disabled: Begin returns
// no-op operations until SetEnabled(true).
func WithDisabled() Option {
	return func(o *Options) { o.Enabled = false }
}

// Core is an explicit, owned instance of the instrumentation pipeline.
// Construct one with New and share it, or use the process-wide wrapper
// (Initialize/Begin/Shutdown), which delegates to a Core.
type Core struct {
	instrumentor *scope.Instrumentor
	resolver     *config.Resolver
	aggregator   *faults.Aggregator
	queue        *dispatch.Queue

	otel          *OTelConsumer // owned; nil when a custom consumer was supplied
	fileSource    *config.FileSource
	runtimeSource *config.RuntimeSource

	logger    logging.Logger
	startTime time.Time
}

// New builds and starts a Core: resolver, aggregator, queue with its
// consumer goroutine, the default OTel sink unless overridden, and any
// configured file or runtime configuration sources.
func New(opts ...Option) (*Core, error) {
	options := Options{
		ServiceName:     "probelight",
		Endpoint:        "localhost:4317",
		Enabled:         true,
		QueueCapacity:   dispatch.DefaultCapacity,
		QueueWorkers:    1,
		ExceptionExpiry: 1 * time.Hour,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = logging.NewProbeLogger(options.ServiceName)
	}
	logger := options.Logger

	resolver := config.NewResolver(logger)
	aggregator := faults.NewAggregator(
		faults.WithExpiry(options.ExceptionExpiry),
		faults.WithLogger(logger),
	)

	c := &Core{
		resolver:   resolver,
		aggregator: aggregator,
		logger:     logger,
		startTime:  time.Now(),
	}

	consumer := options.Consumer
	tracer := options.Tracer
	if consumer == nil {
		otelConsumer, err := NewOTelConsumer(options.ServiceName, options.Endpoint, options.Development)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry consumer: %w", err)
		}
		c.otel = otelConsumer
		consumer = otelConsumer
		if tracer == nil {
			tracer = otelConsumer.Tracer()
		}
	}

	c.queue = dispatch.NewQueue(consumer,
		dispatch.WithCapacity(options.QueueCapacity),
		dispatch.WithWorkers(options.QueueWorkers),
		dispatch.WithQueueLogger(logger),
	)

	instrumentor, err := scope.NewInstrumentor(scope.Dependencies{
		Resolver:   resolver,
		Aggregator: aggregator,
		Queue:      c.queue,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	instrumentor.SetEnabled(options.Enabled)
	c.instrumentor = instrumentor

	if options.ConfigFile != "" {
		fs := config.NewFileSource(options.ConfigFile, resolver, logger)
		if err := fs.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to start configuration file source: %w", err)
		}
		c.fileSource = fs
	}

	if options.RedisURL != "" {
		rs, err := config.NewRuntimeSource(context.Background(), resolver, config.RuntimeSourceOptions{
			RedisURL: options.RedisURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create runtime configuration source: %w", err)
		}
		if err := rs.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to start runtime configuration source: %w", err)
		}
		c.runtimeSource = rs
	}

	logger.Info("Instrumentation core initialized", map[string]interface{}{
		"service_name":   options.ServiceName,
		"enabled":        options.Enabled,
		"queue_capacity": options.QueueCapacity,
		"config_file":    options.ConfigFile != "",
		"runtime_source": options.RedisURL != "",
	})
	return c, nil
}

// Begin starts an operation on this core. See scope.Instrumentor.Begin.
func (c *Core) Begin(ctx context.Context, name string, opts ...scope.BeginOption) (context.Context, *scope.Operation, error) {
	return c.instrumentor.Begin(ctx, name, opts...)
}

// Resolver exposes the configuration resolver for registration and
// collaborator wiring.
func (c *Core) Resolver() *config.Resolver {
	return c.resolver
}

// Aggregator exposes the exception aggregator.
func (c *Core) Aggregator() *faults.Aggregator {
	return c.aggregator
}

// Instrumentor exposes the operation orchestrator.
func (c *Core) Instrumentor() *scope.Instrumentor {
	return c.instrumentor
}

// SetEnabled flips the global instrumentation gate.
func (c *Core) SetEnabled(enabled bool) {
	c.instrumentor.SetEnabled(enabled)
}

// Shutdown stops configuration sources, drains the queue within the
// context's deadline (default 5s when none is set), and shuts down the
// exporter. Events still queued when the deadline passes are discarded
// and counted, reported in the returned result, never silently lost.
func (c *Core) Shutdown(ctx context.Context) (dispatch.DrainResult, error) {
	if c.fileSource != nil {
		c.fileSource.Stop()
	}
	if c.runtimeSource != nil {
		c.runtimeSource.Stop()
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	result := c.queue.Drain(timeout)

	var err error
	if c.otel != nil {
		err = c.otel.Shutdown(ctx)
	}

	c.logger.Info("Instrumentation core shut down", map[string]interface{}{
		"processed": result.Processed,
		"discarded": result.Discarded,
		"completed": result.Completed,
		"uptime":    time.Since(c.startTime).String(),
	})
	return result, err
}
