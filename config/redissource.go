package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/probelight/probelight/logging"
)

// RuntimeSource receives live configuration overrides over Redis and
// pushes them into a resolver at the runtime source rank, the highest
// swappable rank, so an operator push wins over file and code settings.
//
// Protocol: the full YAML document lives at a well-known key; a pub/sub
// channel carries change notifications. On each notification (and once at
// startup) the source fetches the key, parses it, and swaps the runtime
// snapshot atomically. Publishing an empty payload clears all runtime
// overrides.
//
// Key layout under the configured namespace:
//   - "<namespace>:document" holds the current YAML payload
//   - "<namespace>:events" is the pub/sub channel for change notifications
type RuntimeSource struct {
	client    *redis.Client
	namespace string
	resolver  *Resolver
	logger    logging.Logger

	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// RuntimeSourceOptions configures a RuntimeSource.
type RuntimeSourceOptions struct {
	// RedisURL is a redis:// connection URL.
	RedisURL string

	// Namespace prefixes the document key and event channel.
	// Defaults to "probelight:config".
	Namespace string

	// MaxRetries bounds fetch retries per notification (default 3).
	MaxRetries int

	// RetryDelay is the pause between fetch retries (default 100ms).
	RetryDelay time.Duration

	Logger logging.Logger
}

// NewRuntimeSource creates a runtime configuration source. It connects
// eagerly so misconfiguration surfaces at startup, not at first push.
func NewRuntimeSource(ctx context.Context, resolver *Resolver, opts RuntimeSourceOptions) (*RuntimeSource, error) {
	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "probelight:config"
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = 100 * time.Millisecond
	}

	return &RuntimeSource{
		client:     client,
		namespace:  namespace,
		resolver:   resolver,
		logger:     logging.OrNop(opts.Logger),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

func (rs *RuntimeSource) documentKey() string {
	return rs.namespace + ":document"
}

func (rs *RuntimeSource) eventChannel() string {
	return rs.namespace + ":events"
}

// Start loads the current document (if any) and subscribes for change
// notifications until the context is cancelled or Stop is called.
func (rs *RuntimeSource) Start(ctx context.Context) error {
	rs.mu.Lock()
	if rs.running {
		rs.mu.Unlock()
		return fmt.Errorf("runtime source already running")
	}
	rs.running = true
	rs.mu.Unlock()

	// Initial fetch: a missing key just means no runtime overrides yet.
	if err := rs.fetch(ctx); err != nil {
		rs.logger.Warn("Initial runtime configuration fetch failed", map[string]interface{}{
			"key":   rs.documentKey(),
			"error": err.Error(),
		})
	}

	sub := rs.client.Subscribe(ctx, rs.eventChannel())
	// Force the subscription to establish before we report started.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		rs.mu.Lock()
		rs.running = false
		rs.mu.Unlock()
		return fmt.Errorf("redis subscribe failed: %w", err)
	}

	rs.logger.Info("Runtime configuration source started", map[string]interface{}{
		"channel": rs.eventChannel(),
		"key":     rs.documentKey(),
	})

	go rs.listen(ctx, sub)
	return nil
}

func (rs *RuntimeSource) listen(ctx context.Context, sub *redis.PubSub) {
	defer close(rs.doneCh)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := rs.fetch(ctx); err != nil {
				// Last-known-good runtime snapshot stays active.
				rs.logger.Error("Runtime configuration fetch failed", map[string]interface{}{
					"channel": msg.Channel,
					"error":   err.Error(),
				})
			}
		}
	}
}

// fetch loads the document key, parses it, and swaps the runtime
// snapshot. A missing or empty payload clears the runtime source. Fetches
// are retried a bounded number of times for transient failures.
func (rs *RuntimeSource) fetch(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= rs.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rs.retryDelay):
			}
		}

		payload, err := rs.client.Get(ctx, rs.documentKey()).Result()
		if err == redis.Nil || (err == nil && payload == "") {
			return rs.resolver.SetSnapshot(SourceRuntime, nil)
		}
		if err != nil {
			lastErr = err
			continue
		}

		doc, err := ParseDocument([]byte(payload))
		if err != nil {
			// A malformed payload will not get better on retry.
			return err
		}
		if err := rs.resolver.SetSnapshot(SourceRuntime, doc); err != nil {
			return err
		}

		rs.logger.Info("Runtime configuration applied", map[string]interface{}{
			"key":     rs.documentKey(),
			"bytes":   len(payload),
			"attempt": attempt + 1,
		})
		return nil
	}
	return lastErr
}

// Publish writes a document payload and notifies all subscribers. Offered
// for operator tooling; the payload is validated before it is stored so a
// broken push never reaches resolvers.
func (rs *RuntimeSource) Publish(ctx context.Context, payload []byte) error {
	if len(payload) > 0 {
		if _, err := ParseDocument(payload); err != nil {
			return err
		}
	}
	if err := rs.client.Set(ctx, rs.documentKey(), string(payload), 0).Err(); err != nil {
		return fmt.Errorf("failed to store runtime configuration: %w", err)
	}
	if err := rs.client.Publish(ctx, rs.eventChannel(), "updated").Err(); err != nil {
		return fmt.Errorf("failed to notify subscribers: %w", err)
	}
	return nil
}

// Stop terminates the subscription loop and closes the client.
func (rs *RuntimeSource) Stop() {
	rs.mu.Lock()
	if !rs.running {
		rs.mu.Unlock()
		return
	}
	rs.running = false
	rs.mu.Unlock()

	close(rs.stopCh)
	<-rs.doneCh
	_ = rs.client.Close()
}
