package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/probelight/probelight/logging"
)

// FileSource watches a YAML configuration file and pushes parsed snapshots
// into a resolver at the file source rank. The resolver itself performs no
// I/O; this collaborator owns the watch loop, debouncing, and retry policy.
//
// Reload failures never propagate to callers: the last-known-good snapshot
// stays active and the failure is logged. Editors that truncate-then-write
// can briefly expose a partial file, so reads are retried a bounded number
// of times before giving up on that reload cycle.
type FileSource struct {
	path     string
	resolver *Resolver
	logger   logging.Logger

	debounce   time.Duration
	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	reloads atomic.Int64
}

// FileSourceOption customizes a FileSource.
type FileSourceOption func(*FileSource)

// WithDebounce sets the quiet period after a change before reloading.
func WithDebounce(d time.Duration) FileSourceOption {
	return func(fs *FileSource) { fs.debounce = d }
}

// WithReadRetries sets the bounded retry policy for transient read races.
func WithReadRetries(attempts int, delay time.Duration) FileSourceOption {
	return func(fs *FileSource) {
		fs.maxRetries = attempts
		fs.retryDelay = delay
	}
}

// NewFileSource creates a file configuration source for the given path.
func NewFileSource(path string, resolver *Resolver, logger logging.Logger, opts ...FileSourceOption) *FileSource {
	fs := &FileSource{
		path:       path,
		resolver:   resolver,
		logger:     logging.OrNop(logger),
		debounce:   100 * time.Millisecond,
		maxRetries: 3,
		retryDelay: 50 * time.Millisecond,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Start performs an initial load and then watches for changes until the
// context is cancelled or Stop is called. The initial load must succeed;
// subsequent reload failures degrade to the last-known-good snapshot.
func (fs *FileSource) Start(ctx context.Context) error {
	fs.mu.Lock()
	if fs.running {
		fs.mu.Unlock()
		return fmt.Errorf("file source already running")
	}
	fs.running = true
	fs.mu.Unlock()

	if err := fs.reload(); err != nil {
		fs.mu.Lock()
		fs.running = false
		fs.mu.Unlock()
		return fmt.Errorf("initial configuration load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fs.mu.Lock()
		fs.running = false
		fs.mu.Unlock()
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	dir := filepath.Dir(fs.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		fs.mu.Lock()
		fs.running = false
		fs.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	fs.logger.Info("Configuration file watcher started", map[string]interface{}{
		"path":        fs.path,
		"debounce_ms": fs.debounce.Milliseconds(),
	})

	go fs.watchLoop(ctx, watcher)
	return nil
}

func (fs *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(fs.doneCh)
	defer func() { _ = watcher.Close() }()

	var timer *time.Timer
	var timerCh <-chan time.Time

	target := filepath.Clean(fs.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-fs.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: restart the quiet-period timer on every event.
			if timer == nil {
				timer = time.NewTimer(fs.debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(fs.debounce)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := fs.reload(); err != nil {
				fs.logger.Error("Configuration reload failed, keeping last-known-good", map[string]interface{}{
					"path":  fs.path,
					"error": err.Error(),
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("Configuration watcher error", map[string]interface{}{
				"path":  fs.path,
				"error": err.Error(),
			})
		}
	}
}

// reload reads, parses, and atomically swaps the file snapshot, retrying
// transient read/parse races a bounded number of times.
func (fs *FileSource) reload() error {
	var lastErr error
	for attempt := 0; attempt <= fs.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(fs.retryDelay)
		}

		data, err := os.ReadFile(fs.path)
		if err != nil {
			lastErr = err
			continue
		}
		doc, err := ParseDocument(data)
		if err != nil {
			lastErr = err
			continue
		}
		if err := fs.resolver.SetSnapshot(SourceFile, doc); err != nil {
			lastErr = err
			continue
		}

		fs.reloads.Add(1)
		fs.logger.Info("Configuration file loaded", map[string]interface{}{
			"path":    fs.path,
			"attempt": attempt + 1,
			"reloads": fs.reloads.Load(),
		})
		return nil
	}
	return lastErr
}

// Reloads returns the number of successful reloads.
func (fs *FileSource) Reloads() int64 {
	return fs.reloads.Load()
}

// Stop terminates the watch loop and waits for it to exit.
func (fs *FileSource) Stop() {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.stopCh)
	<-fs.doneCh
}
