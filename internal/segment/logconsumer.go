package segment

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogSource is anything the segment can pull new Records from (§4.1).
// The production source is the collection's write-ahead log; tests
// and the CLI can supply an in-memory stand-in.
type LogSource interface {
	// Pull returns up to maxRecords records with LogOffset > fromOffset,
	// in ascending offset order. An empty slice with a nil error means
	// "nothing new right now," not EOF.
	Pull(ctx context.Context, fromOffset uint64, maxRecords int) ([]Record, error)
}

// ApplyFunc is invoked by the LogConsumer for every batch it pulls. The
// segment supplies this as a closure that holds its write lock for the
// duration, matching the teacher's IndexFunc injection pattern
// (BackgroundIndexer.IndexFunc) so the consumer itself stays
// lock-agnostic.
type ApplyFunc func(ctx context.Context, records []Record) error

// LogConsumer runs a background pull/apply loop, structured after the
// teacher's BackgroundIndexer: a stop channel that cancels an internal
// context, a done channel that Wait blocks on, and a captured error.
type LogConsumer struct {
	source       LogSource
	apply        ApplyFunc
	pollInterval time.Duration
	maxRecords   int
	log          *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
	err     error

	lastOffset uint64
}

// NewLogConsumer creates a consumer that pulls from source and applies
// via apply, starting after lastOffset (the recovered
// max_applied_offset, or 0 for a fresh segment).
func NewLogConsumer(source LogSource, apply ApplyFunc, pollInterval time.Duration, maxRecords int, lastOffset uint64, log *slog.Logger) *LogConsumer {
	if log == nil {
		log = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &LogConsumer{
		source:       source,
		apply:        apply,
		pollInterval: pollInterval,
		maxRecords:   maxRecords,
		log:          log,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		lastOffset:   lastOffset,
	}
}

// IsRunning reports whether the consumer's loop goroutine is active.
func (c *LogConsumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start launches the pull/apply loop in a background goroutine. Safe to
// call once; a second call is a no-op while already running.
func (c *LogConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *LogConsumer) run(ctx context.Context) {
	defer close(c.doneCh)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pullOnce(ctx); err != nil {
				c.log.Error("log consumer pull failed", "error", err)
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				return
			}
		}
	}
}

func (c *LogConsumer) pullOnce(ctx context.Context) error {
	for {
		records, err := c.source.Pull(ctx, c.lastOffset, c.maxRecords)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := c.apply(ctx, records); err != nil {
			return err
		}
		c.lastOffset = records[len(records)-1].LogOffset
		if len(records) < c.maxRecords {
			return nil
		}
	}
}

// Stop signals the loop to exit and blocks until it has.
func (c *LogConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

// Wait blocks until the loop exits (for any reason) and returns its
// terminal error, if any.
func (c *LogConsumer) Wait() error {
	<-c.doneCh
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
