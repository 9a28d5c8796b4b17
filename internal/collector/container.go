package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

var errStreamEnded = errors.New("log stream ended")

// ContainerConfig defines a container log stream to collect.
type ContainerConfig struct {
	SourceID    string
	ContainerID string
	FromStart   bool
	Backoff     BackoffConfig
}

// ContainerCollector follows the multiplexed log stream of one container and
// reconnects with exponential backoff when the stream ends or fails.
type ContainerCollector struct {
	cfg    ContainerConfig
	opener StreamOpener
	emit   EmitFunc
	log    logr.Logger
	state  *tracker
	now    func() time.Time

	// Owned by the run goroutine.
	lastTimestamp time.Time
	malformed     int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewContainerCollector creates a collector for cfg.ContainerID. The stream
// is opened by Start.
func NewContainerCollector(cfg ContainerConfig, opener StreamOpener, emit EmitFunc, log logr.Logger) (*ContainerCollector, error) {
	if cfg.ContainerID == "" {
		return nil, fmt.Errorf("%w: container id is required", ErrSourceUnavailable)
	}
	if opener == nil {
		return nil, fmt.Errorf("%w: no container runtime configured", ErrSourceUnavailable)
	}
	if cfg.SourceID == "" {
		cfg.SourceID = cfg.ContainerID
	}

	return &ContainerCollector{
		cfg:    cfg,
		opener: opener,
		emit:   emit,
		log:    log.WithName("container").WithValues("source", cfg.SourceID),
		state:  newTracker(models.SourceContainer, cfg.SourceID, cfg.ContainerID),
		now:    time.Now,
	}, nil
}

// Start launches the stream loop.
func (c *ContainerCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("collector %s already stopped", c.cfg.SourceID)
	}
	if c.done != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.started(c.now())
	go c.run(ctx)
	return nil
}

// Stop cancels the stream and waits for the loop to exit.
func (c *ContainerCollector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Status returns a snapshot of the collector state.
func (c *ContainerCollector) Status() Status {
	return c.state.snapshot()
}

// Done is closed when the loop exits, either after Stop or after giving up.
func (c *ContainerCollector) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *ContainerCollector) run(ctx context.Context) {
	defer close(c.done)
	defer c.state.stopped()

	b := c.cfg.Backoff.NewBackOff()
	opts := LogStreamOptions{FromStart: c.cfg.FromStart}

	for {
		rc, err := c.opener.OpenLogStream(ctx, c.cfg.ContainerID, opts)
		if err == nil {
			var n int64
			n, err = c.consume(ctx, rc)
			if n > 0 {
				b.Reset()
				c.state.resetAttempts()
			}
		}
		if ctx.Err() != nil {
			return
		}

		attempts := c.state.attempt()
		c.state.fail(err)

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			final := fmt.Errorf("%w: container %s: giving up after %d attempts: %v",
				ErrSourceUnavailable, c.cfg.ContainerID, attempts, err)
			c.state.fail(final)
			c.log.Error(final, "collector stopped")
			return
		}
		c.log.V(1).Info("reconnecting", "attempt", attempts, "delay", delay.String(), "error", err.Error())

		// Resume after the last delivered entry so nothing is replayed.
		if !c.lastTimestamp.IsZero() {
			opts.Since = c.lastTimestamp.Add(time.Nanosecond)
		} else if opts.Since.IsZero() && !opts.FromStart {
			opts.Since = c.now()
		}

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// consume demultiplexes rc until it ends and returns the number of entries
// emitted. Cancelling ctx closes rc so a blocked read returns at once.
func (c *ContainerCollector) consume(ctx context.Context, rc io.ReadCloser) (int64, error) {
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()
	defer rc.Close()

	d := NewDemuxer()
	buf := make([]byte, 32*1024)
	var emitted int64

	for {
		n, err := rc.Read(buf)
		if n > 0 {
			lines, ferr := d.Feed(buf[:n])
			emitted += c.emitLines(lines)
			if ferr != nil {
				c.malformed++
				c.log.Error(ferr, "skipping malformed frame", "malformed", c.malformed)
			}
		}
		if err != nil {
			emitted += c.emitLines(d.Flush())
			if errors.Is(err, io.EOF) {
				return emitted, errStreamEnded
			}
			return emitted, fmt.Errorf("read log stream: %w", err)
		}
	}
}

func (c *ContainerCollector) emitLines(lines []StreamLine) int64 {
	var n int64
	for _, line := range lines {
		in, err := ParseStreamLine(line, c.now())
		if err != nil {
			continue
		}
		in.Source = models.SourceContainer
		in.SourceID = c.cfg.SourceID
		in.Metadata["container"] = c.cfg.ContainerID

		c.emit(in)
		n++
		if in.Timestamp.After(c.lastTimestamp) {
			c.lastTimestamp = in.Timestamp
		}
		c.state.emitted(c.lastTimestamp.Format(time.RFC3339Nano))
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
