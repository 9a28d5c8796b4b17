package collector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/good-yellow-bee/logpulse/internal/models"
	"github.com/good-yellow-bee/logpulse/internal/tailer"
)

// FileConfig defines a file source to collect.
type FileConfig struct {
	SourceID     string
	Path         string
	FromStart    bool
	PollInterval time.Duration
}

// FileCollector tails one file and emits a parsed entry per line.
type FileCollector struct {
	cfg    FileConfig
	emit   EmitFunc
	log    logr.Logger
	tailer *tailer.Tailer
	state  *tracker
	now    func() time.Time

	lineNumber int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewFileCollector opens the file so that a missing or unreadable target is
// reported immediately, wrapped in ErrSourceUnavailable.
func NewFileCollector(cfg FileConfig, emit EmitFunc, log logr.Logger) (*FileCollector, error) {
	if cfg.SourceID == "" {
		cfg.SourceID = cfg.Path
	}

	opts := tailer.DefaultOptions()
	opts.FromStart = cfg.FromStart
	if cfg.PollInterval > 0 {
		opts.PollInterval = cfg.PollInterval
	}

	t, err := tailer.NewTailer(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: tail %s: %v", ErrSourceUnavailable, cfg.Path, err)
	}

	return &FileCollector{
		cfg:    cfg,
		emit:   emit,
		log:    log.WithName("file").WithValues("source", cfg.SourceID),
		tailer: t,
		state:  newTracker(models.SourceFile, cfg.SourceID, t.Path()),
		now:    time.Now,
	}, nil
}

// Start begins collecting log entries.
func (c *FileCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return fmt.Errorf("collector %s already stopped", c.cfg.SourceID)
	}
	if c.done != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := c.tailer.Start(ctx); err != nil {
		cancel()
		err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		c.state.fail(err)
		return err
	}

	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.started(c.now())
	go c.collect(ctx)
	return nil
}

// collect reads lines from the tailer, parses them, and emits entries.
func (c *FileCollector) collect(ctx context.Context) {
	defer close(c.done)
	defer c.state.stopped()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-c.tailer.Lines():
			if !ok {
				return
			}
			if line.Err != nil {
				c.log.Error(line.Err, "tail error")
				c.state.fail(line.Err)
				continue
			}

			in, err := ParseLine(line.Text, line.Time)
			if err != nil {
				// Empty lines.
				continue
			}

			c.lineNumber++
			in.Source = models.SourceFile
			in.SourceID = c.cfg.SourceID
			if in.Metadata == nil {
				in.Metadata = make(map[string]string, 2)
			}
			in.Metadata["file"] = line.FilePath
			in.Metadata["line"] = strconv.FormatInt(c.lineNumber, 10)

			c.emit(in)
			c.state.emitted(strconv.FormatInt(c.lineNumber, 10))
		}
	}
}

// Stop stops the collector and releases the file handle.
func (c *FileCollector) Stop() {
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
	}
	c.tailer.Stop()
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the collector state.
func (c *FileCollector) Status() Status {
	return c.state.snapshot()
}
