// Package tailer provides file tailing functionality with support for
// log rotation and truncation.
package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Line represents a single line read from a file.
type Line struct {
	Text     string    // The line content, without the trailing newline
	FilePath string    // The source file path
	Time     time.Time // When the line was read
	Err      error     // Any error that occurred
}

// Options contains options for configuring a Tailer.
type Options struct {
	// Follow indicates whether to continue watching for new lines.
	Follow bool
	// PollInterval is the interval to poll for changes when fsnotify misses events.
	PollInterval time.Duration
	// ReOpen indicates whether to reopen the file if it's rotated.
	ReOpen bool
	// MustExist indicates whether the file must exist at startup.
	MustExist bool
	// FromStart reads existing content; otherwise tailing starts at the end.
	FromStart bool
	// MaxLineLength bounds a single line; longer lines are split.
	MaxLineLength int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Follow:        true,
		PollInterval:  250 * time.Millisecond,
		ReOpen:        true,
		MustExist:     true,
		FromStart:     false,
		MaxLineLength: 64 * 1024,
	}
}

// Tailer watches a file and emits new lines as they're written.
//
// Rotation (the path now names a different inode) and truncation (the file
// shrank below the read offset) are handled transparently: the remainder of
// the old file is drained before switching, and lines already emitted are
// never emitted again.
type Tailer struct {
	filePath string
	opts     *Options
	watcher  *fsnotify.Watcher

	// Owned by the run goroutine once started.
	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder

	lines  chan Line
	done   chan struct{}
	exited chan struct{}

	mu      sync.Mutex
	closed  bool
	started bool
}

// NewTailer creates a new Tailer for the given file path.
func NewTailer(filePath string, opts *Options) (*Tailer, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = 64 * 1024
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("get absolute path: %w", err)
	}

	if _, err := os.Stat(absPath); err != nil {
		if !os.IsNotExist(err) || opts.MustExist {
			return nil, fmt.Errorf("stat %s: %w", absPath, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	t := &Tailer{
		filePath: absPath,
		opts:     opts,
		watcher:  watcher,
		lines:    make(chan Line, 100),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	if err := t.openFile(!opts.FromStart); err != nil && opts.MustExist {
		watcher.Close()
		return nil, err
	}

	return t, nil
}

// Path returns the absolute path being tailed.
func (t *Tailer) Path() string {
	return t.filePath
}

// Lines returns a channel that emits lines as they're read. It is closed
// when the tailer stops.
func (t *Tailer) Lines() <-chan Line {
	return t.lines
}

// Start begins tailing the file.
func (t *Tailer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("tailer stopped")
	}
	if t.started {
		return nil
	}

	// Watch the directory so rotation (create/rename) is observed.
	if t.opts.Follow {
		if err := t.watcher.Add(filepath.Dir(t.filePath)); err != nil {
			return fmt.Errorf("watch directory: %w", err)
		}
	}

	t.started = true
	go t.run(ctx)
	return nil
}

// Stop stops the tailer and releases the file handle. It waits for the
// read loop to exit when the tailer was started.
func (t *Tailer) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	started := t.started
	close(t.done)
	t.watcher.Close()
	t.mu.Unlock()

	if started {
		<-t.exited
		return
	}
	t.closeFile()
	close(t.lines)
}

// Offset returns the number of bytes consumed from the current file.
// Only meaningful after the tailer stopped.
func (t *Tailer) Offset() int64 {
	return t.offset
}

func (t *Tailer) openFile(seekEnd bool) error {
	file, err := os.Open(t.filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat file: %w", err)
	}

	var offset int64
	if seekEnd {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return fmt.Errorf("seek to end: %w", err)
		}
	}

	t.file = file
	t.info = info
	t.reader = bufio.NewReader(file)
	t.offset = offset
	t.partial.Reset()
	return nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
	}
}

func (t *Tailer) run(ctx context.Context) {
	defer close(t.exited)
	defer close(t.lines)
	defer t.closeFile()

	t.readLines()

	if !t.opts.Follow {
		t.flushPartial()
		return
	}

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.sendLine(Line{FilePath: t.filePath, Err: fmt.Errorf("watcher error: %w", err)})
		case <-ticker.C:
			t.checkForChanges()
		}
	}
}

func (t *Tailer) handleEvent(event fsnotify.Event) {
	if event.Name != t.filePath {
		return
	}

	switch {
	case event.Has(fsnotify.Write):
		t.checkForChanges()
	case event.Has(fsnotify.Create):
		t.checkForChanges()
	}
	// Remove and Rename are followed by Create or noticed by polling.
}

// checkForChanges compares the path against the open file and reads,
// reopens, or rewinds as needed.
func (t *Tailer) checkForChanges() {
	info, err := os.Stat(t.filePath)
	if err != nil {
		// Rotated away; keep the old handle until the new file appears.
		if t.file != nil {
			t.readLines()
		}
		return
	}

	if t.file == nil {
		// File appeared after startup (MustExist=false) or after rotation.
		if err := t.openFile(false); err == nil {
			t.readLines()
		}
		return
	}

	if !os.SameFile(t.info, info) {
		if t.opts.ReOpen {
			t.handleRotation()
		}
		return
	}

	if info.Size() < t.offset {
		t.handleTruncation()
		return
	}

	if info.Size() > t.offset {
		t.readLines()
	}
}

func (t *Tailer) handleRotation() {
	// Drain whatever was appended to the old file before it was moved.
	t.readLines()
	t.flushPartial()
	t.closeFile()

	for i := 0; i < 10; i++ {
		if err := t.openFile(false); err == nil {
			t.readLines()
			return
		}
		select {
		case <-t.done:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.sendLine(Line{FilePath: t.filePath, Err: fmt.Errorf("reopen %s after rotation failed", t.filePath)})
}

func (t *Tailer) handleTruncation() {
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		t.sendLine(Line{FilePath: t.filePath, Err: fmt.Errorf("seek after truncation: %w", err)})
		return
	}
	t.reader.Reset(t.file)
	t.offset = 0
	t.partial.Reset()
	t.readLines()
}

func (t *Tailer) readLines() {
	if t.reader == nil {
		return
	}

	for {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))

		if err != nil {
			// Keep the unterminated tail until its newline arrives.
			t.partial.WriteString(chunk)
			if t.partial.Len() >= t.opts.MaxLineLength {
				t.flushPartial()
			}
			if !errors.Is(err, io.EOF) {
				t.sendLine(Line{FilePath: t.filePath, Err: fmt.Errorf("read error: %w", err)})
			}
			return
		}

		text := chunk
		if t.partial.Len() > 0 {
			t.partial.WriteString(chunk)
			text = t.partial.String()
			t.partial.Reset()
		}
		text = strings.TrimSuffix(text, "\n")
		text = strings.TrimSuffix(text, "\r")

		if !t.sendLine(Line{Text: text, FilePath: t.filePath, Time: time.Now()}) {
			return
		}
	}
}

// flushPartial emits a pending unterminated line.
func (t *Tailer) flushPartial() {
	if t.partial.Len() == 0 {
		return
	}
	text := strings.TrimSuffix(t.partial.String(), "\r")
	t.partial.Reset()
	t.sendLine(Line{Text: text, FilePath: t.filePath, Time: time.Now()})
}

func (t *Tailer) sendLine(line Line) bool {
	select {
	case t.lines <- line:
		return true
	case <-t.done:
		return false
	}
}
