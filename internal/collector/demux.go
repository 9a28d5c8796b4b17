package collector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// StreamType identifies the origin of a multiplexed frame.
type StreamType byte

const (
	Stdin  StreamType = 0
	Stdout StreamType = 1
	Stderr StreamType = 2
)

func (s StreamType) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", byte(s))
	}
}

const (
	// FrameHeaderSize is the size of a multiplexed stream frame header:
	// [stream:1][0:3][length:4 big-endian].
	FrameHeaderSize = 8
	// MaxFrameSize bounds a single frame payload.
	MaxFrameSize = 1 << 20
	// maxPendingLine bounds an unterminated line held per stream.
	maxPendingLine = 1 << 20
)

// StreamLine is one newline-terminated line recovered from a stream.
type StreamLine struct {
	Stream StreamType
	Text   string
}

// Demuxer decodes the 8-byte-header framed stdout/stderr stream produced by
// the container runtime. Partial frames and partial lines are carried across
// calls to Feed, so arbitrary read boundaries yield identical output.
//
// A Demuxer is not safe for concurrent use.
type Demuxer struct {
	buf     []byte
	pending [3]bytes.Buffer
	// resyncing is set after an invalid header until a plausible one is found.
	resyncing bool
}

// NewDemuxer returns an empty demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// Feed consumes p and returns every line completed by it. An invalid header
// is skipped by scanning forward one byte at a time for the next plausible
// header, and decoding continues from there. The returned error wraps
// ErrMalformedFrame when a new malformed region started in p; the lines are
// valid either way.
func (d *Demuxer) Feed(p []byte) ([]StreamLine, error) {
	d.buf = append(d.buf, p...)

	var (
		lines []StreamLine
		ferr  error
	)
	for {
		if d.resyncing {
			for len(d.buf) >= FrameHeaderSize && !resyncHeader(d.buf) {
				d.buf = d.buf[1:]
			}
			if len(d.buf) < FrameHeaderSize {
				break
			}
			d.resyncing = false
		}
		if len(d.buf) < FrameHeaderSize {
			break
		}

		stream := StreamType(d.buf[0])
		size := binary.BigEndian.Uint32(d.buf[4:FrameHeaderSize])

		var bad error
		switch {
		case stream > Stderr || d.buf[1] != 0 || d.buf[2] != 0 || d.buf[3] != 0:
			bad = fmt.Errorf("%w: stream type %d", ErrMalformedFrame, stream)
		case size > MaxFrameSize:
			bad = fmt.Errorf("%w: frame length %d exceeds %d", ErrMalformedFrame, size, MaxFrameSize)
		}
		if bad != nil {
			if ferr == nil {
				ferr = bad
			}
			d.resyncing = true
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < FrameHeaderSize+int(size) {
			break
		}

		payload := d.buf[FrameHeaderSize : FrameHeaderSize+int(size)]
		lines = d.split(stream, payload, lines)
		d.buf = d.buf[FrameHeaderSize+int(size):]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines, ferr
}

// resyncHeader reports whether b starts with a header worth resuming on.
// The logs endpoint only emits stdout and stderr frames with a payload, so
// stdin and empty frames are rejected here to avoid locking onto zero runs
// left over from the bad header.
func resyncHeader(b []byte) bool {
	stream := StreamType(b[0])
	if stream != Stdout && stream != Stderr {
		return false
	}
	if b[1] != 0 || b[2] != 0 || b[3] != 0 {
		return false
	}
	size := binary.BigEndian.Uint32(b[4:FrameHeaderSize])
	return size > 0 && size <= MaxFrameSize
}

// Flush returns unterminated lines held for each stream and clears them.
func (d *Demuxer) Flush() []StreamLine {
	var lines []StreamLine
	for i := range d.pending {
		if d.pending[i].Len() == 0 {
			continue
		}
		lines = append(lines, StreamLine{
			Stream: StreamType(i),
			Text:   strings.TrimSuffix(d.pending[i].String(), "\r"),
		})
		d.pending[i].Reset()
	}
	d.buf = nil
	d.resyncing = false
	return lines
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

func (d *Demuxer) split(stream StreamType, payload []byte, lines []StreamLine) []StreamLine {
	pending := &d.pending[stream]
	for len(payload) > 0 {
		i := bytes.IndexByte(payload, '\n')
		if i < 0 {
			pending.Write(payload)
			if pending.Len() >= maxPendingLine {
				lines = append(lines, StreamLine{Stream: stream, Text: pending.String()})
				pending.Reset()
			}
			return lines
		}

		pending.Write(payload[:i])
		text := strings.TrimSuffix(pending.String(), "\r")
		pending.Reset()
		lines = append(lines, StreamLine{Stream: stream, Text: text})
		payload = payload[i+1:]
	}
	return lines
}

// ParseStreamLine turns a demultiplexed line into an entry input. A leading
// RFC 3339 timestamp followed by a space is used as the entry time;
// otherwise now is used and the whole line becomes the message. Entries from
// stderr default to error level unless the message names a level.
func ParseStreamLine(line StreamLine, now time.Time) (models.LogEntryInput, error) {
	in := models.LogEntryInput{Timestamp: now, Message: line.Text}

	if sp := strings.IndexByte(line.Text, ' '); sp > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, line.Text[:sp]); err == nil {
			in.Timestamp = ts
			in.Message = line.Text[sp+1:]
		}
	}
	if strings.TrimSpace(in.Message) == "" {
		return models.LogEntryInput{}, fmt.Errorf("%w: empty line", ErrParse)
	}

	if strings.HasPrefix(in.Message, "{") {
		if structured, err := parseJSONLine(in.Message, in.Timestamp); err == nil {
			if structured.Metadata == nil {
				structured.Metadata = make(map[string]string, 1)
			}
			structured.Metadata["stream"] = line.Stream.String()
			return structured, nil
		}
	}

	if level, ok := DetectLevel(in.Message); ok {
		in.Level = level
	} else if line.Stream == Stderr {
		in.Level = models.LevelError
	} else {
		in.Level = models.LevelInfo
	}

	in.Metadata = map[string]string{"stream": line.Stream.String()}
	return in, nil
}
