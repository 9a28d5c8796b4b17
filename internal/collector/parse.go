package collector

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

var (
	levelKeys     = []string{"level", "lvl", "severity", "loglevel", "log.level"}
	messageKeys   = []string{"msg", "message", "log", "text"}
	timestampKeys = []string{"time", "timestamp", "ts", "@timestamp", "datetime"}
)

// levelToken matches a bracketed, prefixed or bare level word near the start
// of a raw line, e.g. "[ERROR]", "level=warn", "WARN:".
var levelToken = regexp.MustCompile(`(?i)(?:^|[\s\[(|])(?:level=)?(trace|debug|dbg|info|notice|warn|warning|error|err|fatal|critical|crit|panic|emerg)(?:$|[\s\]):|,])`)

// sniffWindow bounds how far into a raw line the level is searched for.
const sniffWindow = 64

// ParseLine normalizes one line of text. JSON objects have their level,
// message and timestamp extracted from common keys, with the remaining
// scalar fields kept as metadata. Anything else is wrapped as raw text with
// the level sniffed from the line. Empty lines yield ErrParse.
func ParseLine(line string, now time.Time) (models.LogEntryInput, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return models.LogEntryInput{}, fmt.Errorf("%w: empty line", ErrParse)
	}
	if trimmed[0] == '{' {
		if in, err := parseJSONLine(trimmed, now); err == nil {
			return in, nil
		}
	}
	return parseRawLine(strings.TrimRight(line, "\r\n"), now), nil
}

func parseJSONLine(line string, now time.Time) (models.LogEntryInput, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return models.LogEntryInput{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	in := models.LogEntryInput{Timestamp: now, Level: models.LevelInfo}
	used := make(map[string]bool, 3)

	if key, v, ok := firstString(data, levelKeys); ok {
		if level, ok := models.ParseLogLevel(v); ok {
			in.Level = level
		}
		used[key] = true
	}
	if key, v, ok := firstString(data, messageKeys); ok {
		in.Message = strings.TrimRight(v, "\r\n")
		used[key] = true
	}
	for _, key := range timestampKeys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		if ts, ok := parseTimestampValue(raw); ok {
			in.Timestamp = ts
			used[key] = true
		}
		break
	}

	for k, v := range data {
		if used[k] {
			continue
		}
		s, ok := scalarString(v)
		if !ok {
			continue
		}
		if in.Metadata == nil {
			in.Metadata = make(map[string]string)
		}
		in.Metadata[k] = s
	}

	if in.Message == "" {
		// No recognizable message key; keep the whole object visible.
		in.Message = line
	}
	return in, nil
}

func parseRawLine(line string, now time.Time) models.LogEntryInput {
	level, ok := DetectLevel(line)
	if !ok {
		level = models.LevelInfo
	}
	return models.LogEntryInput{Timestamp: now, Level: level, Message: line}
}

// DetectLevel looks for a level keyword near the start of a raw message.
func DetectLevel(msg string) (models.LogLevel, bool) {
	window := msg
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
	}
	m := levelToken.FindStringSubmatch(window)
	if m == nil {
		return "", false
	}
	return models.ParseLogLevel(m[1])
}

func firstString(data map[string]any, keys []string) (string, string, bool) {
	for _, k := range keys {
		if v, ok := data[k].(string); ok {
			return k, v, true
		}
	}
	return "", "", false
}

func parseTimestampValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case float64:
		// Unix seconds, or milliseconds for values past year 33658.
		if t > 1e12 {
			return time.UnixMilli(int64(t)), true
		}
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	}
	return time.Time{}, false
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
