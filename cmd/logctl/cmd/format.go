package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ANSI color codes for log levels.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

// printer renders entries and alerts in one output format.
type printer struct {
	format string
	color  bool
}

func newPrinter(format string, color bool) *printer {
	return &printer{format: format, color: color}
}

// formatEntry formats a log entry for console output.
func (p *printer) formatEntry(entry *models.LogEntry) string {
	switch p.format {
	case "json":
		data, _ := json.Marshal(entry)
		return string(data)
	case "plain":
		return entry.Message
	}

	source := entry.SourceID
	if len(source) > 15 {
		source = source[:15]
	}

	var sb strings.Builder
	sb.WriteString(entry.Timestamp.Local().Format(time.DateTime))
	sb.WriteString(" ")
	sb.WriteString(p.formatLevel(entry.Level))
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-9s", entry.Source))
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-15s", source))
	sb.WriteString(" ")
	sb.WriteString(entry.Message)
	return sb.String()
}

// formatLevel formats the log level with ANSI colors.
func (p *printer) formatLevel(level models.LogLevel) string {
	var label, color string
	switch level {
	case models.LevelDebug:
		label, color = "[DEBUG]", colorGray
	case models.LevelInfo:
		label, color = "[INFO] ", colorBlue
	case models.LevelWarn:
		label, color = "[WARN] ", colorYellow
	case models.LevelError:
		label, color = "[ERROR]", colorRed
	case models.LevelFatal:
		label, color = "[FATAL]", colorRed
	default:
		return "[UNKN] "
	}
	if !p.color {
		return label
	}
	return color + label + colorReset
}

// formatAlert formats an alert event for console output.
func (p *printer) formatAlert(ev *models.AlertEvent) string {
	switch p.format {
	case "json":
		data, _ := json.Marshal(ev)
		return string(data)
	case "plain":
		return ev.RuleName + ": " + ev.Message
	}

	severity := strings.ToUpper(string(ev.Severity))
	if p.color {
		switch ev.Severity {
		case models.SeverityCritical, models.SeverityHigh:
			severity = colorRed + severity + colorReset
		case models.SeverityMedium:
			severity = colorYellow + severity + colorReset
		}
	}
	line := fmt.Sprintf("%s ALERT %s %s: %s", ev.TriggeredAt.Local().Format(time.DateTime), severity, ev.RuleName, ev.Message)
	if ev.Count > 1 {
		line += fmt.Sprintf(" (%d entries)", ev.Count)
	}
	return line
}

// formatMetrics formats a metrics sample as one summary line.
func (p *printer) formatMetrics(m *models.MetricsSample) string {
	if p.format == "json" {
		data, _ := json.Marshal(m)
		return string(data)
	}
	return fmt.Sprintf("%s %d entries/%s (%.2f/s) errors %.1f%% stored %d collectors %d clients %d",
		m.Timestamp.Local().Format(time.DateTime), m.Total, m.Window, m.EntriesPerSecond,
		m.ErrorRate*100, m.Stored, m.ActiveCollectors, m.Connections)
}
