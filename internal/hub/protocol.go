package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

// Channel names a broadcast stream a connection can subscribe to.
type Channel string

const (
	ChannelLogs       Channel = "logs"
	ChannelMetrics    Channel = "metrics"
	ChannelContainers Channel = "containers"
	ChannelAlerts     Channel = "alerts"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelLogs, ChannelMetrics, ChannelContainers, ChannelAlerts:
		return true
	}
	return false
}

// Client message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeAction      = "action"
)

// Server message types.
const (
	TypeLogs       = "logs"
	TypeMetrics    = "metrics"
	TypeContainers = "containers"
	TypeAlert      = "alert"
	TypePong       = "pong"
	TypeError      = "error"
	TypeAck        = "ack"
)

// Filter narrows a subscription. Empty fields match everything; set fields
// are combined with AND, values within a field with OR.
type Filter struct {
	Levels []models.LogLevel `json:"levels,omitempty"`
	// Sources holds source kinds (file, container) or source IDs.
	Sources      []string `json:"sources,omitempty"`
	ContainerIDs []string `json:"containerIds,omitempty"`
}

// Equal reports whether f and o select the same entries with identical
// value lists.
func (f Filter) Equal(o Filter) bool {
	return slices.Equal(f.Levels, o.Levels) &&
		slices.Equal(f.Sources, o.Sources) &&
		slices.Equal(f.ContainerIDs, o.ContainerIDs)
}

// MatchEntry reports whether entry passes the filter.
func (f Filter) MatchEntry(entry *models.LogEntry) bool {
	if len(f.Levels) > 0 && !containsLevel(f.Levels, entry.Level) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, string(entry.Source)) && !contains(f.Sources, entry.SourceID) {
		return false
	}
	if len(f.ContainerIDs) > 0 {
		if entry.Source != models.SourceContainer {
			return false
		}
		if !contains(f.ContainerIDs, entry.SourceID) && !contains(f.ContainerIDs, entry.GetMetadata("container")) {
			return false
		}
	}
	return true
}

func containsLevel(levels []models.LogLevel, l models.LogLevel) bool {
	for _, v := range levels {
		if v == l {
			return true
		}
	}
	return false
}

func contains(values []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// ErrInvalidMessage is wrapped by every decoding failure.
var ErrInvalidMessage = errors.New("invalid message")

// ValidationError describes why a client message was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Unwrap makes errors.Is(err, ErrInvalidMessage) hold.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidMessage
}

func invalidField(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ClientMessage is one decoded client message: *SubscribeMessage,
// *UnsubscribeMessage, *PingMessage or *ActionMessage.
type ClientMessage interface {
	Type() string
}

// SubscribeMessage adds a subscription.
type SubscribeMessage struct {
	Channel Channel
	Filter  Filter
}

// UnsubscribeMessage removes every subscription on a channel.
type UnsubscribeMessage struct {
	Channel Channel
}

// PingMessage asks for a pong.
type PingMessage struct{}

// ActionMessage requests a container lifecycle action.
type ActionMessage struct {
	ID          string
	Action      models.ContainerAction
	ContainerID string
}

func (*SubscribeMessage) Type() string   { return TypeSubscribe }
func (*UnsubscribeMessage) Type() string { return TypeUnsubscribe }
func (*PingMessage) Type() string        { return TypePing }
func (*ActionMessage) Type() string      { return TypeAction }

// wireMessage is the union of every client message field.
type wireMessage struct {
	Type        string          `json:"type"`
	Channel     Channel         `json:"channel,omitempty"`
	Filter      json.RawMessage `json:"filter,omitempty"`
	ID          string          `json:"id,omitempty"`
	Action      string          `json:"action,omitempty"`
	ContainerID string          `json:"containerId,omitempty"`
}

// DecodeClientMessage validates data and returns the typed message. Errors
// are *ValidationError values wrapping ErrInvalidMessage.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, invalidField("", "malformed JSON: %v", err)
	}
	if dec.More() {
		return nil, invalidField("", "trailing data after message")
	}

	switch w.Type {
	case TypeSubscribe:
		if !w.Channel.Valid() {
			return nil, invalidField("channel", "unknown channel %q", w.Channel)
		}
		msg := &SubscribeMessage{Channel: w.Channel}
		if len(w.Filter) > 0 && !bytes.Equal(w.Filter, []byte("null")) {
			fdec := json.NewDecoder(bytes.NewReader(w.Filter))
			fdec.DisallowUnknownFields()
			if err := fdec.Decode(&msg.Filter); err != nil {
				return nil, invalidField("filter", "malformed filter: %v", err)
			}
		}
		for _, l := range msg.Filter.Levels {
			if !l.Valid() {
				return nil, invalidField("filter.levels", "unknown level %q", l)
			}
		}
		return msg, nil

	case TypeUnsubscribe:
		if !w.Channel.Valid() {
			return nil, invalidField("channel", "unknown channel %q", w.Channel)
		}
		return &UnsubscribeMessage{Channel: w.Channel}, nil

	case TypePing:
		return &PingMessage{}, nil

	case TypeAction:
		action := models.ContainerAction(w.Action)
		if !action.Valid() {
			return nil, invalidField("action", "unknown action %q", w.Action)
		}
		if w.ContainerID == "" {
			return nil, invalidField("containerId", "is required")
		}
		return &ActionMessage{ID: w.ID, Action: action, ContainerID: w.ContainerID}, nil

	case "":
		return nil, invalidField("type", "is required")
	default:
		return nil, invalidField("type", "unknown message type %q", w.Type)
	}
}

// ServerMessage is every message the hub sends.
type ServerMessage struct {
	Type    string             `json:"type"`
	Entries []*models.LogEntry `json:"entries,omitempty"`
	Data    any                `json:"data,omitempty"`
	Channel Channel            `json:"channel,omitempty"`
	ID      string             `json:"id,omitempty"`
	Message string             `json:"message,omitempty"`
}

func encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
