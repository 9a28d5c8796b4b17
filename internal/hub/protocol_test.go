package hub

import (
	"errors"
	"testing"

	"github.com/good-yellow-bee/logpulse/internal/models"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantType  string
		wantField string
	}{
		{name: "subscribe", input: `{"type":"subscribe","channel":"logs","filter":{"levels":["error"],"sources":["api"]}}`, wantType: TypeSubscribe},
		{name: "subscribe without filter", input: `{"type":"subscribe","channel":"metrics"}`, wantType: TypeSubscribe},
		{name: "subscribe null filter", input: `{"type":"subscribe","channel":"alerts","filter":null}`, wantType: TypeSubscribe},
		{name: "unsubscribe", input: `{"type":"unsubscribe","channel":"containers"}`, wantType: TypeUnsubscribe},
		{name: "ping", input: `{"type":"ping"}`, wantType: TypePing},
		{name: "action", input: `{"type":"action","id":"1","action":"restart","containerId":"abc"}`, wantType: TypeAction},

		{name: "not json", input: `hello`, wantField: ""},
		{name: "array", input: `[1,2]`, wantField: ""},
		{name: "trailing data", input: `{"type":"ping"}{"type":"ping"}`, wantField: ""},
		{name: "missing type", input: `{"channel":"logs"}`, wantField: "type"},
		{name: "unknown type", input: `{"type":"shout"}`, wantField: "type"},
		{name: "unknown field", input: `{"type":"ping","extra":1}`, wantField: ""},
		{name: "unknown channel", input: `{"type":"subscribe","channel":"audit"}`, wantField: "channel"},
		{name: "unsubscribe without channel", input: `{"type":"unsubscribe"}`, wantField: "channel"},
		{name: "bad level", input: `{"type":"subscribe","channel":"logs","filter":{"levels":["loud"]}}`, wantField: "filter.levels"},
		{name: "filter wrong shape", input: `{"type":"subscribe","channel":"logs","filter":{"levels":"error"}}`, wantField: "filter"},
		{name: "filter unknown key", input: `{"type":"subscribe","channel":"logs","filter":{"hosts":["a"]}}`, wantField: "filter"},
		{name: "bad action", input: `{"type":"action","action":"delete","containerId":"abc"}`, wantField: "action"},
		{name: "action without container", input: `{"type":"action","action":"stop"}`, wantField: "containerId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tt.input))
			if tt.wantType != "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if msg.Type() != tt.wantType {
					t.Errorf("expected %s, got %s", tt.wantType, msg.Type())
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got %T", msg)
			}
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q (%v)", tt.wantField, verr.Field, err)
			}
		})
	}
}

func TestDecodeSubscribeFilter(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"subscribe","channel":"logs","filter":{"levels":["warn","error"],"containerIds":["c1"]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sub := msg.(*SubscribeMessage)
	if sub.Channel != ChannelLogs || len(sub.Filter.Levels) != 2 || sub.Filter.ContainerIDs[0] != "c1" {
		t.Errorf("unexpected subscribe message: %+v", sub)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"action","id":"req-7","action":"stop","containerId":"c1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	act := msg.(*ActionMessage)
	if act.ID != "req-7" || act.Action != models.ActionStop || act.ContainerID != "c1" {
		t.Errorf("unexpected action message: %+v", act)
	}
}

func TestFilterMatchEntry(t *testing.T) {
	fileErr := &models.LogEntry{Source: models.SourceFile, SourceID: "api", Level: models.LevelError}
	ctrWarn := &models.LogEntry{Source: models.SourceContainer, SourceID: "c1", Level: models.LevelWarn,
		Metadata: map[string]string{"container": "web"}}

	tests := []struct {
		name   string
		filter Filter
		entry  *models.LogEntry
		want   bool
	}{
		{"empty matches", Filter{}, fileErr, true},
		{"level match", Filter{Levels: []models.LogLevel{models.LevelError}}, fileErr, true},
		{"level mismatch", Filter{Levels: []models.LogLevel{models.LevelWarn}}, fileErr, false},
		{"source kind", Filter{Sources: []string{"container"}}, ctrWarn, true},
		{"source id", Filter{Sources: []string{"api"}}, fileErr, true},
		{"source mismatch", Filter{Sources: []string{"db"}}, fileErr, false},
		{"container id", Filter{ContainerIDs: []string{"c1"}}, ctrWarn, true},
		{"container name", Filter{ContainerIDs: []string{"web"}}, ctrWarn, true},
		{"container filter excludes files", Filter{ContainerIDs: []string{"api"}}, fileErr, false},
		{"conjunction", Filter{Levels: []models.LogLevel{models.LevelWarn}, Sources: []string{"file"}}, ctrWarn, false},
	}
	for _, tt := range tests {
		if got := tt.filter.MatchEntry(tt.entry); got != tt.want {
			t.Errorf("%s: MatchEntry = %v, want %v", tt.name, got, tt.want)
		}
	}
}
