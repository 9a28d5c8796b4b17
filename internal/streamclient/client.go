// Package streamclient is a reconnecting consumer of the hub's WebSocket
// protocol that keeps a bounded local view of what it receives.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/good-yellow-bee/logpulse/internal/collector"
	"github.com/good-yellow-bee/logpulse/internal/hub"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ErrNotConnected is returned when sending while no connection is open.
var ErrNotConnected = errors.New("not connected")

// State represents the client connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is re-sent after every (re)connect.
type Subscription struct {
	Channel hub.Channel
	Filter  hub.Filter
}

func (s Subscription) equal(o Subscription) bool {
	return s.Channel == o.Channel && s.Filter.Equal(o.Filter)
}

// Config configures the client.
type Config struct {
	// URL is the hub endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	Header http.Header

	Subscriptions []Subscription

	// MaxEntries bounds the local log view.
	MaxEntries int
	// MaxAlerts bounds the local alert view.
	MaxAlerts int

	// Backoff between reconnects. MaxAttempts is ignored; the client retries until closed.
	Backoff collector.BackoffConfig

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	Dialer *websocket.Dialer
}

// DefaultConfig returns the default configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		MaxEntries:   500,
		MaxAlerts:    50,
		Backoff:      collector.BackoffConfig{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1},
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = d.MaxAlerts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	c.Backoff.MaxAttempts = 0
	return c
}

// Message is one server message as received.
type Message struct {
	Type    string             `json:"type"`
	Entries []*models.LogEntry `json:"entries,omitempty"`
	Data    json.RawMessage    `json:"data,omitempty"`
	Channel hub.Channel        `json:"channel,omitempty"`
	ID      string             `json:"id,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Client keeps a connection to the hub open until Close.
type Client struct {
	cfg Config
	log logr.Logger

	state atomic.Int32

	mu            sync.Mutex
	ws            *websocket.Conn
	subs          []Subscription
	entries       []*models.LogEntry // ring, oldest at head
	head          int
	metrics       *models.MetricsSample
	containers    []models.ContainerInfo
	alerts        []*models.AlertEvent
	lastError     string
	onStateChange func(old, new State)
	onMessage     func(Message)

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle client.
func New(cfg Config, log logr.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		log:     log.WithName("streamclient"),
		entries: make([]*models.LogEntry, 0, cfg.MaxEntries),
	}
	for _, s := range cfg.Subscriptions {
		if !slices.ContainsFunc(c.subs, s.equal) {
			c.subs = append(c.subs, s)
		}
	}
	c.state.Store(int32(StateIdle))
	return c
}

// OnStateChange registers fn for every state transition. It runs on the
// client's goroutine and must not block.
func (c *Client) OnStateChange(fn func(old, new State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// OnMessage registers fn for every received message, after the local view
// is updated. It must not block.
func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// State returns the current state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.log.V(1).Info("state change", "from", old.String(), "to", s.String())
	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(old, s)
	}
}

// Start connects in the background. It fails unless the client is idle.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("client already started")
	}
	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		fn(StateIdle, StateConnecting)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Close tears down the connection and any pending retry, then waits for
// the client goroutine to exit.
func (c *Client) Close() {
	if c.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		return
	}
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateClosed)

	b := c.cfg.Backoff.NewBackOff()
	for {
		err := c.connectAndServe(ctx, b)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()

		c.setState(StateReconnecting)
		delay := b.NextBackOff()
		c.log.Info("connection lost, reconnecting", "error", err.Error(), "delay", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectAndServe dials, re-sends subscriptions and reads until the
// connection fails.
func (c *Client) connectAndServe(ctx context.Context, b backoff.BackOff) error {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.ws = ws
	subs := append([]Subscription(nil), c.subs...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for _, s := range subs {
		if err := c.write(ws, subscribeMessage(s)); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.Channel, err)
		}
	}

	b.Reset()
	c.setState(StateOpen)

	done := make(chan struct{})
	defer close(done)
	go c.pinger(ws, done)

	extend := func() { ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) }
	extend()
	ws.SetPongHandler(func(string) error { extend(); return nil })
	ws.SetPingHandler(func(data string) error {
		extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		extend()
		c.apply(msg)
	}
}

func (c *Client) pinger(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func subscribeMessage(s Subscription) map[string]any {
	return map[string]any{"type": hub.TypeSubscribe, "channel": s.Channel, "filter": s.Filter}
}

func (c *Client) write(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return ws.WriteJSON(v)
}

// send writes v on the open connection.
func (c *Client) send(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ws, v)
}

// Subscribe adds a subscription, sending it now when connected. It is
// re-sent after every reconnect either way. Subscribing again with an
// identical filter does nothing.
func (c *Client) Subscribe(channel hub.Channel, filter hub.Filter) error {
	s := Subscription{Channel: channel, Filter: filter}
	c.mu.Lock()
	if slices.ContainsFunc(c.subs, s.equal) {
		c.mu.Unlock()
		return nil
	}
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	if err := c.send(subscribeMessage(s)); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Unsubscribe removes every subscription on channel.
func (c *Client) Unsubscribe(channel hub.Channel) error {
	c.mu.Lock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s.Channel != channel {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	c.mu.Unlock()

	err := c.send(map[string]any{"type": hub.TypeUnsubscribe, "channel": channel})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Action requests a container action and returns the request ID that the
// server's ack or error reply carries.
func (c *Client) Action(containerID string, action models.ContainerAction) (string, error) {
	id := uuid.New().String()
	err := c.send(map[string]any{"type": hub.TypeAction, "id": id, "action": action, "containerId": containerID})
	if err != nil {
		return "", err
	}
	return id, nil
}

// apply updates the local view from msg.
func (c *Client) apply(msg Message) {
	c.mu.Lock()
	switch msg.Type {
	case hub.TypeLogs:
		for _, e := range msg.Entries {
			c.pushEntry(e)
		}
	case hub.TypeMetrics:
		var sample models.MetricsSample
		if err := json.Unmarshal(msg.Data, &sample); err == nil {
			c.metrics = &sample
		}
	case hub.TypeContainers:
		var list []models.ContainerInfo
		if err := json.Unmarshal(msg.Data, &list); err == nil {
			c.containers = list
		}
	case hub.TypeAlert:
		var ev models.AlertEvent
		if err := json.Unmarshal(msg.Data, &ev); err == nil {
			c.alerts = append(c.alerts, &ev)
			if len(c.alerts) > c.cfg.MaxAlerts {
				c.alerts = c.alerts[len(c.alerts)-c.cfg.MaxAlerts:]
			}
		}
	case hub.TypeError:
		c.lastError = msg.Message
	}
	fn := c.onMessage
	c.mu.Unlock()

	if msg.Type == hub.TypeError {
		c.log.Info("server reported an error", "message", msg.Message, "id", msg.ID)
	}
	if fn != nil {
		fn(msg)
	}
}

// pushEntry appends to the bounded log view. Must hold mu.
func (c *Client) pushEntry(e *models.LogEntry) {
	if len(c.entries) < c.cfg.MaxEntries {
		c.entries = append(c.entries, e)
		return
	}
	c.entries[c.head] = e
	c.head = (c.head + 1) % c.cfg.MaxEntries
}

// Logs returns the newest entries received, oldest first.
func (c *Client) Logs() []*models.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.LogEntry, 0, len(c.entries))
	out = append(out, c.entries[c.head:]...)
	out = append(out, c.entries[:c.head]...)
	return out
}

// Metrics returns the latest metrics sample, or nil.
func (c *Client) Metrics() *models.MetricsSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Containers returns the latest container list.
func (c *Client) Containers() []models.ContainerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ContainerInfo(nil), c.containers...)
}

// Alerts returns the newest alert events received, oldest first.
func (c *Client) Alerts() []*models.AlertEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.AlertEvent(nil), c.alerts...)
}

// LastError returns the last connection or server error.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}
