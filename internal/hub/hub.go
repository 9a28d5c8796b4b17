// Package hub fans log entries, metric samples, container lists and alert
// events out to WebSocket clients according to their subscriptions.
package hub

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/logpulse/internal/metrics"
	"github.com/good-yellow-bee/logpulse/internal/models"
)

// ErrConnectionLost is returned when a connection's transport fails or its
// peer stops answering pings.
var ErrConnectionLost = errors.New("connection lost")

// ActionHandler performs container actions requested by clients.
type ActionHandler interface {
	ContainerAction(ctx context.Context, containerID string, action models.ContainerAction) error
}

// Config holds hub settings.
type Config struct {
	// PingInterval is how often the server pings each client. Must be below PongWait.
	PingInterval time.Duration `yaml:"ping_interval"`
	// PongWait is how long a connection may stay silent before it is closed.
	PongWait time.Duration `yaml:"pong_wait"`
	// WriteWait bounds a single write.
	WriteWait time.Duration `yaml:"write_wait"`
	// SendBuffer is the per-connection queue length.
	SendBuffer int `yaml:"send_buffer"`
	// MaxMessageSize bounds client messages.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// ErrorRate and ErrorBurst bound malformed client messages; a client
	// exceeding them is disconnected.
	ErrorRate  float64 `yaml:"error_rate"`
	ErrorBurst int     `yaml:"error_burst"`
	// ActionTimeout bounds a container action.
	ActionTimeout time.Duration `yaml:"action_timeout"`
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		ErrorRate:      1,
		ErrorBurst:     5,
		ActionTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ErrorRate <= 0 {
		c.ErrorRate = d.ErrorRate
	}
	if c.ErrorBurst <= 0 {
		c.ErrorBurst = d.ErrorBurst
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	return c
}

// Hub owns every client connection and its subscriptions.
//
// Subscriptions are only mutated under mu, and broadcasts hold mu for
// reading while queueing, so a removed connection never receives a later
// broadcast.
type Hub struct {
	cfg      Config
	log      logr.Logger
	actions  ActionHandler
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// New creates a hub. actions may be nil, in which case action messages are
// answered with an error.
func New(cfg Config, actions ActionHandler, log logr.Logger) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		log:     log.WithName("hub"),
		actions: actions,
		conns:   make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.V(1).Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}

	c := h.newConn(ws, r.RemoteAddr)
	if !h.register(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		ws.Close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()

	err = c.readPump()
	h.remove(c, err)
}

func (h *Hub) newConn(ws *websocket.Conn, remote string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:         uuid.New().String(),
		hub:        h,
		ws:         ws,
		remote:     remote,
		send:       make(chan []byte, h.cfg.SendBuffer),
		done:       make(chan struct{}),
		subs:       make(map[Channel][]Filter),
		errLimiter: rate.NewLimiter(rate.Limit(h.cfg.ErrorRate), h.cfg.ErrorBurst),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// register moves c to Open. It fails once the hub is closed.
func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	c.setState(StateOpen)
	metrics.HubConnectionsActive.Inc()
	h.log.V(1).Info("client connected", "conn", c.id, "remote", c.remote)
	return true
}

// remove drops every subscription of c in one step, then tears the
// connection down. Safe to call more than once.
func (h *Hub) remove(c *Conn, cause error) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	if ok {
		delete(h.conns, c.id)
		c.subs = nil
		metrics.HubConnectionsActive.Dec()
	}
	c.setState(StateClosing)
	h.mu.Unlock()

	c.shutdown()
	c.setState(StateClosed)

	if ok {
		if cause != nil && !errors.Is(cause, errClientClosed) {
			h.log.V(1).Info("client disconnected", "conn", c.id, "reason", cause.Error())
		} else {
			h.log.V(1).Info("client disconnected", "conn", c.id)
		}
	}
}

func (h *Hub) subscribe(c *Conn, ch Channel, f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.subs == nil {
		return
	}
	// A repeated identical subscription is a no-op.
	if !slices.ContainsFunc(c.subs[ch], f.Equal) {
		c.subs[ch] = append(c.subs[ch], f)
	}
	c.setState(StateSubscribed)
}

func (h *Hub) unsubscribe(c *Conn, ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.subs == nil {
		return
	}
	delete(c.subs, ch)
	if len(c.subs) == 0 {
		c.setState(StateOpen)
	}
}

// broadcast queues payload once to every connection with at least one
// subscription on ch accepted by match. It returns the number of
// connections the payload was queued to.
func (h *Hub) broadcast(ch Channel, msgType string, payload []byte, match func(Filter) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.conns {
		for _, f := range c.subs[ch] {
			if match != nil && !match(f) {
				continue
			}
			// One send per connection however many subscriptions match.
			if c.enqueue(payload) {
				sent++
			}
			break
		}
	}
	if sent > 0 {
		metrics.HubMessagesSentTotal.WithLabelValues(msgType).Add(float64(sent))
	}
	return sent
}

// BroadcastLog sends entry to connections whose logs filter accepts it.
func (h *Hub) BroadcastLog(entry *models.LogEntry) int {
	payload, err := encode(ServerMessage{Type: TypeLogs, Entries: []*models.LogEntry{entry}})
	if err != nil {
		h.log.Error(err, "failed to encode log entry")
		return 0
	}
	return h.broadcast(ChannelLogs, TypeLogs, payload, func(f Filter) bool {
		return f.MatchEntry(entry)
	})
}

// BroadcastMetrics sends a metrics sample to every metrics subscriber.
func (h *Hub) BroadcastMetrics(sample *models.MetricsSample) int {
	payload, err := encode(ServerMessage{Type: TypeMetrics, Data: sample})
	if err != nil {
		h.log.Error(err, "failed to encode metrics sample")
		return 0
	}
	return h.broadcast(ChannelMetrics, TypeMetrics, payload, nil)
}

// BroadcastContainers sends the container list to every containers subscriber.
func (h *Hub) BroadcastContainers(list []models.ContainerInfo) int {
	if list == nil {
		list = []models.ContainerInfo{}
	}
	payload, err := encode(ServerMessage{Type: TypeContainers, Data: list})
	if err != nil {
		h.log.Error(err, "failed to encode container list")
		return 0
	}
	return h.broadcast(ChannelContainers, TypeContainers, payload, nil)
}

// BroadcastAlert sends an alert event to alert subscribers. A filter with
// levels only receives alerts whose matched entries include one of them.
func (h *Hub) BroadcastAlert(event *models.AlertEvent) int {
	payload, err := encode(ServerMessage{Type: TypeAlert, Data: event})
	if err != nil {
		h.log.Error(err, "failed to encode alert event")
		return 0
	}
	return h.broadcast(ChannelAlerts, TypeAlert, payload, func(f Filter) bool {
		if f.Levels == nil && f.Sources == nil && f.ContainerIDs == nil {
			return true
		}
		for _, e := range event.MatchedEntries {
			if f.MatchEntry(e) {
				return true
			}
		}
		return false
	})
}

// ConnInfo describes one open connection.
type ConnInfo struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	State    string    `json:"state"`
	Channels []Channel `json:"channels"`
	Filters  int       `json:"filters"`
	Dropped  int64     `json:"dropped"`
}

// Connections lists open connections ordered by ID.
func (h *Hub) Connections() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ConnInfo, 0, len(h.conns))
	for _, c := range h.conns {
		info := ConnInfo{ID: c.id, Remote: c.remote, State: c.State().String(), Dropped: c.dropped.Load()}
		for ch, filters := range c.subs {
			info.Channels = append(info.Channels, ch)
			info.Filters += len(filters)
		}
		sort.Slice(info.Channels, func(i, j int) bool { return info.Channels[i] < info.Channels[j] })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ConnState returns the state of a connection. Unknown or removed
// connections report StateClosed and false.
func (h *Hub) ConnState(id string) (ConnState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	if !ok {
		return StateClosed, false
	}
	return c.State(), true
}

// Close disconnects every client and refuses new ones. It waits for write
// pumps to finish or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.remove(c, errHubClosed)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
