package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/logpulse/internal/metrics"
)

var (
	errClientClosed  = errors.New("closed by client")
	errHubClosed     = errors.New("hub closed")
	errTooManyErrors = fmt.Errorf("%w: too many invalid messages", ErrConnectionLost)
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateSubscribed
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one client connection.
type Conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	remote string

	send    chan []byte
	done    chan struct{}
	dropped atomic.Int64
	state   atomic.Int32

	// subs is guarded by hub.mu. nil once the connection is removed.
	subs map[Channel][]Filter

	errLimiter *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// ID returns the connection ID.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// enqueue queues payload without blocking. A full queue drops the payload
// for this connection only.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		c.dropped.Add(1)
		metrics.HubMessagesDroppedTotal.Inc()
		return false
	}
}

func (c *Conn) reply(msg ServerMessage) {
	payload, err := encode(msg)
	if err != nil {
		c.hub.log.Error(err, "failed to encode reply", "type", msg.Type)
		return
	}
	if c.enqueue(payload) {
		metrics.HubMessagesSentTotal.WithLabelValues(msg.Type).Inc()
	}
}

// shutdown stops the write pump, cancels pending actions and closes the socket.
func (c *Conn) shutdown() {
	c.stopOnce.Do(func() {
		c.cancel()
		close(c.done)
		if c.ws != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.hub.cfg.WriteWait))
			c.ws.Close()
		}
	})
}

// readPump reads client messages until the connection fails. Any message
// or pong extends the read deadline.
func (c *Conn) readPump() error {
	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return errClientClosed
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if msgType != websocket.TextMessage {
			err = c.reject(invalidField("", "binary messages are not supported"))
		} else {
			err = c.handle(data)
		}
		if err != nil {
			return err
		}
	}
}

// writePump is the only writer of data frames. It sends queued messages
// and periodic pings.
func (c *Conn) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				// Unblocks readPump, which removes the connection.
				c.ws.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

// handle processes one client message. A non-nil error closes the connection.
func (c *Conn) handle(data []byte) error {
	msg, err := DecodeClientMessage(data)
	if err != nil {
		return c.reject(err)
	}

	switch m := msg.(type) {
	case *SubscribeMessage:
		c.hub.subscribe(c, m.Channel, m.Filter)
		c.reply(ServerMessage{Type: TypeAck, Channel: m.Channel, Message: "subscribed"})
	case *UnsubscribeMessage:
		c.hub.unsubscribe(c, m.Channel)
		c.reply(ServerMessage{Type: TypeAck, Channel: m.Channel, Message: "unsubscribed"})
	case *PingMessage:
		c.reply(ServerMessage{Type: TypePong})
	case *ActionMessage:
		c.runAction(m)
	}
	return nil
}

// reject answers a bad message with an error, or fails the connection once
// the client exceeds its error budget.
func (c *Conn) reject(err error) error {
	metrics.HubClientErrorsTotal.Inc()
	if !c.errLimiter.Allow() {
		c.hub.log.Info("closing connection after repeated invalid messages", "conn", c.id, "remote", c.remote)
		return errTooManyErrors
	}
	c.reply(ServerMessage{Type: TypeError, Message: err.Error()})
	return nil
}

func (c *Conn) runAction(m *ActionMessage) {
	actions := c.hub.actions
	if actions == nil {
		c.reply(ServerMessage{Type: TypeError, ID: m.ID, Message: "container actions are not available"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.ActionTimeout)
		defer cancel()

		if err := actions.ContainerAction(ctx, m.ContainerID, m.Action); err != nil {
			c.hub.log.Info("container action failed", "action", m.Action, "container", m.ContainerID, "error", err.Error())
			c.reply(ServerMessage{Type: TypeError, ID: m.ID, Message: err.Error()})
			return
		}
		c.hub.log.Info("container action completed", "action", m.Action, "container", m.ContainerID)
		c.reply(ServerMessage{Type: TypeAck, ID: m.ID, Message: string(m.Action)})
	}()
}
