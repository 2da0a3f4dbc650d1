// Package signaling provides the client side of the WebSocket signaling
// channel: a typed, ordered event stream with automatic reconnection.
//
// The channel is transport only. It does not interpret events; the room
// coordinator consumes them in arrival order. Messages sent while the relay
// is unreachable stay queued and go out after the next successful dial, but
// anything the relay emitted during the outage is gone for good — the
// coordinator reconciles by re-joining.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// State describes channel connectivity, surfaced to the user as a banner.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Channel is a reconnecting WebSocket connection to the signaling relay.
type Channel struct {
	url string

	events   chan models.SignalMessage
	states   chan State
	outgoing chan *models.SignalMessage
	done     chan struct{}

	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn

	// pending holds the one message whose write failed when a connection
	// died. It is retried ahead of the queue on the next connection so sends
	// keep their original order across an outage.
	pending *models.SignalMessage
}

// NewChannel creates an unconnected channel for the given ws:// or wss:// URL.
func NewChannel(url string) *Channel {
	return &Channel{
		url:      url,
		events:   make(chan models.SignalMessage, 64),
		states:   make(chan State, 8),
		outgoing: make(chan *models.SignalMessage, 64),
		done:     make(chan struct{}),
	}
}

// Connect performs the first dial, bounded by ctx, and starts the pump
// goroutines. A failed first dial is terminal: the caller decides whether to
// retry the whole join. Reconnection after a successful Connect is automatic.
func (c *Channel) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling relay: %w", err)
	}

	c.setConn(conn)
	go c.run(conn)
	return nil
}

// Events delivers inbound messages in per-connection arrival order. The
// channel is closed after Close.
func (c *Channel) Events() <-chan models.SignalMessage {
	return c.events
}

// States delivers connectivity transitions. Best-effort: a slow consumer
// loses intermediate states, never the latest one queued.
func (c *Channel) States() <-chan State {
	return c.states
}

// Send queues a message for delivery. Queued messages survive a reconnect;
// Send fails only once the channel is closed.
func (c *Channel) Send(msg *models.SignalMessage) error {
	select {
	case <-c.done:
		return fmt.Errorf("signaling channel closed")
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling channel closed")
	}
}

// Close tears the channel down. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) takePending() *models.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := c.pending
	c.pending = nil
	return msg
}

func (c *Channel) setPending(msg *models.SignalMessage) {
	c.mu.Lock()
	c.pending = msg
	c.mu.Unlock()
}

// run owns one connection at a time: it pumps it until failure, then
// redials with capped exponential backoff until Close.
func (c *Channel) run(conn *websocket.Conn) {
	defer close(c.events)

	for {
		c.pump(conn)

		select {
		case <-c.done:
			return
		default:
		}

		c.notify(StateDisconnected)
		c.notify(StateReconnecting)

		next, ok := c.redial()
		if !ok {
			return
		}
		conn = next
		c.notify(StateConnected)
	}
}

// pump runs the read loop for one connection, with a write pump alongside.
// Returns when the connection dies.
func (c *Channel) pump(conn *websocket.Conn) {
	writerDone := make(chan struct{})
	go c.writePump(conn, writerDone)
	defer func() {
		conn.Close()
		close(writerDone)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("failed to parse signaling message", "err", err)
			continue
		}

		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, writerDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		if msg := c.takePending(); msg != nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.setPending(msg)
				return
			}
			continue
		}

		select {
		case msg := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.setPending(msg)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-writerDone:
			return

		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// redial attempts reconnection until it succeeds or the channel closes.
func (c *Channel) redial() (*websocket.Conn, bool) {
	backoff := reconnectBase
	for {
		select {
		case <-c.done:
			return nil, false
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), reconnectMax)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		cancel()
		if err == nil {
			c.setConn(conn)
			return conn, true
		}

		slog.Warn("signaling reconnect failed", "err", err, "retry_in", backoff)

		select {
		case <-time.After(backoff):
		case <-c.done:
			return nil, false
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// notify queues a state transition without blocking the pump.
func (c *Channel) notify(state State) {
	select {
	case c.states <- state:
	default:
		// Drop the oldest queued state to make room for the newest.
		select {
		case <-c.states:
		default:
		}
		select {
		case c.states <- state:
		default:
		}
	}
}
