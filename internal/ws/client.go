package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/darkden-lab/marketplace-realtime/internal/stats"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096

	// DefaultSendBuffer is the per-client outbound queue capacity.
	DefaultSendBuffer = 256
)

var (
	// ErrClientClosed is returned when enqueueing to a client that is gone.
	ErrClientClosed = errors.New("ws: client closed")
	// ErrSlowConsumer is returned when a client's send queue is full.
	ErrSlowConsumer = errors.New("ws: client send queue full")
)

// Conn is the part of *websocket.Conn a Client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// StatsProvider answers get_stats requests.
type StatsProvider interface {
	CurrentStats(ctx context.Context) stats.Aggregate
}

// State is the lifecycle state of a Client.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Client represents a single WebSocket connection.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn  Conn
	hub   *Hub
	stats StatsProvider
	state atomic.Int32

	// mu guards send against a close racing an enqueue.
	mu           sync.Mutex
	send         chan []byte
	sendClosed   bool
	subscription string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewClient creates a Client in the Connecting state. sp may be nil, in which
// case get_stats is answered with an error.
func NewClient(hub *Hub, conn Conn, sp StatsProvider, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:           uuid.New().String(),
		ConnectedAt:  time.Now().UTC(),
		conn:         conn,
		hub:          hub,
		stats:        sp,
		send:         make(chan []byte, sendBuffer),
		subscription: defaultSubscription,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Subscription returns the last subscription the client asked for.
func (c *Client) Subscription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscription
}

// Open moves the client to Open: it queues the connection acknowledgement and
// registers with the hub, so the acknowledgement is always the first message.
func (c *Client) Open() error {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("ws: client %s is %s", c.ID, c.State())
	}
	if err := c.reply(newConnectionMessage(c.ID, c.ConnectedAt)); err != nil {
		c.Close()
		return err
	}
	if err := c.hub.Register(c); err != nil {
		c.Close()
		return err
	}
	return nil
}

// Close moves the client to Closed, removes it from the hub and closes the
// socket. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		c.hub.Unregister(c.ID)
		c.closeSend()
		c.conn.Close() //nolint:errcheck
	})
}

// enqueue hands data to the write pump without blocking.
func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) reply(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: marshal reply: %w", err)
	}
	return c.enqueue(data)
}

// ReadPump reads control messages until the connection fails. It runs in
// its own goroutine per client and closes the client on exit.
func (c *Client) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("ws: client %s read error: %v", c.ID, err)
			}
			return
		}
		if err := c.handleMessage(c.ctx, msg); err != nil {
			log.Printf("ws: client %s reply failed: %v", c.ID, err)
			return
		}
	}
}

// WritePump drains the send queue to the connection and sends keepalive
// pings. It runs in its own goroutine per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				// Hub closed the queue.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers one inbound control message. Protocol errors are
// replied to and keep the connection open; only a failed reply is returned.
func (c *Client) handleMessage(ctx context.Context, raw []byte) error {
	now := time.Now().UTC()

	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return c.reply(newErrorMessage("Invalid message format: "+err.Error(), now))
	}
	if msg.Type == "" {
		return c.reply(newErrorMessage("Invalid message format: missing message type", now))
	}

	kind, ok := parseInboundKind(msg.Type)
	if !ok {
		return c.reply(newErrorMessage("Unknown message type: "+msg.Type, now))
	}

	switch kind {
	case kindPing:
		return c.reply(newPongMessage(now))
	case kindGetStats:
		if c.stats == nil {
			return c.reply(newErrorMessage("Statistics are not available", now))
		}
		agg := c.stats.CurrentStats(ctx)
		return c.reply(newStatsMessage(agg, time.Now().UTC()))
	case kindSubscribe:
		sub := msg.Subscription
		if sub == "" {
			sub = defaultSubscription
		}
		c.mu.Lock()
		c.subscription = sub
		c.mu.Unlock()
		log.Printf("ws: client %s subscribed to %s", c.ID, sub)
		return c.reply(newSubscribedMessage(sub, now))
	}
	return nil
}
