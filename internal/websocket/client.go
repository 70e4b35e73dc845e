// Package websocket adapts gorilla WebSocket connections to the relay.
package websocket

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"studyroom/internal/protocol"
	"studyroom/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Relay is the part of relay.Manager a client talks to.
type Relay interface {
	Register(conn relay.Conn) error
	Unregister(conn relay.Conn)
	Update(conn relay.Conn, msg protocol.UpdatePosition)
}

type Options struct {
	QueueDepth     int
	MaxMessageSize int64
}

// Client wraps a [websocket.Conn] with a bounded outbound queue drained by a
// single writer goroutine.
type Client struct {
	id   string
	addr netip.Addr
	ws   *websocket.Conn

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	relay          Relay
	maxMessageSize int64
}

var _ relay.Conn = (*Client)(nil)

func NewClient(ws *websocket.Conn, addr netip.Addr, r Relay, opts Options) *Client {
	return &Client{
		id:             uuid.New().String(),
		addr:           addr,
		ws:             ws,
		send:           make(chan []byte, max(opts.QueueDepth, 1)),
		closed:         make(chan struct{}),
		relay:          r,
		maxMessageSize: opts.MaxMessageSize,
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) Addr() netip.Addr { return c.addr }

// Send queues data for the writer. It never blocks: a full queue or a closed
// client reports false.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// Serve registers the client and pumps frames until the connection ends. It
// blocks for the lifetime of the connection.
func (c *Client) Serve() error {
	if err := c.relay.Register(c); err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.Close()
		return err
	}

	go c.writePump()
	c.readPump()
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.relay.Unregister(c)
		c.Close()
	}()

	if c.maxMessageSize > 0 {
		c.ws.SetReadLimit(c.maxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "clientId", c.id, "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			slog.Warn("invalid message", "clientId", c.id, "error", "non-text frame")
			continue
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			slog.Warn("invalid message", "clientId", c.id, "error", err)
			continue
		}

		c.relay.Update(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("write error", "clientId", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
