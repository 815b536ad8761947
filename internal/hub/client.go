package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/logger"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Client is one websocket connection. Deliver never blocks: a full queue drops
// the envelope.
type Client struct {
	id        string
	principal string
	hub       *Hub
	conn      *websocket.Conn
	log       *zap.Logger

	mu     sync.RWMutex
	send   chan []byte
	closed atomic.Bool
}

func newClient(h *Hub, conn *websocket.Conn, id, principal string) *Client {
	return &Client{
		id:        id,
		principal: principal,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.opts.SendBuffer),
		log:       h.log.With(zap.String("connection_id", id), zap.String("principal", principal)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Principal returns the identity the connection was opened with.
func (c *Client) Principal() string { return c.principal }

// Deliver encodes env and queues it for the write pump.
func (c *Client) Deliver(env event.Envelope) bool {
	if c.closed.Load() {
		metrics.DroppedFrames.Inc()
		return false
	}
	frame, err := event.Encode(env)
	if err != nil {
		c.log.Error("failed to encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		metrics.DroppedFrames.Inc()
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.DroppedFrames.Inc()
		c.log.Warn("send buffer full, dropping envelope", zap.String("type", string(env.Type)))
		return false
	}
}

// Close stops delivery and lets the write pump send a close frame.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return
	}
	close(c.send)
}

// readPump feeds client frames to the hub until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		c.Close()
		c.conn.Close()
		c.log.Info("client disconnected")
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	ctx := logger.WithConnection(logger.WithContext(context.Background(), "hub"), c.id)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("error reading from client", zap.Error(err))
			} else {
				c.log.Debug("client closed connection", zap.Error(err))
			}
			return
		}
		c.hub.Handle(ctx, c, msg)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping error", zap.Error(err))
				return
			}
		}
	}
}
