// Package websocket serves downstream WebSocket connections. Each connection
// becomes a hub subscriber that receives every telemetry event.
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentstation/sensorbridge/internal/telemetry"
	"github.com/agentstation/sensorbridge/pkg/errors"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Client is a single WebSocket connection. It implements hub.Subscriber.
type Client struct {
	id     string
	conn   *websocket.Conn
	framer Framer
	logger *zerolog.Logger

	// send carries encoded frames to the write pump.
	send chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	// onDone runs once when either pump stops.
	onDone   func()
	doneOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, framer Framer, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		id:     id,
		conn:   conn,
		framer: framer,
		logger: logger,
		send:   make(chan []byte),
		closed: make(chan struct{}),
	}
}

// ID implements hub.Subscriber.
func (c *Client) ID() string { return c.id }

// Send implements hub.Subscriber. It blocks until the write pump takes the
// frame, so a slow peer backs up into the hub's queue for this client.
func (c *Client) Send(ev telemetry.Event) error {
	frame, err := c.framer.Encode(ev)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Close implements hub.Subscriber. The write pump sends a close frame and
// releases the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) write(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return errors.ErrClosed
	}
}

func (c *Client) finish() {
	c.doneOnce.Do(func() {
		if c.onDone != nil {
			c.onDone()
		}
	})
}

// ReadPump reads frames from the peer until the connection fails or the peer
// leaves. Inbound frames are passed to the framer; join is called when the
// framer asks for the hub.
func (c *Client) ReadPump(join func()) {
	defer func() {
		c.finish()
		_ = c.Close()
	}()

	wait := c.framer.PongWait()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		if kind != websocket.TextMessage {
			continue
		}

		in := c.framer.Decode(c.id, data)
		if in.Reply != nil {
			if err := c.write(in.Reply); err != nil {
				return
			}
		}
		if in.Join && join != nil {
			join()
		}
		if in.Leave {
			c.logger.Debug().Msg("Peer left")
			return
		}
	}
}

// WritePump writes queued frames and keepalive pings until the client is
// closed or a write fails.
func (c *Client) WritePump(open [][]byte) {
	ticker := time.NewTicker(c.framer.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.finish()
	}()

	for _, frame := range open {
		if err := c.writeFrame(websocket.TextMessage, frame); err != nil {
			c.logger.Debug().Err(err).Msg("WebSocket handshake write failed")
			return
		}
	}

	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			kind, data := c.framer.Ping()
			if err := c.writeFrame(kind, data); err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket ping failed")
				return
			}

		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) writeFrame(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}
