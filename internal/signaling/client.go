package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10

	// Signaling envelopes are small JSON; an SDP with many media sections
	// stays well under this.
	clientMaxMessageBytes = 64 * 1024

	clientSendBuffer = 16
)

// ErrTransportClosed is returned by Send after the connection is gone.
var ErrTransportClosed = errors.New("signaling: transport closed")

// Client is the duplex signaling channel to the relay for one {room, local id}
// pair. Envelopes are delivered on Incoming in the order the relay sent them;
// the channel closes when the connection is lost, which callers must treat as
// fatal to the call.
type Client struct {
	conn     *websocket.Conn
	log      *slog.Logger
	incoming chan Envelope
	outgoing chan Envelope
	done     chan struct{}

	closeOnce sync.Once
}

// Dial connects to the relay. url must be the full websocket endpoint for the
// room and participant (e.g. ws://host/ws/room_id).
func Dial(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	c := &Client{
		conn:     conn,
		log:      log,
		incoming: make(chan Envelope, clientSendBuffer),
		outgoing: make(chan Envelope, clientSendBuffer),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(clientMaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Incoming returns the inbound envelope stream. It is closed on transport
// loss or Close.
func (c *Client) Incoming() <-chan Envelope {
	return c.incoming
}

// Send queues env for delivery. Delivery order matches call order.
func (c *Client) Send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrTransportClosed
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(clientWriteWait))
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readPump() {
	defer func() {
		_ = c.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(clientPongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Warn("signaling read failed", "err", err)
			}
			return
		}

		env, err := Parse(data)
		if err != nil {
			// Malformed envelopes are dropped, never fatal.
			c.log.Warn("dropping malformed envelope", "err", err)
			continue
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			data, err := env.Encode()
			if err != nil {
				c.log.Warn("dropping unsendable envelope", "type", env.Type, "err", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
