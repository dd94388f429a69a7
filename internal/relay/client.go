package relay

import (
	"log/slog"
	"sync"
	"time"

	"lectern/internal/models"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	sendBuffer = 256

	// closeTryAgainLater asks the client to reconnect and resynchronize.
	closeTryAgainLater = 1013
)

type closeRequest struct {
	code int
	text string
}

// Client is one websocket connection of a participant.
type Client struct {
	// ID distinguishes the connections of the same participant.
	ID          string
	Participant models.Participant

	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	closing chan closeRequest
	done    chan struct{}
	once    sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, p models.Participant) *Client {
	return &Client{
		ID:          uuid.NewString(),
		Participant: p,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, sendBuffer),
		closing:     make(chan closeRequest, 1),
		done:        make(chan struct{}),
	}
}

// ReadPump reads frames until the connection fails and hands each one to
// handle, in arrival order.
func (c *Client) ReadPump(handle func(*Client, []byte)) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("read pump error",
					slog.String("participant_id", c.Participant.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		handle(c, message)
	}
}

// WritePump is the only writer of the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case req := <-c.closing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.text))
			return

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a frame without blocking. A full buffer means the client
// fell behind: the frame is dropped and the connection is closed so the
// client reconnects and resynchronizes.
func (c *Client) TrySend(message []byte) bool {
	select {
	case <-c.done:
		c.hub.metrics.BackpressureDrops.WithLabelValues("closed").Inc()
		return false
	default:
	}

	select {
	case c.send <- message:
		return true
	default:
		c.hub.metrics.BackpressureDrops.WithLabelValues("full").Inc()
		c.hub.log.Warn("send buffer full, closing connection",
			slog.String("participant_id", c.Participant.ID),
			slog.String("client_id", c.ID),
		)
		c.CloseWith(closeTryAgainLater, "send buffer full")
		return false
	}
}

// CloseWith asks the write pump to close the connection with code.
func (c *Client) CloseWith(code int, text string) {
	select {
	case c.closing <- closeRequest{code: code, text: text}:
	default:
	}
}

func (c *Client) stop() {
	c.once.Do(func() { close(c.done) })
}
