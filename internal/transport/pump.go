package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"lectern/internal/protocol"

	"github.com/gorilla/websocket"
)

// session is one dialed websocket. A reconnect creates a new session.
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn, buffer int) *session {
	return &session{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// readPump pumps frames from the websocket connection to the handlers.
func (m *Manager) readPump(s *session) {
	var readErr error
	defer func() {
		s.close()
		_ = s.conn.Close()
		m.onDrop(s, readErr)
	}()

	s.conn.SetReadLimit(m.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, protocol.CloseCredentialRejected) {
				m.log.LogError(context.Background(), err, "read")
			}
			readErr = err
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			m.log.LogWarn(context.Background(), "dropping malformed frame", map[string]any{"error": err.Error()})
			continue
		}

		if f.Event == protocol.EventAck {
			m.resolveAck(f)
			continue
		}
		m.metrics.InboundEvents.WithLabelValues(f.Event).Inc()
		m.log.LogEvent(context.Background(), "in", f.Event)
		m.dispatch(f)
	}
}

// writePump pumps queued frames to the websocket connection and keeps it alive.
func (m *Manager) writePump(s *session) {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}

		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
