package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/numhive/platform/internal/metrics"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Second

	// readLimit bounds inbound control messages; clients never stream
	// payloads to the hub.
	readLimit = 4 * 1024

	authorizeTimeout = 5 * time.Second
)

// session is one authenticated websocket connection. rooms is guarded by
// the hub mutex.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	rooms  map[string]struct{}
	once   sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, userID string) *session {
	return &session{
		hub:    h,
		conn:   conn,
		userID: userID,
		// Sized past the replay window so a reconnect burst fits before
		// the write pump starts draining.
		send:  make(chan []byte, h.replay+32),
		rooms: make(map[string]struct{}),
	}
}

// close detaches the session from the hub before the send channel closes,
// so the fan-out can never write to a closed channel.
func (s *session) close() {
	s.once.Do(func() {
		s.hub.detach(s)
		close(s.send)
		_ = s.conn.Close()
		metrics.DecWSConnections()
	})
}

// readPump consumes control messages and keeps the read deadline fed by
// pongs. It owns the connection teardown for its side.
func (s *session) readPump() {
	defer s.close()
	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleControl(raw)
	}
}

// handleControl processes one client frame. The only verbs are room
// subscribe and unsubscribe; anything else is ignored.
func (s *session) handleControl(raw []byte) {
	action := gjson.GetBytes(raw, "action").String()
	room := gjson.GetBytes(raw, "room").String()
	if room == "" {
		return
	}
	switch action {
	case "subscribe":
		ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
		allowed := s.hub.authorizeRoom(ctx, s, room)
		cancel()
		if !allowed {
			s.ack("room.denied", room)
			return
		}
		s.hub.join(s, room)
		s.ack("room.joined", room)
	case "unsubscribe":
		s.hub.leave(s, room)
		s.ack("room.left", room)
	}
}

func (s *session) ack(typ, room string) {
	raw, err := json.Marshal(map[string]string{"type": typ, "room": room})
	if err != nil {
		return
	}
	select {
	case s.send <- raw:
	default:
	}
}

// writePump serializes all writes: fan-out frames and the keepalive pings
// that hold the peer's read deadline open.
func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()
	for {
		select {
		case raw, ok := <-s.send:
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
