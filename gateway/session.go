package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/radiosync/identity"
)

const (
	sendBuffer   = 32
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
)

// session is one live websocket connection. identity is attached once at
// handshake and never changes; nil means guest.
type session struct {
	id       string
	conn     *websocket.Conn
	identity *identity.Identity
	send     chan []byte
	gateway  *Gateway
}

// readPump consumes inbound frames until the connection drops, then
// unregisters the session. Runs on the HTTP handler goroutine.
func (s *session) readPump() {
	defer func() {
		s.gateway.unregister(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway: read error", slog.String("session", s.id), slog.Any("err", err))
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("gateway: malformed frame", slog.String("session", s.id), slog.Any("err", err))
			continue
		}
		s.gateway.handleEvent(s, ev)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. It exits when the channel closes (session unregistered)
// or a write fails.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
