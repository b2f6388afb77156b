package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
	"github.com/ssd-technologies/agentrelay/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 1 << 20
)

// ErrorFrame is sent to a socket client whose frame was rejected.
type ErrorFrame struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

// ErrorFrameType is the type of frames carrying a rejection.
const ErrorFrameType = "error"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes to a socket; gorilla connections support one
// concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeError(msg string) error {
	data, _ := json.Marshal(ErrorFrame{
		Type:    ErrorFrameType,
		Payload: map[string]string{"error": msg},
	})
	return c.write(websocket.TextMessage, data)
}

// handleWebSocket upgrades the connection, sends the current snapshot and
// then streams every accepted envelope. Frames received from the client are
// submitted as producer envelopes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	c := &wsConn{conn: conn}
	sub := s.relay.Subscribe()
	log := s.logger.With("observer", sub.ID(), "remote", ratelimit.ClientIP(r))
	log.Info("observer connected")

	defer func() {
		s.relay.hub.Unsubscribe(sub)
		conn.Close()
		log.Info("observer disconnected")
	}()

	go s.writePump(c, sub)

	conn.SetReadLimit(maxFrame)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := ratelimit.New(s.cfg.FramesPerMinute, time.Minute)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("websocket read", "error", err)
			}
			return
		}

		if !limiter.Allow() {
			c.writeError("rate limit exceeded")
			continue
		}

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.writeError("invalid JSON: " + err.Error())
			continue
		}
		if err := s.relay.Submit(r.Context(), &env); err != nil {
			log.Warn("rejected envelope", "error", err)
			c.writeError(err.Error())
		}
	}
}

// writePump delivers queued frames to the socket until the subscriber is
// dropped or a write fails.
func (s *Server) writePump(c *wsConn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks the read loop when the hub dropped this observer.
		c.conn.Close()
	}()

	for {
		select {
		case <-sub.Done():
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "dropped"))
			return
		case msg := <-sub.Messages():
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
