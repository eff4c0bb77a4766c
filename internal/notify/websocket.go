package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bridge terminates agent connections directly; origin checks are a
	// browser concern and agents are not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SessionValidator gates WebSocket subscriptions with a session token.
type SessionValidator interface {
	ValidateSession(token, agentID, ip, userAgent string) bool
}

// Gateway bridges the Hub to WebSocket connections. All writes go through a
// single writer goroutine per connection so pings and notifications never
// race on the socket.
type Gateway struct {
	hub       *Hub
	validator SessionValidator
	logger    *slog.Logger
}

func NewGateway(hub *Hub, validator SessionValidator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{hub: hub, validator: validator, logger: logger.With("component", "notify-ws")}
}

// ServeHTTP upgrades the connection and streams the agent's notifications
// until the client disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	token := r.Header.Get("X-Session-Token")
	if agentID == "" {
		http.Error(w, "missing X-Agent-ID", http.StatusBadRequest)
		return
	}
	if g.validator != nil && !g.validator.ValidateSession(token, agentID, r.RemoteAddr, r.UserAgent()) {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "agent", agentID, "error", err)
		return
	}

	stream, cancel := g.hub.Subscribe(agentID)
	defer cancel()

	// Reader: only consumed for control frames and disconnect detection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case n, ok := <-stream:
			if !ok {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
