package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/go-offline-kit/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The agent listens on loopback; browsers on the same device connect
	// from the application origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades the connection and writes one JSON message per
// event. Clients only read; anything they send is discarded.
func (h *Hub) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since, err := resumePoint(r)
		if err != nil {
			http.Error(w, "bad resume point", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("failed to upgrade connection", logging.ErrorAttr(err))
			return
		}

		backlog, ch, cancel := h.Subscribe(since)
		done := make(chan struct{})
		go h.readPump(conn, done)
		h.writePump(conn, backlog, ch, done)
		cancel()
	})
}

// readPump consumes control frames until the client goes away.
func (h *Hub) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", logging.ErrorAttr(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, backlog []Message, ch <-chan Message, done <-chan struct{}) {
	defer conn.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for _, m := range backlog {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(m); err != nil {
			return
		}
	}
	for {
		select {
		case <-done:
			return
		case m, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closed"))
				return
			}
			if err := conn.WriteJSON(m); err != nil {
				h.logger.Debug("websocket write failed", logging.ErrorAttr(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
