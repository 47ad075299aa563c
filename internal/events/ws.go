package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin policy is handled upstream; the API serves the frontend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the room control protocol spoken by the frontend.
type clientMessage struct {
	Action string `json:"action"` // join_client, leave_client, join_material, leave_material
	ID     string `json:"id"`
}

// Handler upgrades the connection and services the subscription until either
// side closes it.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		sub := h.Subscribe()
		go h.writePump(conn, sub)
		h.readPump(conn, sub)
	}
}

// readPump consumes room control messages until the connection drops, then
// tears the subscription down.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Debug("ignoring malformed ws message", "error", err)
			continue
		}
		h.handleControl(sub, msg)
	}
}

func (h *Hub) handleControl(sub *Subscriber, msg clientMessage) {
	if msg.ID == "" {
		return
	}
	switch msg.Action {
	case "join_client":
		h.Join(sub, ClientRoom(msg.ID))
	case "leave_client":
		h.Leave(sub, ClientRoom(msg.ID))
	case "join_material":
		h.Join(sub, MaterialRoom(msg.ID))
	case "leave_material":
		h.Leave(sub, MaterialRoom(msg.ID))
	default:
		h.logger.Debug("unknown ws action", "action", msg.Action)
	}
}

// writePump pushes published frames and periodic pings to the connection.
func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case raw, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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
