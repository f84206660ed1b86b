package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsHub manages the set of active WebSocket connections and broadcasts
// feed messages to all of them. This is the backend for the /ws live
// feed of appended entries and integrity alerts.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting. This avoids needing locks on the connections map — all
// mutations happen in the hub goroutine via channels.
type wsHub struct {
	connections map[*wsConn]bool

	// broadcast channel — messages sent here are forwarded to all clients.
	broadcastCh chan []byte

	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// upgrader handles HTTP → WebSocket protocol upgrade. CheckOrigin allows
// all origins since the server binds to loopback and we want to support
// local tooling.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
}

// run is the main hub event loop. Runs in a background goroutine until
// close() is called.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Client's send buffer is full — drop the connection.
					// This prevents a slow client from blocking the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}

		case <-h.done:
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

// broadcast sends a message to all connected clients. Non-blocking — if
// the broadcast channel is full, the message is dropped. The feed is
// best-effort; the authoritative record is the ledger itself.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// close stops the hub goroutine and disconnects all clients. Safe to
// call multiple times.
func (h *wsHub) close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// handleWebSocket upgrades an HTTP connection and registers the client
// with the hub for receiving feed messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.hub.registerCh <- client

	go client.writePump()
	go client.readPump(s.hub)
}

// writePump sends messages from the send channel to the WebSocket
// connection. Runs in a goroutine per client; exits when the hub closes
// the send channel.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump reads messages from the WebSocket to detect disconnection.
// The feed is one-directional (server → client); incoming messages are
// discarded.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
