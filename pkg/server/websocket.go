package server

import (
	"net/http"

	"github.com/aeolun/sbcp/pkg/transport"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients may be served from anywhere; SBCP has no cookies to protect
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and speaks SBCP over binary messages
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.handleConnection(transport.NewWSConn(ws), "ws", r.RemoteAddr)
}
