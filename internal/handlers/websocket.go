package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"SocialChat/server/internal/appMiddleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket upgrades the connection and registers it with the session
// registry until the client goes away. Pushes flow server to client only;
// commands go through the HTTP API, and missed pushes are never replayed —
// on reconnect the client re-fetches through the read path.
func (h *ChatHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}

	userID, err := appMiddleware.ParseUserToken(tokenStr, h.jwtSecret)
	if err != nil {
		log.Printf("Invalid websocket token: %v", err)
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading to WebSocket: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("User %s connected to WebSocket", userID)

	connectionID := h.registry.Register(userID, conn)
	defer h.registry.Unregister(connectionID)

	// Drain client frames to keep the connection alive and notice closure.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Printf("User %s disconnected: %v", userID, err)
			return
		}
	}
}
