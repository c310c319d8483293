package gateway

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	handler           MessageHandler
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, handler MessageHandler) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		handler:           handler,
	}
}

// HandleConnection upgrades the request. The connection is then owned by the
// connection manager; sessions are joined with session:join frames.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if _, err := h.connectionManager.UpgradeConnection(w, r, h.handler); err != nil {
		// the upgrader has already written an HTTP error
		log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
}
