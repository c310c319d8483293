package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estimateflow/go/internal/session"
)

// DefaultDeck is the card deck offered to clients.
var DefaultDeck = []string{"1", "2", "3", "5", "8", "13", "20", "40", "100", "?", "☕"}

const sessionIDLength = 10

// RelayStatus reports the health of the optional event relay.
type RelayStatus interface {
	Connected() bool
}

// CreateSessionResponse is returned by POST /api/sessions
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	HostKey   string `json:"hostKey"`
}

// DeckResponse is returned by GET /api/deck
type DeckResponse struct {
	Deck []string `json:"deck"`
}

// StatsResponse is returned by GET /api/stats
type StatsResponse struct {
	Sessions     int             `json:"sessions"`
	Participants int             `json:"participants"`
	Stories      int             `json:"stories"`
	Connections  ConnectionStats `json:"connections"`
	Relay        string          `json:"relay"`
}

// StateHandler serves the HTTP side of the API
type StateHandler struct {
	store             *session.Store
	connectionManager *ConnectionManager
	relay             RelayStatus
}

// NewStateHandler creates a new state handler. relay may be nil.
func NewStateHandler(store *session.Store, cm *ConnectionManager, relay RelayStatus) *StateHandler {
	return &StateHandler{
		store:             store,
		connectionManager: cm,
		relay:             relay,
	}
}

// HandleHealth handles GET /health
func (h *StateHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleCreateSession handles POST /api/sessions. The session itself is
// created lazily by the first session:join; the host claims it with the
// returned key.
func (h *StateHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := CreateSessionResponse{
		SessionID: NewSessionID(),
		HostKey:   NewHostKey(),
	}
	log.Info().Str("session_id", resp.SessionID).Msg("session id issued")
	writeJSON(w, http.StatusCreated, resp)
}

// HandleGetDeck handles GET /api/deck
func (h *StateHandler) HandleGetDeck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, DeckResponse{Deck: DefaultDeck})
}

// HandleGetStats handles GET /api/stats
func (h *StateHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.store.Stats()
	resp := StatsResponse{
		Sessions:     stats.Sessions,
		Participants: stats.Participants,
		Stories:      stats.Stories,
		Connections:  h.connectionManager.GetConnectionStats(),
		Relay:        "disabled",
	}
	if h.relay != nil {
		resp.Relay = "disconnected"
		if h.relay.Connected() {
			resp.Relay = "connected"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterStateRoutes registers the HTTP API routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/sessions", h.HandleCreateSession)
	mux.HandleFunc("/api/deck", h.HandleGetDeck)
	mux.HandleFunc("/api/stats", h.HandleGetStats)
}

// NewSessionID returns a short random session id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:sessionIDLength]
}

// NewHostKey returns a random 32 character host key.
func NewHostKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
