package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estimateflow/go/internal/session"
)

// Relay mirrors session snapshots to an external system.
type Relay interface {
	session.Publisher
	RelayStatus
}

// Service wires the session store to WebSocket clients and the HTTP API
type Service struct {
	config            Config
	store             *session.Store
	connectionManager *ConnectionManager
	dispatcher        *Dispatcher
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	originPolicy      *OriginPolicy
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	AllowedOrigins   []string
	SessionIdleTTL   time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		SessionIdleTTL:   6 * time.Hour,
		SweepInterval:    5 * time.Minute,
	}
}

// NewService creates a new gateway service. relay may be nil.
func NewService(config Config, relay Relay, opts ...session.StoreOption) *Service {
	originPolicy := NewOriginPolicy(config.AllowedOrigins)
	config.ConnectionConfig.CheckOrigin = originPolicy.CheckOrigin

	connectionManager := NewConnectionManager(config.ConnectionConfig)

	publishers := session.Publishers{connectionManager}
	var status RelayStatus
	if relay != nil {
		publishers = append(publishers, relay)
		status = relay
	}

	store := session.NewStore(append(opts, session.WithPublisher(publishers))...)
	dispatcher := NewDispatcher(store)

	return &Service{
		config:            config,
		store:             store,
		connectionManager: connectionManager,
		dispatcher:        dispatcher,
		wsHandler:         NewWebSocketHandler(connectionManager, dispatcher),
		stateHandler:      NewStateHandler(store, connectionManager, status),
		originPolicy:      originPolicy,
	}
}

// Start runs the broadcast loop and the idle sweeper until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	go s.connectionManager.Start(ctx)
	go s.store.Run(ctx, s.config.SweepInterval, s.config.SessionIdleTTL)

	<-ctx.Done()

	log.Info().Msg("gateway service shutting down")
	return s.Stop()
}

// Stop logs the final state of the service. Connections are closed by the
// connection manager when its context ends.
func (s *Service) Stop() error {
	stats := s.store.Stats()
	log.Info().
		Int("sessions", stats.Sessions).
		Int("participants", stats.Participants).
		Msg("gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// Handler returns the routes wrapped in the CORS policy
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORSMiddleware(s.originPolicy, mux)
}

// Store exposes the session store
func (s *Service) Store() *session.Store {
	return s.store
}
