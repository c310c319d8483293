package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/estimateflow/go/internal/config"
	"github.com/mcdev12/estimateflow/go/internal/gateway"
	"github.com/mcdev12/estimateflow/go/internal/relay"
	"github.com/mcdev12/estimateflow/go/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	log.Info().
		Str("addr", cfg.Addr()).
		Strs("client_origins", cfg.ClientOrigins).
		Bool("vote_secrecy", cfg.Session.VoteSecrecy).
		Dur("session_idle_ttl", cfg.Session.IdleTTL).
		Bool("relay", cfg.RelayEnabled()).
		Msg("starting estimateflow server")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "estimateflow", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	var natsRelay *relay.NATSRelay
	var sessionRelay gateway.Relay
	if cfg.RelayEnabled() {
		relayConfig := relay.DefaultConfig()
		relayConfig.URL = cfg.NATS.URL
		relayConfig.SubjectPrefix = cfg.NATS.SubjectPrefix

		natsRelay, err = relay.Connect(relayConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect NATS relay")
		}
		defer natsRelay.Close()
		sessionRelay = natsRelay

		go natsRelay.Run(ctx)
	}

	connConfig := gateway.DefaultConnectionConfig()
	connConfig.WriteTimeout = cfg.WebSocket.WriteTimeout
	connConfig.ReadTimeout = cfg.WebSocket.ReadTimeout
	connConfig.PingInterval = cfg.WebSocket.PingInterval
	connConfig.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	connConfig.HideVotes = cfg.Session.VoteSecrecy

	gatewayService := gateway.NewService(gateway.Config{
		ConnectionConfig: connConfig,
		AllowedOrigins:   cfg.ClientOrigins,
		SessionIdleTTL:   cfg.Session.IdleTTL,
		SweepInterval:    cfg.Session.SweepInterval,
	}, sessionRelay)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h2c.NewHandler(gatewayService.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start gateway service (broadcast loop and idle sweeper)
	go func() {
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	// Start HTTP server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Cancel service context to close WebSocket connections and stop the sweeper
	cancel()

	// Give services time to clean up
	time.Sleep(500 * time.Millisecond)

	log.Info().Msg("estimateflow server shutdown complete")
}
