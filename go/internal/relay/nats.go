package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estimateflow/go/internal/session"
)

// EventSessionUpdated is the event type of every relayed snapshot.
const EventSessionUpdated = "session.updated"

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	BufferSize    int
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "estimateflow.sessions",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		BufferSize:    1000,
	}
}

// Envelope wraps a session view on the wire.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NATSRelay mirrors session snapshots to core NATS subjects. Delivery is
// at-most-once; nothing is retained while the server is unreachable.
type NATSRelay struct {
	nc     *nats.Conn
	config Config
	clock  clockwork.Clock
	queue  chan session.Snapshot
}

// Connect dials NATS and returns a relay ready to Run.
func Connect(cfg Config) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name("estimateflow"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject_prefix", cfg.SubjectPrefix).
		Msg("NATS relay connected")
	return newRelay(nc, cfg, clockwork.NewRealClock()), nil
}

func newRelay(nc *nats.Conn, cfg Config, clock clockwork.Clock) *NATSRelay {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	return &NATSRelay{
		nc:     nc,
		config: cfg,
		clock:  clock,
		queue:  make(chan session.Snapshot, cfg.BufferSize),
	}
}

// Publish queues a snapshot without blocking the caller.
func (r *NATSRelay) Publish(snap session.Snapshot) {
	select {
	case r.queue <- snap:
	default:
		log.Warn().Str("session_id", snap.SessionID).Msg("relay queue full, dropping snapshot")
	}
}

// Run forwards queued snapshots until ctx is cancelled.
func (r *NATSRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-r.queue:
			if err := r.send(snap); err != nil {
				log.Error().
					Err(err).
					Str("session_id", snap.SessionID).
					Msg("failed to relay snapshot")
			}
		}
	}
}

func (r *NATSRelay) send(snap session.Snapshot) error {
	msg, err := r.message(snap)
	if err != nil {
		return err
	}
	if err := r.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// message renders snap into a NATS message. Relayed views are unmasked.
func (r *NATSRelay) message(snap session.Snapshot) (*nats.Msg, error) {
	payload, err := json.Marshal(snap.View("", false))
	if err != nil {
		return nil, fmt.Errorf("marshal view: %w", err)
	}

	env := Envelope{
		EventID:   uuid.New().String(),
		EventType: EventSessionUpdated,
		SessionID: snap.SessionID,
		Timestamp: r.clock.Now().UnixMilli(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return &nats.Msg{
		Subject: Subject(r.config.SubjectPrefix, snap.SessionID),
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{env.EventType},
			"Session-ID": []string{env.SessionID},
			"Event-ID":   []string{env.EventID},
		},
	}, nil
}

// Connected reports whether the NATS connection is currently up.
func (r *NATSRelay) Connected() bool {
	return r.nc != nil && r.nc.IsConnected()
}

// Close flushes pending messages and closes the connection.
func (r *NATSRelay) Close() {
	if r.nc == nil {
		return
	}
	if err := r.nc.FlushTimeout(2 * time.Second); err != nil {
		log.Warn().Err(err).Msg("failed to flush NATS relay")
	}
	r.nc.Close()
}

// Subject returns the subject snapshots of sessionID are published on.
// Characters NATS reserves in subject tokens are replaced.
func Subject(prefix, sessionID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, sessionID)
	if token == "" {
		token = "_"
	}
	return fmt.Sprintf("%s.%s.update", prefix, token)
}
