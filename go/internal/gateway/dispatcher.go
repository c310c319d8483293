package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcdev12/estimateflow/go/internal/session"
)

// Ack error messages.
const (
	ackInvalidSessionID = "invalid session id"
	ackSessionNotFound  = "session not found"
	ackHostOnly         = "host only"
	ackJoinFailed       = "join failed"
	ackInternalError    = "internal error"
	ackInvalidPayload   = "invalid payload"
)

var tracer = otel.Tracer("github.com/mcdev12/estimateflow/go/internal/gateway")

// Dispatcher applies client commands to the session store.
type Dispatcher struct {
	store *session.Store
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *session.Store) *Dispatcher {
	return &Dispatcher{
		store: store,
	}
}

// HandleMessage decodes one client frame and runs its command. A panic is
// confined to the frame that caused it.
func (d *Dispatcher) HandleMessage(c *Connection, message []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Msg("failed to parse client frame")
		return
	}

	ctx, span := tracer.Start(context.Background(), string(frame.Event),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("participant.id", c.ID)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("connection_id", c.ID).
				Str("event", string(frame.Event)).
				Interface("panic", r).
				Msg("recovered from panic in command handler")
			span.SetStatus(codes.Error, "panic")
			d.fail(c, &frame, ackInternalError)
		}
	}()

	payload, err := ParseCommandPayload(&frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Str("event", string(frame.Event)).
			Msg("ignoring client frame")
		d.fail(c, &frame, ackInvalidPayload)
		return
	}

	span.SetAttributes(attribute.String("session.id", sessionIDOf(payload)))

	switch p := payload.(type) {
	case JoinPayload:
		d.handleJoin(ctx, c, &frame, p)
	case LeavePayload:
		d.handleLeave(c, string(p))
	case StoryAddPayload:
		d.apply(ctx, c, &frame, p.SessionID, func(s *session.Session) error {
			_, err := s.AddStory(c.ID, p.Title, p.Notes)
			return err
		})
	case ParticipantUpdatePayload:
		d.apply(ctx, c, &frame, p.SessionID, func(s *session.Session) error {
			return s.UpdateParticipant(c.ID, session.ParticipantPatch{
				Name:       p.Name,
				IsObserver: p.IsObserver,
				HostKey:    p.HostKey,
			})
		})
	case StorySetCurrentPayload:
		d.apply(ctx, c, &frame, p.SessionID, func(s *session.Session) error {
			return s.SetCurrentStory(c.ID, p.StoryID)
		})
	case VotePayload:
		d.apply(ctx, c, &frame, p.SessionID, func(s *session.Session) error {
			if frame.Event == EventRoundFinalize {
				return s.FinalizeRound(c.ID, string(p.Value))
			}
			return s.SetVote(c.ID, string(p.Value))
		})
	case SessionPayload:
		switch frame.Event {
		case EventRoundReveal:
			d.apply(ctx, c, &frame, p.SessionID, func(s *session.Session) error {
				return s.Reveal(c.ID)
			})
		case EventRoundReset:
			d.apply(ctx, c, &frame, p.SessionID, func(s *session.Session) error {
				return s.ResetRound(c.ID)
			})
		case EventSessionSnapshot:
			d.handleSnapshot(ctx, c, &frame, p.SessionID)
		case EventSessionClear:
			d.handleClear(ctx, c, &frame, p.SessionID)
		}
	}
}

// HandleDisconnect removes the connection's participant from every session.
func (d *Dispatcher) HandleDisconnect(c *Connection) {
	n := d.store.LeaveAll(c.ID)
	log.Info().
		Str("participant_id", c.ID).
		Int("sessions_left", n).
		Msg("participant disconnected")
}

func (d *Dispatcher) handleJoin(ctx context.Context, c *Connection, frame *ClientFrame, p JoinPayload) {
	// join the room first so the joiner receives the broadcast of its own join
	c.Manager.JoinRoom(c, p.SessionID)

	s, err := d.store.Join(p.SessionID, c.ID, session.JoinRequest{
		Name:     p.Name,
		AsHost:   p.AsHost,
		Observer: p.Observer,
		HostKey:  p.HostKey,
	})
	if err != nil {
		c.Manager.LeaveRoom(c, p.SessionID)
		recordRejection(ctx, err)

		msg := ackJoinFailed
		if errors.Is(err, session.ErrInvalidSessionID) {
			msg = ackInvalidSessionID
		}
		log.Warn().
			Err(err).
			Str("session_id", p.SessionID).
			Str("participant_id", c.ID).
			Msg("join failed")
		d.reply(c, frame, JoinAck{OK: false, Error: msg})
		return
	}

	// the connection may have dropped while the join was applied
	if c.Manager.isClosed(c) {
		s.Leave(c.ID)
		return
	}

	log.Info().
		Str("session_id", p.SessionID).
		Str("participant_id", c.ID).
		Msg("participant joined session")
	d.reply(c, frame, JoinAck{OK: true, SessionID: p.SessionID, ParticipantID: c.ID})
}

func (d *Dispatcher) handleLeave(c *Connection, sessionID string) {
	if s, ok := d.store.Get(sessionID); ok {
		if s.Leave(c.ID) {
			log.Info().
				Str("session_id", sessionID).
				Str("participant_id", c.ID).
				Msg("participant left session")
		}
	}
	c.Manager.LeaveRoom(c, sessionID)
}

// apply runs a broadcast-only command. Rejections are dropped silently.
func (d *Dispatcher) apply(ctx context.Context, c *Connection, frame *ClientFrame, sessionID string, fn func(*session.Session) error) {
	s, ok := d.store.Get(sessionID)
	if !ok {
		log.Debug().
			Str("session_id", sessionID).
			Str("participant_id", c.ID).
			Str("event", string(frame.Event)).
			Msg("command for unknown session ignored")
		return
	}
	if err := fn(s); err != nil {
		recordRejection(ctx, err)
		log.Debug().
			Err(err).
			Str("session_id", sessionID).
			Str("participant_id", c.ID).
			Str("event", string(frame.Event)).
			Msg("command rejected")
	}
}

func (d *Dispatcher) handleSnapshot(ctx context.Context, c *Connection, frame *ClientFrame, sessionID string) {
	s, ok := d.store.Get(sessionID)
	if !ok {
		d.reply(c, frame, SnapshotAck{OK: false, Error: ackSessionNotFound})
		return
	}
	snap, err := s.Snapshot(c.ID)
	if err != nil {
		recordRejection(ctx, err)
		d.reply(c, frame, SnapshotAck{OK: false, Error: ackMessage(err)})
		return
	}
	// Only hosts get here; the export carries every vote.
	d.reply(c, frame, SnapshotAck{OK: true, Snapshot: snap.View(c.ID, false)})
}

func (d *Dispatcher) handleClear(ctx context.Context, c *Connection, frame *ClientFrame, sessionID string) {
	s, ok := d.store.Get(sessionID)
	if !ok {
		d.reply(c, frame, ClearAck{OK: false, Error: ackSessionNotFound})
		return
	}
	if err := s.ClearSessionData(c.ID); err != nil {
		recordRejection(ctx, err)
		d.reply(c, frame, ClearAck{OK: false, Error: ackMessage(err)})
		return
	}

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", c.ID).
		Msg("session data cleared")
	d.reply(c, frame, ClearAck{OK: true})
}

// reply sends an ack when the client asked for one.
func (d *Dispatcher) reply(c *Connection, frame *ClientFrame, data any) {
	if frame.Ack == nil {
		return
	}
	c.SendFrame(ServerFrame{Event: EventAck, Ack: frame.Ack, Data: data})
}

// fail answers an acknowledged command with a failure in the shape its
// caller expects.
func (d *Dispatcher) fail(c *Connection, frame *ClientFrame, msg string) {
	switch frame.Event {
	case EventSessionJoin:
		if msg == ackInvalidPayload {
			msg = ackInvalidSessionID
		}
		d.reply(c, frame, JoinAck{OK: false, Error: msg})
	case EventSessionSnapshot:
		d.reply(c, frame, SnapshotAck{OK: false, Error: msg})
	default:
		d.reply(c, frame, ClearAck{OK: false, Error: msg})
	}
}

// recordRejection marks the command span as rejected.
func recordRejection(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func ackMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotHost), errors.Is(err, session.ErrNotParticipant):
		return ackHostOnly
	case errors.Is(err, session.ErrSessionNotFound):
		return ackSessionNotFound
	case errors.Is(err, session.ErrInvalidSessionID):
		return ackInvalidSessionID
	default:
		return ackInternalError
	}
}
