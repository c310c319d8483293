package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EventType names a frame exchanged over the WebSocket.
type EventType string

// Client to server commands.
const (
	EventSessionJoin       EventType = "session:join"
	EventSessionLeave      EventType = "session:leave"
	EventStoryAdd          EventType = "story:add"
	EventParticipantUpdate EventType = "participant:update"
	EventStorySetCurrent   EventType = "story:setCurrent"
	EventVoteSet           EventType = "vote:set"
	EventRoundReveal       EventType = "round:reveal"
	EventRoundReset        EventType = "round:reset"
	EventRoundFinalize     EventType = "round:finalize"
	EventSessionSnapshot   EventType = "session:snapshot"
	EventSessionClear      EventType = "session:clear"
)

// Server to client events.
const (
	EventConnected     EventType = "connected"
	EventSessionUpdate EventType = "session:update"
	EventAck           EventType = "ack"
)

// ClientFrame is a command sent by a client. Ack is set when the client
// expects an acknowledgement.
type ClientFrame struct {
	Event   EventType       `json:"event"`
	Ack     *int64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ServerFrame is pushed to clients.
type ServerFrame struct {
	Event EventType `json:"event"`
	Ack   *int64    `json:"ack,omitempty"`
	Data  any       `json:"data,omitempty"`
}

// VoteValue accepts a JSON string or a bare literal such as 5 or 0.5.
// Numbers are normalized to their shortest decimal form, so 5.0 and 1e1
// decode as "5" and "10".
type VoteValue string

func (v *VoteValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return errMissingVoteValue
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = VoteValue(s)
		return nil
	case '{', '[':
		return fmt.Errorf("vote value must be a string or number")
	}
	if n, err := strconv.ParseFloat(string(b), 64); err == nil {
		*v = VoteValue(strconv.FormatFloat(n, 'f', -1, 64))
		return nil
	}
	*v = VoteValue(b)
	return nil
}

var errMissingVoteValue = errors.New("missing vote value")

type JoinPayload struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	AsHost    bool   `json:"asHost,omitempty"`
	Observer  bool   `json:"observer,omitempty"`
	HostKey   string `json:"hostKey,omitempty"`
}

// LeavePayload is the bare session id string sent with session:leave.
type LeavePayload string

type StoryAddPayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
}

type ParticipantUpdatePayload struct {
	SessionID  string  `json:"sessionId"`
	Name       *string `json:"name,omitempty"`
	IsObserver *bool   `json:"isObserver,omitempty"`
	HostKey    *string `json:"hostKey,omitempty"`
}

type StorySetCurrentPayload struct {
	SessionID string `json:"sessionId"`
	StoryID   string `json:"storyId"`
}

type VotePayload struct {
	SessionID string    `json:"sessionId"`
	Value     VoteValue `json:"value"`
}

// SessionPayload is shared by commands that only carry a session id.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// JoinAck answers session:join.
type JoinAck struct {
	OK            bool   `json:"ok"`
	SessionID     string `json:"sessionId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SnapshotAck answers session:snapshot.
type SnapshotAck struct {
	OK       bool   `json:"ok"`
	Snapshot any    `json:"snapshot,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ClearAck answers session:clear.
type ClearAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ConnectedPayload is sent once per connection before any command.
type ConnectedPayload struct {
	ParticipantID string `json:"participantId"`
}

// ParseCommandPayload decodes the payload of a client frame into the type
// matching its event.
func ParseCommandPayload(frame *ClientFrame) (any, error) {
	switch frame.Event {
	case EventSessionJoin:
		var payload JoinPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventSessionLeave:
		var payload LeavePayload
		if err := decode(frame.Payload, &payload); err != nil {
			// tolerate {"sessionId": "..."} as well as the bare string
			var obj SessionPayload
			if objErr := decode(frame.Payload, &obj); objErr != nil {
				return nil, err
			}
			payload = LeavePayload(obj.SessionID)
		}
		return payload, nil

	case EventStoryAdd:
		var payload StoryAddPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventParticipantUpdate:
		var payload ParticipantUpdatePayload
		if err := decode(frame.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventStorySetCurrent:
		var payload StorySetCurrentPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventVoteSet, EventRoundFinalize:
		var payload VotePayload
		if err := decode(frame.Payload, &payload); err != nil {
			return nil, err
		}
		if payload.Value == "" {
			return nil, errMissingVoteValue
		}
		return payload, nil

	case EventRoundReveal, EventRoundReset, EventSessionSnapshot, EventSessionClear:
		var payload SessionPayload
		if err := decode(frame.Payload, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", frame.Event)
	}
}

func decode(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// sessionIDOf pulls the target session id out of a parsed payload.
func sessionIDOf(payload any) string {
	switch p := payload.(type) {
	case JoinPayload:
		return p.SessionID
	case LeavePayload:
		return string(p)
	case StoryAddPayload:
		return p.SessionID
	case ParticipantUpdatePayload:
		return p.SessionID
	case StorySetCurrentPayload:
		return p.SessionID
	case VotePayload:
		return p.SessionID
	case SessionPayload:
		return p.SessionID
	default:
		return ""
	}
}
