package session

import "errors"

// Command rejections. The gateway drops most of these silently; join,
// snapshot and clear report them back to the caller.
var (
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrInvalidParticipant = errors.New("invalid participant id")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrNotParticipant     = errors.New("not a participant of this session")
	ErrNotHost            = errors.New("host only")
	ErrObserver           = errors.New("observers cannot vote")
	ErrNoCurrentStory     = errors.New("no current story")
	ErrStoryNotFound      = errors.New("story not found")
	ErrRoundRevealed      = errors.New("round already revealed")
	ErrEmptyTitle         = errors.New("story title is required")
)
