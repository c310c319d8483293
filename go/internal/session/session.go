package session

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Field limits applied to client supplied values.
const (
	MaxNameLength    = 32
	MaxHostKeyLength = 80
	MaxTitleLength   = 120
	MaxNotesLength   = 800
	MaxVoteLength    = 8
	MaxSessionIDLen  = 64
	DefaultName      = "Anon"
)

var palette = []string{
	"#6366f1",
	"#8b5cf6",
	"#ec4899",
	"#06b6d4",
	"#10b981",
	"#f59e0b",
	"#ef4444",
	"#3b82f6",
}

// Participant is a connection present in a session.
type Participant struct {
	ID         string
	Name       string
	Color      string
	IsHost     bool
	IsObserver bool
	JoinedAt   time.Time

	// order breaks ties between equal JoinedAt values.
	order uint64
}

// Finalized records the estimate the host settled on for a story.
type Finalized struct {
	Value string
	By    string
	At    time.Time
}

// Story is an item being estimated.
type Story struct {
	ID        string
	Title     string
	Notes     string
	CreatedAt time.Time
	Finalized *Finalized
}

// RoundState is the voting round for the current story. A nil vote means
// the participant has not voted yet.
type RoundState struct {
	StoryID   string
	Revealed  bool
	Votes     map[string]*string
	UpdatedAt time.Time
}

// JoinRequest carries the join command payload.
type JoinRequest struct {
	Name     string
	AsHost   bool
	Observer bool
	HostKey  string
}

// ParticipantPatch carries the optional fields of a participant update.
type ParticipantPatch struct {
	Name       *string
	IsObserver *bool
	HostKey    *string
}

// Session is the authoritative state of one estimation room. All methods are
// safe for concurrent use; each command is applied and published while
// holding the session lock so subscribers observe mutations in apply order.
type Session struct {
	mu sync.Mutex

	id             string
	createdAt      time.Time
	hostKey        string
	participants   map[string]*Participant
	stories        []*Story
	currentStoryID string
	round          RoundState

	seq        uint64
	lastActive time.Time
	closed     bool

	clock     clockwork.Clock
	publisher Publisher
}

func newSession(id string, clock clockwork.Clock, publisher Publisher) *Session {
	now := clock.Now()
	return &Session{
		id:           id,
		createdAt:    now,
		participants: make(map[string]*Participant),
		stories:      []*Story{},
		round: RoundState{
			Votes:     make(map[string]*string),
			UpdatedAt: now,
		},
		lastActive: now,
		clock:      clock,
		publisher:  publisher,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Join registers pid in the session, applying the host-claim protocol.
func (s *Session) Join(pid string, req JoinRequest) error {
	if pid == "" {
		return ErrInvalidParticipant
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	now := s.clock.Now()

	name := req.Name
	if name == "" {
		name = DefaultName
	}
	name = truncate(name, MaxNameLength)

	// The first host join stores the key; any later join presenting the
	// same key takes host over, which is how a reconnecting host recovers.
	key := truncate(req.HostKey, MaxHostKeyLength)
	canClaimHost := key != "" && s.hostKey == key
	isFirstHostClaim := req.AsHost && s.hostKey == "" && key != ""
	if isFirstHostClaim {
		s.hostKey = key
	}
	isHost := isFirstHostClaim || canClaimHost

	s.seq++
	s.participants[pid] = &Participant{
		ID:         pid,
		Name:       name,
		Color:      PickColor(pid),
		IsHost:     isHost,
		IsObserver: req.Observer,
		JoinedAt:   now,
		order:      s.seq,
	}
	if isHost {
		s.setHost(pid)
	}
	s.assignHostIfNeeded()

	if _, ok := s.round.Votes[pid]; !ok {
		s.round.Votes[pid] = nil
		s.round.UpdatedAt = now
	}

	s.lastActive = now
	s.publish()
	return nil
}

// Leave removes pid and its vote slot. It reports whether pid was present.
func (s *Session) Leave(pid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[pid]; !ok {
		return false
	}
	delete(s.participants, pid)
	delete(s.round.Votes, pid)
	s.assignHostIfNeeded()

	s.lastActive = s.clock.Now()
	s.publish()
	return true
}

// UpdateParticipant patches the acting participant's own name and observer
// flag. A matching host key promotes the participant independently.
func (s *Session) UpdateParticipant(pid string, patch ParticipantPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[pid]
	if !ok {
		return ErrNotParticipant
	}
	now := s.clock.Now()

	if patch.Name != nil {
		if name := truncate(strings.TrimSpace(*patch.Name), MaxNameLength); name != "" {
			p.Name = name
		}
	}
	if patch.IsObserver != nil {
		p.IsObserver = *patch.IsObserver
	}
	if patch.HostKey != nil {
		key := truncate(*patch.HostKey, MaxHostKeyLength)
		if key != "" && s.hostKey == key {
			s.setHost(pid)
		}
	}

	// observers cannot hold a vote
	if patch.IsObserver != nil && *patch.IsObserver && s.round.Votes[pid] != nil {
		s.round.Votes[pid] = nil
		s.round.UpdatedAt = now
	}

	s.lastActive = now
	s.publish()
	return nil
}

// AddStory appends a story. The first story of a session becomes current.
func (s *Session) AddStory(pid, title, notes string) (*Story, error) {
	title = truncate(strings.TrimSpace(title), MaxTitleLength)
	notes = truncate(strings.TrimSpace(notes), MaxNotesLength)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	story := &Story{
		ID:        newStoryID(),
		Title:     title,
		Notes:     notes,
		CreatedAt: now,
	}
	s.stories = append(s.stories, story)

	if s.currentStoryID == "" {
		s.currentStoryID = story.ID
		s.resetRound(story.ID)
	}

	s.lastActive = now
	s.publish()
	return copyStory(story), nil
}

// SetCurrentStory selects the story under estimation and starts a fresh round.
func (s *Session) SetCurrentStory(pid, storyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHost(pid); err != nil {
		return err
	}
	if s.findStory(storyID) == nil {
		return ErrStoryNotFound
	}

	s.currentStoryID = storyID
	s.resetRound(storyID)

	s.lastActive = s.clock.Now()
	s.publish()
	return nil
}

// SetVote records pid's vote for the current round.
func (s *Session) SetVote(pid, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentStoryID == "" {
		return ErrNoCurrentStory
	}
	p, ok := s.participants[pid]
	if !ok {
		return ErrNotParticipant
	}
	if p.IsObserver {
		return ErrObserver
	}
	if s.round.Revealed {
		return ErrRoundRevealed
	}

	now := s.clock.Now()
	v := truncate(value, MaxVoteLength)
	s.round.StoryID = s.currentStoryID
	s.round.Votes[pid] = &v
	s.round.UpdatedAt = now

	s.lastActive = now
	s.publish()
	return nil
}

// Reveal makes the votes visible and freezes them. Revealing twice is harmless.
func (s *Session) Reveal(pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHost(pid); err != nil {
		return err
	}

	now := s.clock.Now()
	s.round.Revealed = true
	s.round.UpdatedAt = now

	s.lastActive = now
	s.publish()
	return nil
}

// ResetRound clears all votes for the current story.
func (s *Session) ResetRound(pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHost(pid); err != nil {
		return err
	}
	s.resetRound(s.currentStoryID)

	s.lastActive = s.clock.Now()
	s.publish()
	return nil
}

// FinalizeRound records value as the agreed estimate of the current story.
// Repeated calls overwrite the previous record.
func (s *Session) FinalizeRound(pid, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHost(pid); err != nil {
		return err
	}
	if s.currentStoryID == "" {
		return ErrNoCurrentStory
	}
	story := s.findStory(s.currentStoryID)
	if story == nil {
		return ErrStoryNotFound
	}

	now := s.clock.Now()
	story.Finalized = &Finalized{
		Value: truncate(value, MaxVoteLength),
		By:    s.participants[pid].Name,
		At:    now,
	}

	s.lastActive = now
	s.publish()
	return nil
}

// Snapshot returns the full session state for export. Host only.
func (s *Session) Snapshot(pid string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHost(pid); err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// ClearSessionData drops stories and round state. Participants and the host
// key are kept.
func (s *Session) ClearSessionData(pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireHost(pid); err != nil {
		return err
	}

	s.stories = []*Story{}
	s.currentStoryID = ""
	s.resetRound("")

	s.lastActive = s.clock.Now()
	s.publish()
	return nil
}

// State returns a copy of the current state without any permission check.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// HasParticipant reports whether pid is currently in the session.
func (s *Session) HasParticipant(pid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[pid]
	return ok
}

// closeIfIdle marks the session closed when it is empty and has seen no
// activity since cutoff.
func (s *Session) closeIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.participants) > 0 || s.lastActive.After(cutoff) {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) requireHost(pid string) error {
	p, ok := s.participants[pid]
	if !ok || !p.IsHost {
		return ErrNotHost
	}
	return nil
}

func (s *Session) findStory(id string) *Story {
	for _, story := range s.stories {
		if story.ID == id {
			return story
		}
	}
	return nil
}

// setHost makes pid the only host.
func (s *Session) setHost(pid string) {
	for id, p := range s.participants {
		p.IsHost = id == pid
	}
}

// assignHostIfNeeded promotes the earliest joined participant when nobody
// holds host.
func (s *Session) assignHostIfNeeded() {
	for _, p := range s.participants {
		if p.IsHost {
			return
		}
	}
	ordered := s.orderedParticipants()
	if len(ordered) > 0 {
		s.setHost(ordered[0].ID)
	}
}

func (s *Session) orderedParticipants() []*Participant {
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].order < out[j].order
	})
	return out
}

// resetRound replaces the round with one holding an empty slot for every
// current participant.
func (s *Session) resetRound(storyID string) {
	votes := make(map[string]*string, len(s.participants))
	for id := range s.participants {
		votes[id] = nil
	}
	s.round = RoundState{
		StoryID:   storyID,
		Votes:     votes,
		UpdatedAt: s.clock.Now(),
	}
}

func (s *Session) publish() {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(s.snapshot())
}

// PickColor maps a participant id onto the palette deterministically.
func PickColor(seed string) string {
	var h uint32
	for _, r := range seed {
		h = h*31 + uint32(r)
	}
	return palette[h%uint32(len(palette))]
}

func newStoryID() string {
	return uuid.New().String()[:8]
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
