package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Store is the in-memory registry of sessions keyed by session id.
type Store struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	clock     clockwork.Clock
	publisher Publisher
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for every timestamp. Tests pass a fake clock.
func WithClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithPublisher sets where session snapshots go after each mutation.
func WithPublisher(p Publisher) StoreOption {
	return func(s *Store) {
		s.publisher = p
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the session for id, creating an empty one if needed.
// An empty id is rejected rather than minted here; new ids come from
// gateway.NewSessionID behind POST /api/sessions.
func (st *Store) GetOrCreate(id string) (*Session, error) {
	if id == "" || len(id) > MaxSessionIDLen {
		return nil, ErrInvalidSessionID
	}

	st.mu.RLock()
	existing, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return existing, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.sessions[id]; ok {
		return existing, nil
	}
	created := newSession(id, st.clock, st.publisher)
	st.sessions[id] = created

	log.Debug().Str("session_id", id).Int("sessions", len(st.sessions)).Msg("session created")
	return created, nil
}

// Get returns the session for id without creating it.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Join resolves the session and joins pid to it. A session evicted by the
// sweeper between lookup and join is recreated.
func (st *Store) Join(sessionID, pid string, req JoinRequest) (*Session, error) {
	for {
		s, err := st.GetOrCreate(sessionID)
		if err != nil {
			return nil, err
		}
		err = s.Join(pid, req)
		if errors.Is(err, ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// LeaveAll removes pid from every session it belongs to and returns how
// many sessions were affected.
func (st *Store) LeaveAll(pid string) int {
	left := 0
	for _, s := range st.list() {
		if s.Leave(pid) {
			left++
		}
	}
	return left
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// StoreStats summarizes the store for the stats endpoint.
type StoreStats struct {
	Sessions     int `json:"sessions"`
	Participants int `json:"participants"`
	Stories      int `json:"stories"`
}

// Stats counts sessions, participants and stories.
func (st *Store) Stats() StoreStats {
	sessions := st.list()
	stats := StoreStats{Sessions: len(sessions)}
	for _, s := range sessions {
		s.mu.Lock()
		stats.Participants += len(s.participants)
		stats.Stories += len(s.stories)
		s.mu.Unlock()
	}
	return stats
}

// Sweep evicts sessions that have been empty and idle for at least ttl.
// A non-positive ttl disables eviction.
func (st *Store) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := st.clock.Now().Add(-ttl)

	st.mu.Lock()
	defer st.mu.Unlock()

	evicted := 0
	for id, s := range st.sessions {
		if s.closeIfIdle(cutoff) {
			delete(st.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (st *Store) Run(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		log.Info().Msg("idle session sweeper disabled")
		return
	}

	ticker := st.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Dur("ttl", ttl).Msg("idle session sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("idle session sweeper shutting down")
			return
		case <-ticker.Chan():
			if n := st.Sweep(ttl); n > 0 {
				log.Info().Int("evicted", n).Int("remaining", st.Len()).Msg("evicted idle sessions")
			}
		}
	}
}

func (st *Store) list() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
