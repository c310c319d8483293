package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingPublisher) Publish(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recordingPublisher) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func newTestSession(t *testing.T) (*Session, *clockwork.FakeClock, *recordingPublisher) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	pub := &recordingPublisher{}
	store := NewStore(WithClock(clock), WithPublisher(pub))
	s, err := store.GetOrCreate("s1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	return s, clock, pub
}

func mustJoin(t *testing.T, s *Session, pid string, req JoinRequest) {
	t.Helper()
	if err := s.Join(pid, req); err != nil {
		t.Fatalf("join %s: %v", pid, err)
	}
}

func hostIDs(snap Snapshot) []string {
	var ids []string
	for _, p := range snap.Participants {
		if p.IsHost {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func participant(t *testing.T, snap Snapshot, pid string) Participant {
	t.Helper()
	for _, p := range snap.Participants {
		if p.ID == pid {
			return p
		}
	}
	t.Fatalf("participant %s not found", pid)
	return Participant{}
}

func assertSlotsInSync(t *testing.T, snap Snapshot) {
	t.Helper()
	var participants, slots []string
	for _, p := range snap.Participants {
		participants = append(participants, p.ID)
	}
	for id := range snap.Round.Votes {
		slots = append(slots, id)
	}
	sort.Strings(participants)
	sort.Strings(slots)
	if strings.Join(participants, ",") != strings.Join(slots, ",") {
		t.Fatalf("vote slots %v do not match participants %v", slots, participants)
	}
}

func TestJoinFirstHostClaimStoresKey(t *testing.T) {
	s, _, pub := newTestSession(t)

	mustJoin(t, s, "a", JoinRequest{Name: "Alice", AsHost: true, HostKey: "k1"})
	mustJoin(t, s, "b", JoinRequest{Name: "Bob"})

	snap := pub.last()
	if got := hostIDs(snap); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected a to be the only host, got %v", got)
	}
	if pub.count() != 2 {
		t.Fatalf("expected 2 publishes, got %d", pub.count())
	}
	assertSlotsInSync(t, snap)
}

func TestJoinDefaultsAndTruncatesName(t *testing.T) {
	s, _, pub := newTestSession(t)

	mustJoin(t, s, "a", JoinRequest{})
	mustJoin(t, s, "b", JoinRequest{Name: strings.Repeat("é", 40)})

	snap := pub.last()
	if got := participant(t, snap, "a").Name; got != DefaultName {
		t.Fatalf("expected default name, got %q", got)
	}
	if got := participant(t, snap, "b").Name; got != strings.Repeat("é", 32) {
		t.Fatalf("expected 32 rune name, got %q", got)
	}
}

func TestJoinRejectsEmptyParticipant(t *testing.T) {
	s, _, pub := newTestSession(t)

	if err := s.Join("", JoinRequest{Name: "x"}); !errors.Is(err, ErrInvalidParticipant) {
		t.Fatalf("expected ErrInvalidParticipant, got %v", err)
	}
	if pub.count() != 0 {
		t.Fatalf("expected no publish, got %d", pub.count())
	}
}

func TestJoinAutoPromotesEarliestWithoutHostClaim(t *testing.T) {
	s, clock, pub := newTestSession(t)

	mustJoin(t, s, "a", JoinRequest{Name: "A"})
	clock.Advance(time.Second)
	mustJoin(t, s, "b", JoinRequest{Name: "B"})

	if got := hostIDs(pub.last()); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected a auto promoted, got %v", got)
	}
}

func TestAsHostWithoutKeyDoesNotClaim(t *testing.T) {
	s, _, pub := newTestSession(t)

	mustJoin(t, s, "a", JoinRequest{Name: "A"})
	mustJoin(t, s, "b", JoinRequest{Name: "B", AsHost: true})

	if got := hostIDs(pub.last()); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected a to stay host, got %v", got)
	}
}

func TestHostKeyReclaimOnJoin(t *testing.T) {
	s, _, pub := newTestSession(t)

	mustJoin(t, s, "a", JoinRequest{Name: "A", AsHost: true, HostKey: "k1"})
	mustJoin(t, s, "b", JoinRequest{Name: "B"})
	mustJoin(t, s, "c", JoinRequest{Name: "A again", HostKey: "k1"})

	snap := pub.last()
	if got := hostIDs(snap); len(got) != 1 || got[0] != "c" {
		t.Fatalf("expected c to reclaim host, got %v", got)
	}
	if participant(t, snap, "a").IsHost {
		t.Fatal("expected previous host to lose host")
	}
}

func TestWrongHostKeyDoesNotClaim(t *testing.T) {
	s, _, pub := newTestSession(t)

	mustJoin(t, s, "a", JoinRequest{Name: "A", AsHost: true, HostKey: "k1"})
	mustJoin(t, s, "b", JoinRequest{Name: "B", AsHost: true, HostKey: "k2"})

	if got := hostIDs(pub.last()); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected a to stay host, got %v", got)
	}
}

func TestHostLeavesPromotesEarliestRemaining(t *testing.T) {
	s, clock, pub := newTestSession(t)

	mustJoin(t, s, "a", JoinRequest{Name: "A", AsHost: true, HostKey: "k1"})
	clock.Advance(time.Second)
	mustJoin(t, s, "b", JoinRequest{Name: "B"})
	clock.Advance(time.Second)
	mustJoin(t, s, "c", JoinRequest{Name: "C"})

	if !s.Leave("a") {
		t.Fatal("expected a to leave")
	}

	snap := pub.last()
	if got := hostIDs(snap); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected b promoted, got %v", got)
	}
	assertSlotsInSync(t, snap)
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	s, _, pub := newTestSession(t)
	mustJoin(t, s, "a", JoinRequest{Name: "A"})

	if s.Leave("zzz") {
		t.Fatal("expected unknown leave to report false")
	}
	if pub.count() != 1 {
		t.Fatalf("expected no extra publish, got %d", pub.count())
	}
}

func TestSingleHostInvariantAcrossSequence(t *testing.T) {
	s, clock, pub := newTestSession(t)

	ops := []func(){
		func() { mustJoin(t, s, "a", JoinRequest{Name: "A", AsHost: true, HostKey: "k"}) },
		func() { mustJoin(t, s, "b", JoinRequest{Name: "B"}) },
		func() { mustJoin(t, s, "c", JoinRequest{Name: "C", HostKey: "k"}) },
		func() { s.Leave("c") },
		func() { mustJoin(t, s, "d", JoinRequest{Name: "D", Observer: true}) },
		func() { s.Leave("a") },
		func() { s.Leave("b") },
	}
	for i, op := range ops {
		clock.Advance(time.Millisecond)
		op()
		snap := s.State()
		hosts := hostIDs(snap)
		if len(snap.Participants) > 0 && len(hosts) != 1 {
			t.Fatalf("step %d: expected exactly one host, got %v", i, hosts)
		}
		assertSlotsInSync(t, snap)
	}
	if got := hostIDs(pub.last()); len(got) != 1 || got[0] != "d" {
		t.Fatalf("expected d as last host, got %v", got)
	}
}

func TestAddStoryFirstBecomesCurrent(t *testing.T) {
	s, _, pub := newTestSession(t)
	mustJoin(t, s, "a", JoinRequest{Name: "A", AsHost: true, HostKey: "k"})
	mustJoin(t, s, "b", JoinRequest{Name: "B"})

	story, err := s.AddStory("b", "  Login flow  ", "  notes ")
	if err != nil {
		t.Fatalf("add story: %v", err)
	}
	if story.Title != "Login flow" || story.Notes != "notes" {
		t.Fatalf("expected trimmed title and notes, got %q %q", story.Title, story.Notes)
	}

	snap := pub.last()
	if snap.CurrentStoryID != story.ID {
		t.Fatalf("expected current story %s, got %s", story.ID, snap.CurrentStoryID)
	}
	if snap.Round.StoryID != story.ID {
		t.Fatalf("expected round story %s, got %s", story.ID, snap.Round.StoryID)
	}
	for id, v := range snap.Round.Votes {
		if v != nil {
			t.Fatalf("expected null vote for %s", id)
		}
	}
	assertSlotsInSync(t, snap)

	second, err := s.AddStory("a", "Second", "")
	if err != nil {
		t.Fatalf("add second story: %v", err)
	}
	snap = pub.last()
	if snap.CurrentStoryID != story.ID {
		t.Fatal("expected second story not to become current")
	}
	if len(snap.Stories) != 2 || snap.Stories[0].ID != story.ID || snap.Stories[1].ID != second.ID {
		t.Fatal("expected insertion order to be preserved")
	}
}

func TestAddStoryRejectsBlankTitle(t *testing.T) {
	s, _, pub := newTestSession(t)

	if _, err := s.AddStory("a", "   ", "notes"); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
	if pub.count() != 0 {
		t.Fatalf("expected no publish, got %d", pub.count())
	}
}

func TestAddStoryTruncates(t *testing.T) {
	s, _, _ := newTestSession(t)

	story, err := s.AddStory("a", strings.Repeat("t", 200), strings.Repeat("n", 900))
	if err != nil {
		t.Fatalf("add story: %v", err)
	}
	if len(story.Title) != MaxTitleLength || len(story.Notes) != MaxNotesLength {
		t.Fatalf("expected truncation, got %d/%d", len(story.Title), len(story.Notes))
	}
	if len(story.ID) != 8 {
		t.Fatalf("expected 8 char story id, got %q", story.ID)
	}
}

func setupVoting(t *testing.T) (*Session, *recordingPublisher, string) {
	t.Helper()
	s, clock, pub := newTestSession(t)
	mustJoin(t, s, "host", JoinRequest{Name: "Hosty", AsHost: true, HostKey: "k"})
	clock.Advance(time.Second)
	mustJoin(t, s, "b", JoinRequest{Name: "B"})
	clock.Advance(time.Second)
	mustJoin(t, s, "c", JoinRequest{Name: "C"})
	story, err := s.AddStory("host", "Login flow", "")
	if err != nil {
		t.Fatalf("add story: %v", err)
	}
	return s, pub, story.ID
}

func TestSetVoteTruncatesAndRecords(t *testing.T) {
	s, pub, storyID := setupVoting(t)

	if err := s.SetVote("b", "123456789"); err != nil {
		t.Fatalf("set vote: %v", err)
	}
	snap := pub.last()
	if v := snap.Round.Votes["b"]; v == nil || *v != "12345678" {
		t.Fatalf("expected truncated vote, got %v", v)
	}
	if snap.Round.StoryID != storyID {
		t.Fatalf("expected round story %s, got %s", storyID, snap.Round.StoryID)
	}
}

func TestSetVoteRejections(t *testing.T) {
	s, clock, pub := newTestSession(t)
	mustJoin(t, s, "a", JoinRequest{Name: "A"})
	mustJoin(t, s, "obs", JoinRequest{Name: "O", Observer: true})

	if err := s.SetVote("a", "5"); !errors.Is(err, ErrNoCurrentStory) {
		t.Fatalf("expected ErrNoCurrentStory, got %v", err)
	}
	if _, err := s.AddStory("a", "Story", ""); err != nil {
		t.Fatalf("add story: %v", err)
	}
	clock.Advance(time.Second)
	if err := s.SetVote("ghost", "5"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if err := s.SetVote("obs", "5"); !errors.Is(err, ErrObserver) {
		t.Fatalf("expected ErrObserver, got %v", err)
	}
	before := pub.count()
	if err := s.Reveal("a"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := s.SetVote("a", "5"); !errors.Is(err, ErrRoundRevealed) {
		t.Fatalf("expected ErrRoundRevealed, got %v", err)
	}
	if pub.count() != before+1 {
		t.Fatalf("expected only the reveal to publish, got %d", pub.count()-before)
	}
}

func TestVotesFrozenAfterReveal(t *testing.T) {
	s, pub, _ := setupVoting(t)

	if err := s.SetVote("b", "5"); err != nil {
		t.Fatalf("vote b: %v", err)
	}
	if err := s.Reveal("host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := s.SetVote("b", "13"); !errors.Is(err, ErrRoundRevealed) {
		t.Fatalf("expected ErrRoundRevealed, got %v", err)
	}
	if err := s.SetVote("c", "8"); !errors.Is(err, ErrRoundRevealed) {
		t.Fatalf("expected ErrRoundRevealed, got %v", err)
	}

	snap := pub.last()
	if v := snap.Round.Votes["b"]; v == nil || *v != "5" {
		t.Fatalf("expected b vote unchanged, got %v", v)
	}
	if snap.Round.Votes["c"] != nil {
		t.Fatal("expected c vote to stay null")
	}
}

func TestRevealIsIdempotent(t *testing.T) {
	s, pub, _ := setupVoting(t)

	if err := s.Reveal("host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	first := pub.last()
	if err := s.Reveal("host"); err != nil {
		t.Fatalf("second reveal: %v", err)
	}
	second := pub.last()
	if !first.Round.Revealed || !second.Round.Revealed {
		t.Fatal("expected revealed round")
	}
	if len(first.Round.Votes) != len(second.Round.Votes) {
		t.Fatal("expected identical vote maps")
	}
}

func TestObserverTransitionClearsVote(t *testing.T) {
	s, pub, _ := setupVoting(t)

	if err := s.SetVote("b", "8"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	observer := true
	if err := s.UpdateParticipant("b", ParticipantPatch{IsObserver: &observer}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap := pub.last()
	if snap.Round.Votes["b"] != nil {
		t.Fatal("expected observer vote to be cleared")
	}
	if !participant(t, snap, "b").IsObserver {
		t.Fatal("expected b to be an observer")
	}
	if _, ok := snap.Round.Votes["b"]; !ok {
		t.Fatal("expected observer to keep a vote slot")
	}
}

func TestUpdateParticipantNameAndHostKey(t *testing.T) {
	s, _, pub := newTestSession(t)
	mustJoin(t, s, "a", JoinRequest{Name: "A", AsHost: true, HostKey: "k"})
	mustJoin(t, s, "b", JoinRequest{Name: "B"})

	name := "  Bobby  "
	key := "k"
	if err := s.UpdateParticipant("b", ParticipantPatch{Name: &name, HostKey: &key}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap := pub.last()
	if got := participant(t, snap, "b").Name; got != "Bobby" {
		t.Fatalf("expected trimmed name, got %q", got)
	}
	if got := hostIDs(snap); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected b to claim host, got %v", got)
	}

	blank := "   "
	if err := s.UpdateParticipant("b", ParticipantPatch{Name: &blank}); err != nil {
		t.Fatalf("update blank: %v", err)
	}
	if got := participant(t, pub.last(), "b").Name; got != "Bobby" {
		t.Fatalf("expected blank name to be ignored, got %q", got)
	}
}

func TestUpdateParticipantUnknown(t *testing.T) {
	s, _, pub := newTestSession(t)

	name := "x"
	if err := s.UpdateParticipant("ghost", ParticipantPatch{Name: &name}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if pub.count() != 0 {
		t.Fatal("expected no publish")
	}
}

func TestHostOnlyCommandsRejectNonHost(t *testing.T) {
	s, pub, storyID := setupVoting(t)
	if err := s.SetVote("b", "5"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	before := pub.count()
	state := s.State()

	checks := map[string]error{
		"setCurrent": s.SetCurrentStory("b", storyID),
		"reveal":     s.Reveal("b"),
		"reset":      s.ResetRound("b"),
		"finalize":   s.FinalizeRound("b", "5"),
		"clear":      s.ClearSessionData("b"),
	}
	_, snapErr := s.Snapshot("b")
	checks["snapshot"] = snapErr

	for name, err := range checks {
		if !errors.Is(err, ErrNotHost) {
			t.Fatalf("%s: expected ErrNotHost, got %v", name, err)
		}
	}
	if pub.count() != before {
		t.Fatalf("expected no publishes, got %d", pub.count()-before)
	}
	after := s.State()
	if after.Round.Revealed || len(after.Stories) != len(state.Stories) || after.Stories[0].Finalized != nil {
		t.Fatal("expected state unchanged")
	}
}

func TestSetCurrentStoryResetsRound(t *testing.T) {
	s, pub, first := setupVoting(t)
	second, err := s.AddStory("b", "Second", "")
	if err != nil {
		t.Fatalf("add story: %v", err)
	}
	if err := s.SetVote("b", "3"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := s.Reveal("host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	if err := s.SetCurrentStory("host", "missing"); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
	if err := s.SetCurrentStory("host", second.ID); err != nil {
		t.Fatalf("set current: %v", err)
	}

	snap := pub.last()
	if snap.CurrentStoryID != second.ID || snap.Round.StoryID != second.ID {
		t.Fatalf("expected current story %s", second.ID)
	}
	if snap.Round.Revealed {
		t.Fatal("expected fresh unrevealed round")
	}
	for id, v := range snap.Round.Votes {
		if v != nil {
			t.Fatalf("expected cleared vote for %s", id)
		}
	}
	assertSlotsInSync(t, snap)
	if first == second.ID {
		t.Fatal("expected distinct story ids")
	}
}

func TestResetRoundClearsVotes(t *testing.T) {
	s, pub, storyID := setupVoting(t)
	if err := s.SetVote("b", "3"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := s.Reveal("host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := s.ResetRound("host"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	snap := pub.last()
	if snap.Round.Revealed || snap.Round.Votes["b"] != nil || snap.Round.StoryID != storyID {
		t.Fatal("expected fresh round for the same story")
	}
	assertSlotsInSync(t, snap)
}

func TestFinalizeSurvivesRevealAndReset(t *testing.T) {
	s, pub, storyID := setupVoting(t)

	if err := s.FinalizeRound("host", "5"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.FinalizeRound("host", "8"); err != nil {
		t.Fatalf("finalize again: %v", err)
	}
	if err := s.Reveal("host"); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := s.ResetRound("host"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	snap := pub.last()
	var story Story
	for _, st := range snap.Stories {
		if st.ID == storyID {
			story = st
		}
	}
	if story.Finalized == nil {
		t.Fatal("expected finalized record")
	}
	if story.Finalized.Value != "8" || story.Finalized.By != "Hosty" {
		t.Fatalf("expected {8, Hosty}, got %+v", story.Finalized)
	}
	if story.Finalized.At.IsZero() {
		t.Fatal("expected finalize timestamp")
	}
}

func TestFinalizeRequiresCurrentStory(t *testing.T) {
	s, _, _ := newTestSession(t)
	mustJoin(t, s, "a", JoinRequest{Name: "A"})

	if err := s.FinalizeRound("a", "5"); !errors.Is(err, ErrNoCurrentStory) {
		t.Fatalf("expected ErrNoCurrentStory, got %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _, _ := setupVoting(t)

	snap, err := s.Snapshot("host")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap.Stories[0].Title = "mutated"
	snap.Round.Votes["b"] = nil
	delete(snap.Round.Votes, "c")

	again := s.State()
	if again.Stories[0].Title == "mutated" {
		t.Fatal("expected snapshot stories to be copied")
	}
	if _, ok := again.Round.Votes["c"]; !ok {
		t.Fatal("expected snapshot votes to be copied")
	}
}

func TestClearSessionDataKeepsRosterAndHostKey(t *testing.T) {
	s, pub, _ := setupVoting(t)
	if err := s.SetVote("b", "5"); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if err := s.ClearSessionData("host"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	snap := pub.last()
	if len(snap.Stories) != 0 || snap.CurrentStoryID != "" || snap.Round.StoryID != "" {
		t.Fatal("expected stories and current story cleared")
	}
	if len(snap.Participants) != 3 {
		t.Fatalf("expected roster preserved, got %d", len(snap.Participants))
	}
	assertSlotsInSync(t, snap)
	for id, v := range snap.Round.Votes {
		if v != nil {
			t.Fatalf("expected cleared vote for %s", id)
		}
	}

	mustJoin(t, s, "d", JoinRequest{Name: "Host again", HostKey: "k"})
	if got := hostIDs(s.State()); len(got) != 1 || got[0] != "d" {
		t.Fatalf("expected host key to survive clear, got %v", got)
	}
}

func TestPickColorDeterministic(t *testing.T) {
	a := PickColor("participant-1")
	if a != PickColor("participant-1") {
		t.Fatal("expected same color for same id")
	}
	found := false
	for _, c := range palette {
		if c == a {
			found = true
		}
	}
	if !found {
		t.Fatalf("color %s not in palette", a)
	}
	// h("a") = 97, 97 % 8 = 1
	if got := PickColor("a"); got != palette[1] {
		t.Fatalf("expected %s, got %s", palette[1], got)
	}
}
