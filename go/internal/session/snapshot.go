package session

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HiddenVote replaces another participant's vote in pre-reveal views.
const HiddenVote = "hidden"

// Publisher receives a snapshot after every mutation of a session. Publish
// is called with the session lock held and must not block.
type Publisher interface {
	Publish(snap Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(snap Snapshot)

func (f PublisherFunc) Publish(snap Snapshot) { f(snap) }

// Publishers fans a snapshot out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(snap Snapshot) {
	for _, p := range ps {
		if p != nil {
			p.Publish(snap)
		}
	}
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	SessionID      string
	CreatedAt      time.Time
	Participants   []Participant
	Stories        []Story
	CurrentStoryID string
	Round          RoundState
}

func (s *Session) snapshot() Snapshot {
	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.orderedParticipants() {
		participants = append(participants, *p)
	}

	stories := make([]Story, 0, len(s.stories))
	for _, story := range s.stories {
		stories = append(stories, *copyStory(story))
	}

	votes := make(map[string]*string, len(s.round.Votes))
	for id, v := range s.round.Votes {
		votes[id] = v
	}

	return Snapshot{
		SessionID:      s.id,
		CreatedAt:      s.createdAt,
		Participants:   participants,
		Stories:        stories,
		CurrentStoryID: s.currentStoryID,
		Round: RoundState{
			StoryID:   s.round.StoryID,
			Revealed:  s.round.Revealed,
			Votes:     votes,
			UpdatedAt: s.round.UpdatedAt,
		},
	}
}

func copyStory(story *Story) *Story {
	c := *story
	if story.Finalized != nil {
		f := *story.Finalized
		c.Finalized = &f
	}
	return &c
}

// View is the client facing shape of a session, sent as session:update.
type View struct {
	SessionID      string            `json:"sessionId"`
	CreatedAt      int64             `json:"createdAt"`
	Participants   []ParticipantView `json:"participants"`
	Stories        []StoryView       `json:"stories"`
	CurrentStoryID *string           `json:"currentStoryId"`
	Round          RoundView         `json:"round"`
}

type ParticipantView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	IsHost     bool   `json:"isHost"`
	IsObserver bool   `json:"isObserver"`
	JoinedAt   int64  `json:"joinedAt"`
}

type StoryView struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Notes     string         `json:"notes,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	Finalized *FinalizedView `json:"finalized,omitempty"`
}

type FinalizedView struct {
	Value string `json:"value"`
	By    string `json:"by"`
	At    int64  `json:"at"`
}

type RoundView struct {
	StoryID              *string            `json:"storyId"`
	Revealed             bool               `json:"revealed"`
	VotesByParticipantID map[string]*string `json:"votesByParticipantId"`
	UpdatedAt            int64              `json:"updatedAt"`
	Suggested            *string            `json:"suggested,omitempty"`
}

// View renders the snapshot for viewerID. When hideVotes is set and the
// round is not revealed, a non-host viewer sees every non-null vote except
// its own replaced by HiddenVote. Hosts always see the real values.
func (snap Snapshot) View(viewerID string, hideVotes bool) View {
	viewerIsHost := false
	participants := make([]ParticipantView, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.ID == viewerID && p.IsHost {
			viewerIsHost = true
		}
		participants = append(participants, ParticipantView{
			ID:         p.ID,
			Name:       p.Name,
			Color:      p.Color,
			IsHost:     p.IsHost,
			IsObserver: p.IsObserver,
			JoinedAt:   p.JoinedAt.UnixMilli(),
		})
	}

	stories := make([]StoryView, 0, len(snap.Stories))
	for _, story := range snap.Stories {
		sv := StoryView{
			ID:        story.ID,
			Title:     story.Title,
			Notes:     story.Notes,
			CreatedAt: story.CreatedAt.UnixMilli(),
		}
		if story.Finalized != nil {
			sv.Finalized = &FinalizedView{
				Value: story.Finalized.Value,
				By:    story.Finalized.By,
				At:    story.Finalized.At.UnixMilli(),
			}
		}
		stories = append(stories, sv)
	}

	mask := hideVotes && !snap.Round.Revealed && !viewerIsHost
	votes := make(map[string]*string, len(snap.Round.Votes))
	for id, v := range snap.Round.Votes {
		if mask && v != nil && id != viewerID {
			hidden := HiddenVote
			votes[id] = &hidden
			continue
		}
		votes[id] = v
	}

	round := RoundView{
		StoryID:              optional(snap.Round.StoryID),
		Revealed:             snap.Round.Revealed,
		VotesByParticipantID: votes,
		UpdatedAt:            snap.Round.UpdatedAt.UnixMilli(),
	}
	if snap.Round.Revealed {
		if suggested, ok := Suggest(snap.Round.Votes); ok {
			round.Suggested = &suggested
		}
	}

	return View{
		SessionID:      snap.SessionID,
		CreatedAt:      snap.CreatedAt.UnixMilli(),
		Participants:   participants,
		Stories:        stories,
		CurrentStoryID: optional(snap.CurrentStoryID),
		Round:          round,
	}
}

// Suggest returns the upper median of the numeric votes. Non-numeric cards
// such as "?" are ignored.
func Suggest(votes map[string]*string) (string, bool) {
	nums := make([]float64, 0, len(votes))
	for _, v := range votes {
		if v == nil {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(*v), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return "", false
	}
	sort.Float64s(nums)
	return strconv.FormatFloat(nums[len(nums)/2], 'f', -1, 64), true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
