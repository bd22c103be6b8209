package domain

import (
	"fmt"
	"time"
)

// UserID identifies a chat user. It is the session key.
type UserID int64

// Phase is the coarse dialogue state of a session.
type Phase uint8

const (
	PhaseInitial Phase = iota
	PhaseCollectingPreferences
	PhaseSearching
	PhaseRefining
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseCollectingPreferences:
		return "collecting_preferences"
	case PhaseSearching:
		return "searching"
	case PhaseRefining:
		return "refining"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// AcceptsUtterances reports whether free text is interpreted in this phase.
// Text received in any other phase is dropped.
func (p Phase) AcceptsUtterances() bool {
	return p == PhaseCollectingPreferences || p == PhaseRefining
}

var transitions = map[Phase][]Phase{
	PhaseInitial:               {PhaseCollectingPreferences},
	PhaseCollectingPreferences: {PhaseCollectingPreferences, PhaseSearching},
	PhaseSearching:             {PhaseCollectingPreferences, PhaseRefining},
	PhaseRefining:              {PhaseRefining, PhaseCollectingPreferences, PhaseSearching},
}

// CanTransition reports whether a session may move from p to next.
// Leaving the machine entirely is a session reset, not a transition.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is the per-user dialogue aggregate.
type Session struct {
	UserID UserID
	// Generation distinguishes this session from earlier ones of the same
	// user that were reset or expired.
	Generation      uint64
	Preferences     Preferences
	History         []ConversationMessage
	Phase           Phase
	CurrentLocation *Location
	SearchResults   []Place
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewSession returns an empty session in the initial phase.
func NewSession(id UserID, now time.Time) Session {
	return Session{
		UserID:    id,
		Phase:     PhaseInitial,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Preferences = s.Preferences.Clone()
	if s.History != nil {
		out.History = append([]ConversationMessage(nil), s.History...)
	}
	if s.CurrentLocation != nil {
		loc := *s.CurrentLocation
		out.CurrentLocation = &loc
	}
	out.SearchResults = ClonePlaces(s.SearchResults)
	return out
}
