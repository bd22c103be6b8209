// Package session holds the in-memory, per-user dialogue state.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"places-agent/internal/domain"
)

// ErrInvalidTransition is returned by SetPhase when the dialogue state
// machine does not allow the requested move.
var ErrInvalidTransition = errors.New("session: invalid phase transition")

// Store owns every Session. Operations on one user are serialized; operations
// on different users only contend for the brief map lookup.
type Store struct {
	mu      sync.Mutex
	entries map[domain.UserID]*entry
	gen     uint64

	now     func() time.Time
	idleTTL time.Duration
}

type entry struct {
	mu      sync.Mutex
	session domain.Session
	removed bool
	// touched mirrors session.UpdatedAt in unix nanoseconds so idle checks
	// do not need the entry lock.
	touched atomic.Int64
}

type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIdleTTL expires sessions that have not been updated for d. Zero
// disables expiry.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idleTTL = d
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[domain.UserID]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for id, creating it when missing or idle.
func (s *Store) lookup(id domain.UserID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[id]; ok {
		if !s.expired(e, now) {
			return e
		}
		delete(s.entries, id)
		markRemoved(e)
	}
	s.gen++
	e := &entry{session: domain.NewSession(id, now)}
	e.session.Generation = s.gen
	e.touched.Store(now.UnixNano())
	s.entries[id] = e
	return e
}

func (s *Store) expired(e *entry, now time.Time) bool {
	if s.idleTTL <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, e.touched.Load())) > s.idleTTL
}

func markRemoved(e *entry) {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

// update runs fn with exclusive access to the user's session. The session
// is touched only when fn reports a change.
func (s *Store) update(id domain.UserID, fn func(*domain.Session) bool) {
	for {
		e := s.lookup(id)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if fn(&e.session) {
			now := s.now()
			e.session.UpdatedAt = now
			e.touched.Store(now.UnixNano())
		}
		e.mu.Unlock()
		return
	}
}

func (s *Store) read(id domain.UserID, fn func(*domain.Session)) {
	s.update(id, func(sess *domain.Session) bool {
		fn(sess)
		return false
	})
}

// GetOrCreate returns a copy of the user's session, creating an empty one in
// the initial phase when none exists.
func (s *Store) GetOrCreate(id domain.UserID) domain.Session {
	var out domain.Session
	s.read(id, func(sess *domain.Session) { out = sess.Clone() })
	return out
}

func (s *Store) Phase(id domain.UserID) domain.Phase {
	var p domain.Phase
	s.read(id, func(sess *domain.Session) { p = sess.Phase })
	return p
}

// SetPhase moves the session to phase if the state machine allows it.
func (s *Store) SetPhase(id domain.UserID, phase domain.Phase) error {
	var err error
	s.update(id, func(sess *domain.Session) bool {
		if !sess.Phase.CanTransition(phase) {
			err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Phase, phase)
			return false
		}
		sess.Phase = phase
		return true
	})
	return err
}

// EnsurePhase moves the session to phase unless it is already there.
func (s *Store) EnsurePhase(id domain.UserID, phase domain.Phase) error {
	var err error
	s.update(id, func(sess *domain.Session) bool {
		if sess.Phase == phase {
			return false
		}
		if !sess.Phase.CanTransition(phase) {
			err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Phase, phase)
			return false
		}
		sess.Phase = phase
		return true
	})
	return err
}

// Activate moves a session out of the initial phase into collecting
// preferences and returns the resulting phase. Sessions already past the
// initial phase are left where they are.
func (s *Store) Activate(id domain.UserID) domain.Phase {
	var p domain.Phase
	s.update(id, func(sess *domain.Session) bool {
		changed := sess.Phase == domain.PhaseInitial
		if changed {
			sess.Phase = domain.PhaseCollectingPreferences
		}
		p = sess.Phase
		return changed
	})
	return p
}

func (s *Store) AppendMessage(id domain.UserID, role domain.Role, text string) {
	s.update(id, func(sess *domain.Session) bool {
		sess.History = append(sess.History, domain.ConversationMessage{
			Role:      role,
			Content:   text,
			CreatedAt: s.now(),
		})
		return true
	})
}

// AcceptUtterance appends text as a user turn if the session's phase accepts
// free text. The phase check and append happen atomically. It returns the
// phase observed, the session generation, and whether the text was recorded.
func (s *Store) AcceptUtterance(id domain.UserID, text string) (domain.Phase, uint64, bool) {
	var (
		phase    domain.Phase
		gen      uint64
		accepted bool
	)
	s.update(id, func(sess *domain.Session) bool {
		phase, gen = sess.Phase, sess.Generation
		if !phase.AcceptsUtterances() {
			return false
		}
		accepted = true
		sess.History = append(sess.History, domain.ConversationMessage{
			Role:      domain.RoleUser,
			Content:   text,
			CreatedAt: s.now(),
		})
		return true
	})
	return phase, gen, accepted
}

// RecentHistory returns the last limit turns, oldest first. A non-positive
// limit returns the whole log.
func (s *Store) RecentHistory(id domain.UserID, limit int) []domain.ChatMessage {
	var out []domain.ChatMessage
	s.read(id, func(sess *domain.Session) {
		msgs := sess.History
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		out = domain.ChatMessages(msgs)
	})
	return out
}

// MergePreferences applies u to the stored model and returns the result.
func (s *Store) MergePreferences(id domain.UserID, u domain.PreferenceUpdate) domain.Preferences {
	var out domain.Preferences
	s.update(id, func(sess *domain.Session) bool {
		sess.Preferences = sess.Preferences.Merge(u)
		out = sess.Preferences.Clone()
		return true
	})
	return out
}

// MergePreferencesFor applies u only if the user's session is still the
// generation gen. It reports false, leaving the session alone, when the
// session was reset or expired in the meantime.
func (s *Store) MergePreferencesFor(id domain.UserID, gen uint64, u domain.PreferenceUpdate) (domain.Preferences, bool) {
	var (
		out    domain.Preferences
		merged bool
	)
	s.update(id, func(sess *domain.Session) bool {
		if sess.Generation != gen {
			out = sess.Preferences.Clone()
			return false
		}
		sess.Preferences = sess.Preferences.Merge(u)
		out = sess.Preferences.Clone()
		merged = true
		return true
	})
	return out, merged
}

func (s *Store) Preferences(id domain.UserID) domain.Preferences {
	var out domain.Preferences
	s.read(id, func(sess *domain.Session) { out = sess.Preferences.Clone() })
	return out
}

// SetLocation records the user's position on the session and its
// preference model.
func (s *Store) SetLocation(id domain.UserID, lat, lon float64) {
	s.update(id, func(sess *domain.Session) bool {
		sess.CurrentLocation = &domain.Location{Lat: lat, Lon: lon}
		sess.Preferences.Location = &domain.Location{Lat: lat, Lon: lon}
		return true
	})
}

func (s *Store) Location(id domain.UserID) *domain.Location {
	var out *domain.Location
	s.read(id, func(sess *domain.Session) {
		if sess.CurrentLocation != nil {
			loc := *sess.CurrentLocation
			out = &loc
		}
	})
	return out
}

// SetSearchResults replaces the stored result batch.
func (s *Store) SetSearchResults(id domain.UserID, places []domain.Place) {
	s.update(id, func(sess *domain.Session) bool {
		sess.SearchResults = domain.ClonePlaces(places)
		return true
	})
}

func (s *Store) SearchResults(id domain.UserID) []domain.Place {
	var out []domain.Place
	s.read(id, func(sess *domain.Session) { out = domain.ClonePlaces(sess.SearchResults) })
	return out
}

// Reset removes the user's session. The next access starts from scratch.
func (s *Store) Reset(id domain.UserID) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		markRemoved(e)
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EvictIdle removes sessions idle for longer than the configured TTL and
// returns how many were removed.
func (s *Store) EvictIdle() int {
	if s.idleTTL <= 0 {
		return 0
	}
	now := s.now()
	var stale []*entry

	s.mu.Lock()
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			stale = append(stale, e)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		markRemoved(e)
	}
	return len(stale)
}
