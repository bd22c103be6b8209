package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"places-agent/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestGetOrCreate_NewSessionIsEmpty(t *testing.T) {
	clock := newClock()
	s := NewStore(WithClock(clock.Now))

	sess := s.GetOrCreate(42)
	require.Equal(t, domain.UserID(42), sess.UserID)
	require.Equal(t, domain.PhaseInitial, sess.Phase)
	require.Equal(t, domain.Preferences{}, sess.Preferences)
	require.Empty(t, sess.History)
	require.Nil(t, sess.CurrentLocation)
	require.Equal(t, clock.Now(), sess.CreatedAt)
	require.Equal(t, 1, s.Len())
}

func TestGetOrCreate_ReturnsCopy(t *testing.T) {
	s := NewStore()
	s.MergePreferences(1, domain.PreferenceUpdate{SpecificRequirements: []string{"quiet"}})

	sess := s.GetOrCreate(1)
	sess.Preferences.SpecificRequirements[0] = "loud"
	sess.Phase = domain.PhaseSearching

	require.Equal(t, []string{"quiet"}, s.Preferences(1).SpecificRequirements)
	require.Equal(t, domain.PhaseInitial, s.Phase(1))
}

func TestSetPhase_EnforcesTransitions(t *testing.T) {
	clock := newClock()
	s := NewStore(WithClock(clock.Now))
	s.GetOrCreate(1)

	err := s.SetPhase(1, domain.PhaseSearching)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, domain.PhaseInitial, s.Phase(1))

	clock.Advance(time.Minute)
	require.NoError(t, s.SetPhase(1, domain.PhaseCollectingPreferences))
	require.NoError(t, s.SetPhase(1, domain.PhaseSearching))
	require.ErrorIs(t, s.SetPhase(1, domain.PhaseSearching), ErrInvalidTransition)
	require.NoError(t, s.SetPhase(1, domain.PhaseRefining))

	sess := s.GetOrCreate(1)
	require.Equal(t, domain.PhaseRefining, sess.Phase)
	require.Equal(t, clock.Now(), sess.UpdatedAt)
}

func TestEnsurePhase_NoopWhenAlreadyThere(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.EnsurePhase(1, domain.PhaseCollectingPreferences))
	require.NoError(t, s.EnsurePhase(1, domain.PhaseCollectingPreferences))
	require.NoError(t, s.SetPhase(1, domain.PhaseSearching))
	require.NoError(t, s.EnsurePhase(1, domain.PhaseSearching))
	require.ErrorIs(t, s.EnsurePhase(1, domain.PhaseInitial), ErrInvalidTransition)
}

func TestSetPhase_RejectedTransitionDoesNotTouch(t *testing.T) {
	clock := newClock()
	s := NewStore(WithClock(clock.Now), WithIdleTTL(time.Hour))
	first := s.GetOrCreate(1)

	clock.Advance(50 * time.Minute)
	require.ErrorIs(t, s.SetPhase(1, domain.PhaseRefining), ErrInvalidTransition)
	require.NoError(t, s.EnsurePhase(1, domain.PhaseInitial))
	require.Equal(t, first.UpdatedAt, s.GetOrCreate(1).UpdatedAt)

	clock.Advance(11 * time.Minute)
	require.NotEqual(t, first.Generation, s.GetOrCreate(1).Generation)
}

func TestSetPhase_AcceptedTransitionTouches(t *testing.T) {
	clock := newClock()
	s := NewStore(WithClock(clock.Now))
	s.GetOrCreate(1)

	clock.Advance(time.Minute)
	require.Equal(t, domain.PhaseCollectingPreferences, s.Activate(1))
	require.Equal(t, clock.Now(), s.GetOrCreate(1).UpdatedAt)
}

func TestActivate_LeavesInitialOnly(t *testing.T) {
	s := NewStore()
	require.Equal(t, domain.PhaseCollectingPreferences, s.Activate(1))
	require.Equal(t, domain.PhaseCollectingPreferences, s.Activate(1))

	require.NoError(t, s.SetPhase(1, domain.PhaseSearching))
	require.Equal(t, domain.PhaseSearching, s.Activate(1))
}

func TestRecentHistory_ReturnsSuffixInOrder(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 5; i++ {
		s.AppendMessage(1, domain.RoleUser, fmt.Sprintf("m%d", i))
	}

	got := s.RecentHistory(1, 2)
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "m4"},
		{Role: "user", Content: "m5"},
	}, got)

	require.Len(t, s.RecentHistory(1, 10), 5)
	require.Len(t, s.RecentHistory(1, 0), 5)
	require.Len(t, s.GetOrCreate(1).History, 5)
}

func TestAcceptUtterance_FiltersByPhase(t *testing.T) {
	s := NewStore()

	phase, _, ok := s.AcceptUtterance(1, "hello")
	require.False(t, ok)
	require.Equal(t, domain.PhaseInitial, phase)
	require.Empty(t, s.RecentHistory(1, 10))

	require.NoError(t, s.SetPhase(1, domain.PhaseCollectingPreferences))
	_, _, ok = s.AcceptUtterance(1, "a cafe")
	require.True(t, ok)

	require.NoError(t, s.SetPhase(1, domain.PhaseSearching))
	_, _, ok = s.AcceptUtterance(1, "are you there?")
	require.False(t, ok)

	require.NoError(t, s.SetPhase(1, domain.PhaseRefining))
	_, _, ok = s.AcceptUtterance(1, "cheaper please")
	require.True(t, ok)

	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "a cafe"},
		{Role: "user", Content: "cheaper please"},
	}, s.RecentHistory(1, 10))
}

func TestMergePreferencesFor_SkipsAfterReset(t *testing.T) {
	s := NewStore()
	s.Activate(1)
	_, gen, ok := s.AcceptUtterance(1, "a cafe")
	require.True(t, ok)

	prefs, merged := s.MergePreferencesFor(1, gen, domain.PreferenceUpdate{PriceRange: domain.PriceBudget})
	require.True(t, merged)
	require.Equal(t, domain.PriceBudget, prefs.PriceRange)

	s.Reset(1)
	s.Activate(1)
	prefs, merged = s.MergePreferencesFor(1, gen, domain.PreferenceUpdate{Category: domain.CategoryCafe})
	require.False(t, merged)
	require.Equal(t, domain.Preferences{}, prefs)
	require.Equal(t, domain.Preferences{}, s.Preferences(1))
	require.NotEqual(t, gen, s.GetOrCreate(1).Generation)
}

func TestMergePreferences_StoresResult(t *testing.T) {
	s := NewStore()
	got := s.MergePreferences(1, domain.PreferenceUpdate{Category: domain.CategoryCafe})
	require.Equal(t, domain.CategoryCafe, got.Category)
	require.Equal(t, got, s.Preferences(1))
}

func TestSetLocation_UpdatesSessionAndPreferences(t *testing.T) {
	s := NewStore()
	s.SetLocation(1, 55.7558, 37.6173)

	require.Equal(t, &domain.Location{Lat: 55.7558, Lon: 37.6173}, s.Location(1))
	require.Equal(t, &domain.Location{Lat: 55.7558, Lon: 37.6173}, s.Preferences(1).Location)

	s.MergePreferences(1, domain.PreferenceUpdate{Category: domain.CategorySport})
	require.NotNil(t, s.Preferences(1).Location)
}

func TestSetSearchResults_ReplacesBatch(t *testing.T) {
	s := NewStore()
	s.SetSearchResults(1, []domain.Place{{ID: "a"}, {ID: "b"}})
	s.SetSearchResults(1, []domain.Place{{ID: "c"}})
	require.Equal(t, []domain.Place{{ID: "c", Categories: nil}}, s.SearchResults(1))
}

func TestReset_StartsFresh(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetPhase(1, domain.PhaseCollectingPreferences))
	s.MergePreferences(1, domain.PreferenceUpdate{Category: domain.CategoryCafe, SpecificRequirements: []string{"wifi"}})
	s.AppendMessage(1, domain.RoleUser, "hi")
	s.SetLocation(1, 1, 2)
	s.SetSearchResults(1, []domain.Place{{ID: "a"}})

	s.Reset(1)
	require.Equal(t, 0, s.Len())

	sess := s.GetOrCreate(1)
	require.Equal(t, domain.PhaseInitial, sess.Phase)
	require.Equal(t, domain.Preferences{}, sess.Preferences)
	require.Empty(t, sess.History)
	require.Nil(t, sess.CurrentLocation)
	require.Empty(t, sess.SearchResults)
}

func TestReset_UnknownUserIsNoop(t *testing.T) {
	s := NewStore()
	s.Reset(99)
	require.Equal(t, 0, s.Len())
}

func TestIdleTTL_ExpiredSessionIsRecreated(t *testing.T) {
	clock := newClock()
	s := NewStore(WithClock(clock.Now), WithIdleTTL(time.Hour))
	s.MergePreferences(1, domain.PreferenceUpdate{Category: domain.CategoryCafe})

	clock.Advance(30 * time.Minute)
	require.Equal(t, domain.CategoryCafe, s.Preferences(1).Category)

	clock.Advance(61 * time.Minute)
	require.Equal(t, domain.Preferences{}, s.Preferences(1))
}

func TestIdleTTL_ActivityKeepsSessionAlive(t *testing.T) {
	clock := newClock()
	s := NewStore(WithClock(clock.Now), WithIdleTTL(time.Hour))
	s.MergePreferences(1, domain.PreferenceUpdate{Category: domain.CategoryCafe})

	for i := 0; i < 3; i++ {
		clock.Advance(40 * time.Minute)
		s.AppendMessage(1, domain.RoleUser, "still here")
	}
	require.Equal(t, domain.CategoryCafe, s.Preferences(1).Category)
}

func TestEvictIdle(t *testing.T) {
	clock := newClock()
	s := NewStore(WithClock(clock.Now), WithIdleTTL(time.Hour))
	s.GetOrCreate(1)
	clock.Advance(45 * time.Minute)
	s.GetOrCreate(2)
	clock.Advance(30 * time.Minute)

	require.Equal(t, 1, s.EvictIdle())
	require.Equal(t, 1, s.Len())
	require.Equal(t, 0, s.EvictIdle())

	require.Equal(t, 0, NewStore().EvictIdle())
}

func TestConcurrentMerges_SameUserNoLostUpdate(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	start := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		s.MergePreferences(1, domain.PreferenceUpdate{Category: domain.CategoryCafe})
	}()
	go func() {
		defer wg.Done()
		<-start
		s.MergePreferences(1, domain.PreferenceUpdate{TimePreference: domain.TimeEvening})
	}()
	close(start)
	wg.Wait()

	got := s.Preferences(1)
	require.Equal(t, domain.CategoryCafe, got.Category)
	require.Equal(t, domain.TimeEvening, got.TimePreference)
}

func TestConcurrentAppends_ManyUsers(t *testing.T) {
	s := NewStore()
	const users, perUser = 20, 50

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(id domain.UserID) {
				defer wg.Done()
				for i := 0; i < perUser; i++ {
					s.AppendMessage(id, domain.RoleUser, "x")
					s.MergePreferences(id, domain.PreferenceUpdate{SpecificRequirements: []string{"r"}})
				}
			}(domain.UserID(u))
		}
	}
	wg.Wait()

	require.Equal(t, users, s.Len())
	for u := 0; u < users; u++ {
		require.Len(t, s.RecentHistory(domain.UserID(u), 0), 2*perUser)
		require.Len(t, s.Preferences(domain.UserID(u)).SpecificRequirements, 2*perUser)
	}
}

func TestConcurrentResetAndWrites_DoNotPanic(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.AppendMessage(1, domain.RoleUser, "x")
				if i%10 == 0 {
					s.Reset(1)
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, len(s.RecentHistory(1, 0)), 4*200)
}
