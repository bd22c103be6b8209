package usecase

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"places-agent/internal/domain"
)

const (
	defaultSearchRadius  = 5000
	defaultSearchLimit   = 5
	defaultHistoryWindow = 10
	maxUtteranceLen      = 4096
)

type SessionStore interface {
	Phase(id domain.UserID) domain.Phase
	SetPhase(id domain.UserID, phase domain.Phase) error
	EnsurePhase(id domain.UserID, phase domain.Phase) error
	Activate(id domain.UserID) domain.Phase
	AppendMessage(id domain.UserID, role domain.Role, text string)
	AcceptUtterance(id domain.UserID, text string) (domain.Phase, uint64, bool)
	RecentHistory(id domain.UserID, limit int) []domain.ChatMessage
	MergePreferencesFor(id domain.UserID, gen uint64, u domain.PreferenceUpdate) (domain.Preferences, bool)
	Preferences(id domain.UserID) domain.Preferences
	SetLocation(id domain.UserID, lat, lon float64)
	Location(id domain.UserID) *domain.Location
	SetSearchResults(id domain.UserID, places []domain.Place)
	Reset(id domain.UserID)
}

type PreferenceAnalyzer interface {
	AnalyzeUtterance(ctx context.Context, text string, current domain.Preferences) (domain.PreferenceUpdate, error)
}

type QuestionGenerator interface {
	NextQuestion(ctx context.Context, prefs domain.Preferences, history []domain.ChatMessage) (string, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type PlaceSearcher interface {
	SearchPlaces(ctx context.Context, prefs domain.Preferences, loc *domain.Location, radius, limit int) ([]domain.Place, error)
}

type SearchJournal interface {
	RecordSearch(ctx context.Context, rec domain.SearchRecord) error
}

// Dependencies are the collaborators of a DialogueService. Moderator and
// Journal are optional.
type Dependencies struct {
	Store     SessionStore
	Analyzer  PreferenceAnalyzer
	Questions QuestionGenerator
	Searcher  PlaceSearcher
	Moderator Moderator
	Journal   SearchJournal
	Logger    *slog.Logger
}

type Settings struct {
	SearchRadius  int
	SearchLimit   int
	HistoryWindow int
}

// DialogueService drives one conversation per user: it interprets answers,
// decides whether to ask again or offer a search, and runs the search.
// Collaborator failures are logged and turned into fallback replies.
type DialogueService struct {
	store     SessionStore
	analyzer  PreferenceAnalyzer
	questions QuestionGenerator
	searcher  PlaceSearcher
	moderator Moderator
	journal   SearchJournal
	log       *slog.Logger

	searchRadius  int
	searchLimit   int
	historyWindow int
}

func NewDialogueService(d Dependencies, cfg Settings) (*DialogueService, error) {
	if d.Store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if d.Analyzer == nil {
		return nil, errors.New("usecase: preference analyzer must not be nil")
	}
	if d.Questions == nil {
		return nil, errors.New("usecase: question generator must not be nil")
	}
	if d.Searcher == nil {
		return nil, errors.New("usecase: place searcher must not be nil")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.SearchRadius <= 0 {
		cfg.SearchRadius = defaultSearchRadius
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = defaultSearchLimit
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	return &DialogueService{
		store:         d.Store,
		analyzer:      d.Analyzer,
		questions:     d.Questions,
		searcher:      d.Searcher,
		moderator:     d.Moderator,
		journal:       d.Journal,
		log:           d.Logger,
		searchRadius:  cfg.SearchRadius,
		searchLimit:   cfg.SearchLimit,
		historyWindow: cfg.HistoryWindow,
	}, nil
}

// Start discards any previous conversation and greets the user.
func (s *DialogueService) Start(_ context.Context, id domain.UserID, name string) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	s.store.Reset(id)
	s.store.Activate(id)
	return []domain.Reply{{
		Text: fmt.Sprintf(welcomeTemplate, html.EscapeString(displayName(name))),
		Buttons: []domain.Button{
			{Text: "📍 Share location", Action: domain.ActionRequestLocation},
			{Text: "🚀 Start without location", Action: domain.ActionStartWithoutLocation},
		},
	}}, nil
}

func (s *DialogueService) Help(_ context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	return []domain.Reply{{Text: helpText}}, nil
}

// RequestLocation shows the keyboard that shares the device location.
func (s *DialogueService) RequestLocation(_ context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	return []domain.Reply{{
		Text:     "Send me your location using the button below:",
		Keyboard: domain.KeyboardRequestLocation,
	}}, nil
}

// ShareLocation stores the user's position and asks the first question.
func (s *DialogueService) ShareLocation(ctx context.Context, id domain.UserID, lat, lon float64) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, newError(ErrorInvalidInput, "invalid_coordinates", nil)
	}
	s.store.SetLocation(id, lat, lon)
	s.store.Activate(id)

	confirm := domain.Reply{
		Text:     fmt.Sprintf("📍 Great! Location saved: %.4f, %.4f", lat, lon),
		Keyboard: domain.KeyboardRemove,
	}
	return []domain.Reply{confirm, s.askQuestion(ctx, id, firstQuestionFallback, false)}, nil
}

// Begin starts collecting preferences without a location.
func (s *DialogueService) Begin(ctx context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	s.store.Activate(id)
	return []domain.Reply{s.askQuestion(ctx, id, firstQuestionFallback, false)}, nil
}

// HandleUtterance processes a free-text answer. Text that arrives while the
// session does not accept answers is dropped and produces no replies.
func (s *DialogueService) HandleUtterance(ctx context.Context, id domain.UserID, text string) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(ErrorInvalidInput, "empty_text", nil)
	}
	if len(text) > maxUtteranceLen {
		return nil, newError(ErrorInvalidInput, "text_too_long", nil)
	}

	phase, gen, accepted := s.store.AcceptUtterance(id, text)
	if !accepted {
		s.log.Debug("utterance ignored", "user_id", id, "phase", phase.String())
		return nil, nil
	}

	if s.moderator != nil {
		flagged, err := s.moderator.Moderate(ctx, text)
		if err != nil {
			s.log.Warn("moderation failed", "user_id", id, "err", err)
		} else if flagged {
			s.log.Info("utterance flagged by moderation", "user_id", id)
			return []domain.Reply{{Text: moderationRefusal}}, nil
		}
	}

	update, err := s.analyzer.AnalyzeUtterance(ctx, text, s.store.Preferences(id))
	if err != nil {
		s.log.Warn("preference analysis failed", "user_id", id, "err", err)
		return []domain.Reply{{Text: genericFailure}}, nil
	}
	prefs, merged := s.store.MergePreferencesFor(id, gen, update)
	if !merged {
		s.log.Debug("utterance superseded by reset", "user_id", id)
		return nil, nil
	}

	if prefs.ReadyForSearch() {
		return []domain.Reply{{
			Text: "I have enough information! Shall I start searching, or would you like to answer a few more questions?",
			Buttons: []domain.Button{
				{Text: "🔍 Search places", Action: domain.ActionStartSearch},
				{Text: "❓ More questions", Action: domain.ActionMoreQuestions},
			},
		}}, nil
	}
	return []domain.Reply{s.askQuestionFor(ctx, id, prefs, moreQuestionsFallback, false)}, nil
}

// MoreQuestions keeps collecting after search was offered.
func (s *DialogueService) MoreQuestions(ctx context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	if phase := s.store.Phase(id); !phase.AcceptsUtterances() {
		return nil, newError(ErrorInvalidState, "not_collecting", nil)
	}
	return []domain.Reply{s.askQuestion(ctx, id, moreQuestionsFallback, true)}, nil
}

// BeginSearch moves the session into the searching phase. A second call
// before the search completes fails with ErrorInvalidState.
func (s *DialogueService) BeginSearch(_ context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	if err := s.store.SetPhase(id, domain.PhaseSearching); err != nil {
		return nil, newError(ErrorInvalidState, "search_not_allowed", err)
	}
	return []domain.Reply{{Text: "🔍 Looking for matching places...", Edit: true}}, nil
}

// RunSearch queries places for a session in the searching phase. A failed
// or empty search sends the user back to collecting preferences.
func (s *DialogueService) RunSearch(ctx context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	if phase := s.store.Phase(id); phase != domain.PhaseSearching {
		return nil, newError(ErrorInvalidState, "not_searching", nil)
	}

	prefs := s.store.Preferences(id)
	loc := s.store.Location(id)
	places, err := s.searcher.SearchPlaces(ctx, prefs, loc, s.searchRadius, s.searchLimit)
	if err != nil {
		s.log.Warn("place search failed", "user_id", id, "err", err)
		places = nil
	}
	if len(places) > s.searchLimit {
		places = places[:s.searchLimit]
	}

	if len(places) == 0 {
		if err := s.store.SetPhase(id, domain.PhaseCollectingPreferences); err != nil {
			s.log.Error("failed to leave searching phase", "user_id", id, "err", err)
		}
		return []domain.Reply{{Text: noResultsText}}, nil
	}

	s.store.SetSearchResults(id, places)
	s.recordSearch(ctx, id, prefs, loc, places)

	return []domain.Reply{{
		Text: formatResults(places),
		Buttons: []domain.Button{
			{Text: "👍 Great!", Action: domain.ActionResultsGood},
			{Text: "👎 Not quite", Action: domain.ActionResultsBad},
			{Text: "🔄 New search", Action: domain.ActionNewSearch},
		},
	}}, nil
}

// ResultsGood ends the conversation.
func (s *DialogueService) ResultsGood(_ context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	s.store.Reset(id)
	return []domain.Reply{{
		Text: "🎉 Great! I hope you enjoy the place!\n\nWant to find something else? Use /start for a new search.",
		Edit: true,
	}}, nil
}

// ResultsBad switches to refining so the next answers correct the search.
func (s *DialogueService) ResultsBad(_ context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	if err := s.store.SetPhase(id, domain.PhaseRefining); err != nil {
		return nil, newError(ErrorInvalidState, "refine_not_allowed", err)
	}
	return []domain.Reply{{
		Text: "Got it! What exactly doesn't suit you about these places? Tell me more so I can adjust the search.",
		Edit: true,
	}}, nil
}

// NewSearch drops the conversation and starts collecting from scratch.
func (s *DialogueService) NewSearch(_ context.Context, id domain.UserID) ([]domain.Reply, error) {
	if id <= 0 {
		return nil, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	s.store.Reset(id)
	if err := s.store.EnsurePhase(id, domain.PhaseCollectingPreferences); err != nil {
		return nil, newError(ErrorInternal, "phase_update_error", err)
	}
	return []domain.Reply{{Text: "🔄 Starting a new search! What would you like to find?", Edit: true}}, nil
}

func (s *DialogueService) askQuestion(ctx context.Context, id domain.UserID, fallback string, edit bool) domain.Reply {
	return s.askQuestionFor(ctx, id, s.store.Preferences(id), fallback, edit)
}

func (s *DialogueService) askQuestionFor(ctx context.Context, id domain.UserID, prefs domain.Preferences, fallback string, edit bool) domain.Reply {
	question, err := s.questions.NextQuestion(ctx, prefs, s.store.RecentHistory(id, s.historyWindow))
	if err != nil {
		s.log.Warn("question generation failed", "user_id", id, "err", err)
		question = fallback
	}
	s.store.AppendMessage(id, domain.RoleAssistant, question)
	return domain.Reply{Text: html.EscapeString(question), Edit: edit}
}

func (s *DialogueService) recordSearch(ctx context.Context, id domain.UserID, prefs domain.Preferences, loc *domain.Location, places []domain.Place) {
	if s.journal == nil {
		return
	}
	ids := make([]string, 0, len(places))
	for _, p := range places {
		ids = append(ids, p.ID)
	}
	rec := domain.SearchRecord{
		SearchID:    newUUID(),
		UserID:      id,
		Preferences: prefs,
		Location:    loc,
		ResultCount: len(places),
		PlaceIDs:    ids,
	}
	if err := s.journal.RecordSearch(ctx, rec); err != nil {
		s.log.Error("failed to record search", "user_id", id, "search_id", rec.SearchID, "err", err)
	}
}

func displayName(name string) string {
	if name == "" {
		return "there"
	}
	return name
}

var newUUID = func() string {
	return uuid.NewString()
}
