package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"places-agent/internal/domain"
	"places-agent/internal/integrations/telegram"
	"places-agent/internal/usecase"
)

type Dialogue interface {
	Start(ctx context.Context, id domain.UserID, name string) ([]domain.Reply, error)
	Help(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	RequestLocation(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	ShareLocation(ctx context.Context, id domain.UserID, lat, lon float64) ([]domain.Reply, error)
	Begin(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	HandleUtterance(ctx context.Context, id domain.UserID, text string) ([]domain.Reply, error)
	MoreQuestions(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	BeginSearch(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	RunSearch(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	ResultsGood(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	ResultsBad(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
	NewSearch(ctx context.Context, id domain.UserID) ([]domain.Reply, error)
}

type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup any) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID string) error
}

// Router turns Telegram updates into dialogue calls and delivers the
// replies back to the chat.
type Router struct {
	dialogue Dialogue
	bot      Messenger
	log      *slog.Logger
}

func NewRouter(d Dialogue, bot Messenger, log *slog.Logger) (*Router, error) {
	if d == nil {
		return nil, errors.New("handler: dialogue must not be nil")
	}
	if bot == nil {
		return nil, errors.New("handler: messenger must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{dialogue: d, bot: bot, log: log}, nil
}

// target is where replies to one update go.
type target struct {
	user      domain.UserID
	chatID    int64
	messageID int64
}

// Dispatch handles one update. Updates the bot does not understand are
// dropped; an update without a sender is invalid input.
func (r *Router) Dispatch(ctx context.Context, upd telegram.Update) error {
	switch {
	case upd.CallbackQuery != nil:
		return r.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		return r.handleMessage(ctx, upd.Message)
	default:
		r.log.Debug("update ignored", "update_id", upd.UpdateID)
		return nil
	}
}

func (r *Router) handleMessage(ctx context.Context, msg *telegram.Message) error {
	if msg.From == nil || msg.From.ID <= 0 {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_sender"}
	}
	t := target{user: domain.UserID(msg.From.ID), chatID: msg.Chat.ID}
	if t.chatID == 0 {
		t.chatID = msg.From.ID
	}

	var (
		replies []domain.Reply
		err     error
	)
	switch {
	case msg.Location != nil:
		replies, err = r.dialogue.ShareLocation(ctx, t.user, msg.Location.Latitude, msg.Location.Longitude)
	case strings.HasPrefix(msg.Text, "/"):
		switch command(msg.Text) {
		case "start":
			replies, err = r.dialogue.Start(ctx, t.user, msg.From.FullName())
		case "help":
			replies, err = r.dialogue.Help(ctx, t.user)
		default:
			r.log.Debug("unknown command ignored", "user_id", t.user, "command", command(msg.Text))
			return nil
		}
	case msg.Text != "":
		replies, err = r.dialogue.HandleUtterance(ctx, t.user, msg.Text)
	default:
		return nil
	}
	return r.finish(ctx, t, replies, err)
}

func (r *Router) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) error {
	if cb.From.ID <= 0 {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_sender"}
	}
	if err := r.bot.AnswerCallbackQuery(ctx, cb.ID); err != nil {
		r.log.Warn("failed to answer callback query", "user_id", cb.From.ID, "err", err)
	}

	t := target{user: domain.UserID(cb.From.ID), chatID: cb.From.ID}
	if cb.Message != nil {
		t.chatID = cb.Message.Chat.ID
		t.messageID = cb.Message.MessageID
	}

	var (
		replies []domain.Reply
		err     error
	)
	switch domain.Action(cb.Data) {
	case domain.ActionRequestLocation:
		replies, err = r.dialogue.RequestLocation(ctx, t.user)
	case domain.ActionStartWithoutLocation:
		replies, err = r.dialogue.Begin(ctx, t.user)
	case domain.ActionMoreQuestions:
		replies, err = r.dialogue.MoreQuestions(ctx, t.user)
	case domain.ActionStartSearch:
		replies, err = r.dialogue.BeginSearch(ctx, t.user)
		if err == nil {
			r.deliver(ctx, t, replies)
			replies, err = r.dialogue.RunSearch(ctx, t.user)
		}
	case domain.ActionResultsGood:
		replies, err = r.dialogue.ResultsGood(ctx, t.user)
	case domain.ActionResultsBad:
		replies, err = r.dialogue.ResultsBad(ctx, t.user)
	case domain.ActionNewSearch:
		replies, err = r.dialogue.NewSearch(ctx, t.user)
	default:
		r.log.Debug("unknown callback ignored", "user_id", t.user, "data", cb.Data)
		return nil
	}
	return r.finish(ctx, t, replies, err)
}

func (r *Router) finish(ctx context.Context, t target, replies []domain.Reply, err error) error {
	if err != nil {
		if usecase.CodeOf(err) == usecase.ErrorInvalidState {
			// Stale button press.
			r.log.Info("action not allowed in current phase", "user_id", t.user, "err", err)
			return nil
		}
		return err
	}
	r.deliver(ctx, t, replies)
	return nil
}

// deliver sends replies in order. Delivery failures are logged and do not
// stop later replies.
func (r *Router) deliver(ctx context.Context, t target, replies []domain.Reply) {
	for _, reply := range replies {
		inline := inlineMarkup(reply.Buttons)
		if reply.Edit && t.messageID != 0 && reply.Keyboard == domain.KeyboardNone {
			if err := r.bot.EditMessageText(ctx, t.chatID, t.messageID, reply.Text, inline); err != nil {
				r.log.Warn("failed to edit message", "user_id", t.user, "err", err)
			}
			continue
		}

		var markup any
		switch {
		case reply.Keyboard == domain.KeyboardRequestLocation:
			markup = telegram.ReplyKeyboardMarkup{
				Keyboard:        [][]telegram.KeyboardButton{{{Text: "📍 Send location", RequestLocation: true}}},
				ResizeKeyboard:  true,
				OneTimeKeyboard: true,
			}
		case reply.Keyboard == domain.KeyboardRemove:
			markup = telegram.ReplyKeyboardRemove{RemoveKeyboard: true}
		case inline != nil:
			markup = inline
		}
		if _, err := r.bot.SendMessage(ctx, t.chatID, reply.Text, markup); err != nil {
			r.log.Warn("failed to send message", "user_id", t.user, "err", err)
		}
	}
}

func inlineMarkup(buttons []domain.Button) *telegram.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]telegram.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []telegram.InlineKeyboardButton{{Text: b.Text, CallbackData: string(b.Action)}})
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// command extracts the command name from "/name@bot args".
func command(text string) string {
	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}
