package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"places-agent/internal/integrations/telegram"
)

const (
	defaultPollTimeout    = 30 * time.Second
	defaultRetryDelay     = 3 * time.Second
	defaultPollingWorkers = 8
)

type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

// Poller long-polls for updates when no webhook is configured. Updates from
// one user are dispatched in order; different users are handled
// concurrently.
type Poller struct {
	source     UpdateSource
	dispatcher Dispatcher
	log        *slog.Logger
	timeout    time.Duration
	retryDelay time.Duration
	workers    int
}

type PollerOption func(*Poller)

func WithPollTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithRetryDelay(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithWorkers bounds how many users are served at once.
func WithWorkers(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

func NewPoller(src UpdateSource, d Dispatcher, opts ...PollerOption) (*Poller, error) {
	if src == nil {
		return nil, errors.New("handler: update source must not be nil")
	}
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	p := &Poller{
		source:     src,
		dispatcher: d,
		log:        slog.Default(),
		timeout:    defaultPollTimeout,
		retryDelay: defaultRetryDelay,
		workers:    defaultPollingWorkers,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	for {
		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.log.Warn("failed to fetch updates", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryDelay):
			}
			continue
		}
		if next := p.process(ctx, updates); next > offset {
			offset = next
		}
	}
}

// process dispatches one batch and returns the offset that acknowledges it.
func (p *Poller) process(ctx context.Context, updates []telegram.Update) int64 {
	var next int64
	var order []int64
	groups := make(map[int64][]telegram.Update)
	for _, upd := range updates {
		if upd.UpdateID >= next {
			next = upd.UpdateID + 1
		}
		sender := senderID(upd)
		if _, ok := groups[sender]; !ok {
			order = append(order, sender)
		}
		groups[sender] = append(groups[sender], upd)
	}

	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, sender := range order {
		batch := groups[sender]
		g.Go(func() error {
			for _, upd := range batch {
				if err := p.dispatcher.Dispatch(ctx, upd); err != nil {
					p.log.Error("update handling failed", "update_id", upd.UpdateID, "user_id", sender, "err", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return next
}

func senderID(upd telegram.Update) int64 {
	switch {
	case upd.CallbackQuery != nil:
		return upd.CallbackQuery.From.ID
	case upd.Message != nil && upd.Message.From != nil:
		return upd.Message.From.ID
	default:
		return 0
	}
}
