package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection state of a subscriber.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
)

// Status is the last reported channel status.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// SubscriberConfig tunes connection handling.
type SubscriberConfig struct {
	SubscribeTimeout time.Duration
	ReconnectDelay   time.Duration
	Backoff          Backoff
	Buffer           int
	Logger           *slog.Logger
	Metrics          *Metrics
}

// Snapshot is a point-in-time view of a subscriber.
type Snapshot struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	State      State     `json:"state"`
	Status     Status    `json:"status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects int       `json:"reconnects"`
	Since      time.Time `json:"since"`
}

// Subscriber keeps one subscription to a Source alive and forwards its events.
// After any gap in the subscription it emits an unscoped refresh event, since
// changes may have been missed while disconnected.
type Subscriber struct {
	id        string
	source    Source
	cfg       SubscriberConfig
	logger    *slog.Logger
	events    chan Event
	reconnect chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

type exitReason int

const (
	exitContext exitReason = iota
	exitReconnect
	exitFailure
)

// NewSubscriber prepares a subscriber; call Run to start it.
func NewSubscriber(source Source, cfg SubscriberConfig) *Subscriber {
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 250 * time.Millisecond
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	cfg.Backoff = cfg.Backoff.normalized()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Subscriber{
		id:        id,
		source:    source,
		cfg:       cfg,
		logger:    logger.With(slog.String("source", source.Name()), slog.String("subscriber", id)),
		events:    make(chan Event, cfg.Buffer),
		reconnect: make(chan struct{}, 1),
		snap: Snapshot{
			ID:     id,
			Source: source.Name(),
			State:  StateDisconnected,
			Since:  time.Now().UTC(),
		},
	}
}

// Events delivers received events. The channel closes when Run returns.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Reconnect asks the subscriber to tear down and rebuild its subscription after
// the configured delay. Requests coalesce.
func (s *Subscriber) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Snapshot returns the current connection view.
func (s *Subscriber) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Run maintains the subscription until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.events)
	defer s.transition(StateDisconnected, StatusClosed, nil)

	attempt := 0
	subscribedOnce := false
	for {
		if ctx.Err() != nil {
			return
		}
		if subscribedOnce || attempt > 0 {
			s.countReconnect()
		}
		s.transition(StateConnecting, "", nil)

		sub, err := s.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			s.transition(StateDisconnected, failureStatus(err), err)
			delay := s.cfg.Backoff.Delay(attempt)
			s.logger.Warn("realtime subscribe failed", slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.Any("error", err))
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		s.transition(StateSubscribed, StatusSubscribed, nil)
		s.logger.Info("realtime subscribed")
		if subscribedOnce && !s.emit(ctx, RefreshEvent("", "")) {
			_ = sub.Close()
			return
		}
		subscribedOnce = true

		reason, err := s.consume(ctx, sub)
		switch reason {
		case exitContext:
			return
		case exitReconnect:
			s.transition(StateDisconnected, StatusClosed, nil)
			s.logger.Info("realtime reconnect requested", slog.Duration("delay", s.cfg.ReconnectDelay))
			if !s.sleep(ctx, s.cfg.ReconnectDelay) {
				return
			}
		case exitFailure:
			attempt = 1
			s.transition(StateDisconnected, failureStatus(err), err)
			delay := s.cfg.Backoff.Delay(attempt)
			s.logger.Warn("realtime subscription lost", slog.Duration("retry_in", delay), slog.Any("error", err))
			if !s.sleep(ctx, delay) {
				return
			}
		}
	}
}

func (s *Subscriber) open(ctx context.Context) (Subscription, error) {
	subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout)
	defer cancel()

	type result struct {
		sub Subscription
		err error
	}
	done := make(chan result, 1)
	go func() {
		sub, err := s.source.Subscribe(subCtx)
		done <- result{sub: sub, err: err}
	}()

	select {
	case res := <-done:
		return res.sub, res.err
	case <-subCtx.Done():
		// Close a subscription that completes after we gave up on it.
		go func() {
			if res := <-done; res.err == nil && res.sub != nil {
				_ = res.sub.Close()
			}
		}()
		return nil, subCtx.Err()
	}
}

// consume forwards events until the subscription fails, ctx ends or a
// reconnect is requested. The old subscription is always closed before return.
func (s *Subscriber) consume(ctx context.Context, sub Subscription) (exitReason, error) {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- s.pump(pumpCtx, sub)
	}()

	var (
		reason exitReason
		err    error
	)
	select {
	case <-ctx.Done():
		reason = exitContext
		cancel()
		<-errc
	case <-s.reconnect:
		reason = exitReconnect
		cancel()
		<-errc
	case err = <-errc:
		reason = exitFailure
		if ctx.Err() != nil {
			reason = exitContext
		}
	}
	if cerr := sub.Close(); cerr != nil && !errors.Is(cerr, ErrSubscriptionClosed) {
		s.logger.Debug("realtime close subscription", slog.Any("error", cerr))
	}
	return reason, err
}

func (s *Subscriber) pump(ctx context.Context, sub Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if !s.emit(ctx, ev) {
			return ctx.Err()
		}
	}
}

func (s *Subscriber) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits for d. A reconnect request cuts the wait short.
func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.reconnect:
		return true
	}
}

func (s *Subscriber) transition(state State, status Status, err error) {
	s.mu.Lock()
	s.snap.State = state
	if status != "" {
		s.snap.Status = status
	}
	if err != nil {
		s.snap.LastError = err.Error()
	} else if status == StatusSubscribed {
		s.snap.LastError = ""
	}
	s.snap.Since = time.Now().UTC()
	s.mu.Unlock()
	if status != "" {
		s.cfg.Metrics.status(s.source.Name(), status)
	}
}

func (s *Subscriber) countReconnect() {
	s.mu.Lock()
	s.snap.Reconnects++
	s.mu.Unlock()
	s.cfg.Metrics.reconnect(s.source.Name())
}

func failureStatus(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimedOut
	}
	return StatusChannelError
}
