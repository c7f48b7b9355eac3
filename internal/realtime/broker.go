package realtime

import (
	"context"
	"sync"
)

const defaultBrokerBuffer = 256

// Broker is an in-process fan-out Source. Every subscription gets its own
// buffered channel; a subscriber that falls behind is cut off with ErrOverflow
// so it reconnects and resyncs instead of silently missing events.
type Broker struct {
	name   string
	buffer int

	mu     sync.Mutex
	subs   map[*brokerSub]struct{}
	closed bool
}

// NewBroker constructs a broker. buffer <= 0 uses a default.
func NewBroker(name string, buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBrokerBuffer
	}
	if name == "" {
		name = "memory"
	}
	return &Broker{name: name, buffer: buffer, subs: make(map[*brokerSub]struct{})}
}

// Name implements Source.
func (b *Broker) Name() string { return b.name }

// Subscribe implements Source.
func (b *Broker) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrSubscriptionClosed
	}
	sub := &brokerSub{broker: b, events: make(chan Event, b.buffer), done: make(chan struct{})}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish fans the event out to every live subscription.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			sub.fail(ErrOverflow)
			delete(b.subs, sub)
		}
	}
	return nil
}

// Broadcast implements Broadcaster.
func (b *Broker) Broadcast(ctx context.Context, ev Event) error {
	return b.Publish(ctx, ev)
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Disconnect fails every live subscription with err, simulating a dropped
// connection.
func (b *Broker) Disconnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.fail(err)
		delete(b.subs, sub)
	}
}

// Close ends every subscription and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Disconnect(ErrSubscriptionClosed)
}

func (b *Broker) remove(sub *brokerSub) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type brokerSub struct {
	broker *Broker
	events chan Event

	once sync.Once
	done chan struct{}
	err  error
}

func (s *brokerSub) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *brokerSub) Next(ctx context.Context) (Event, error) {
	// Drain buffered events before reporting a failure, except on overflow
	// where the buffer is known to be incomplete.
	select {
	case ev := <-s.events:
		select {
		case <-s.done:
			if s.err == ErrOverflow {
				return Event{}, ErrOverflow
			}
		default:
		}
		return ev, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return Event{}, s.err
	}
}

func (s *brokerSub) Close() error {
	s.broker.remove(s)
	s.fail(ErrSubscriptionClosed)
	return nil
}
