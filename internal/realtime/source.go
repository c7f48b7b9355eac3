package realtime

import (
	"context"
	"errors"
)

var (
	// ErrSubscriptionClosed is returned by Next once a subscription is torn down.
	ErrSubscriptionClosed = errors.New("realtime: subscription closed")
	// ErrOverflow is returned when a slow consumer dropped events and must resync.
	ErrOverflow = errors.New("realtime: subscriber buffer overflow")
)

// Source opens change-event subscriptions against one backend.
type Source interface {
	Name() string
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live event stream. Next blocks until an event arrives, the
// context ends or the stream fails.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Broadcaster publishes explicit refresh signals to every instance.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) error
}

// Publisher emits row-level change events. Store implementations without a
// native change feed publish through it after every committed write.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
