// Package redisbus carries change events and refresh signals over Redis pub/sub
// so every service instance invalidates its local cache.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/permissions/internal/realtime"
)

// Bus is a realtime Source, Broadcaster and Publisher backed by one channel.
type Bus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// New constructs a bus on channel, defaulting to realtime.DefaultRefreshChannel.
func New(client redis.UniversalClient, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = realtime.DefaultRefreshChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, channel: channel, logger: logger}
}

// Name implements realtime.Source.
func (b *Bus) Name() string {
	return "redis:" + b.channel
}

// Subscribe implements realtime.Source. It returns once Redis confirmed the
// subscription.
func (b *Bus) Subscribe(ctx context.Context) (realtime.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", b.channel, err)
	}
	return &subscription{ps: ps, messages: ps.Channel(), logger: b.logger}, nil
}

// Publish implements realtime.Publisher.
func (b *Bus) Publish(ctx context.Context, ev realtime.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	raw, err := realtime.Encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redisbus: publish: %w", err)
	}
	return nil
}

// Broadcast implements realtime.Broadcaster.
func (b *Bus) Broadcast(ctx context.Context, ev realtime.Event) error {
	return b.Publish(ctx, ev)
}

type subscription struct {
	ps       *redis.PubSub
	messages <-chan *redis.Message
	logger   *slog.Logger
}

func (s *subscription) Next(ctx context.Context) (realtime.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return realtime.Event{}, ctx.Err()
		case msg, ok := <-s.messages:
			if !ok {
				return realtime.Event{}, realtime.ErrSubscriptionClosed
			}
			ev, err := realtime.Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("redisbus: dropping malformed event", slog.String("channel", msg.Channel), slog.Any("error", err))
				continue
			}
			return ev, nil
		}
	}
}

func (s *subscription) Close() error {
	return s.ps.Close()
}
