package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/permissions/internal/realtime"
)

// ChangeChannel is the NOTIFY channel written by the row triggers.
const ChangeChannel = "rbac_changes"

// Listener is a realtime.Source that LISTENs on a dedicated pooled connection.
type Listener struct {
	pool     *pgxpool.Pool
	channels []string
	logger   *slog.Logger
}

// NewListener listens on channels, defaulting to ChangeChannel.
func NewListener(pool *pgxpool.Pool, logger *slog.Logger, channels ...string) *Listener {
	if len(channels) == 0 {
		channels = []string{ChangeChannel}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{pool: pool, channels: channels, logger: logger}
}

// Name implements realtime.Source.
func (l *Listener) Name() string {
	return "postgres:" + strings.Join(l.channels, ",")
}

// Subscribe implements realtime.Source.
func (l *Listener) Subscribe(ctx context.Context) (realtime.Subscription, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("rbac/postgres: acquire listen conn: %w", err)
	}
	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			conn.Release()
			return nil, fmt.Errorf("rbac/postgres: listen %s: %w", ch, err)
		}
	}
	return &listenSubscription{conn: conn, logger: l.logger}, nil
}

type listenSubscription struct {
	conn   *pgxpool.Conn
	logger *slog.Logger
}

func (s *listenSubscription) Next(ctx context.Context) (realtime.Event, error) {
	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return realtime.Event{}, err
		}
		ev, err := realtime.Decode([]byte(n.Payload))
		if err != nil {
			s.logger.Warn("rbac/postgres: dropping malformed notification", slog.String("channel", n.Channel), slog.Any("error", err))
			continue
		}
		return ev, nil
	}
}

func (s *listenSubscription) Close() error {
	if s.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.conn.Conn().IsClosed() {
		_, _ = s.conn.Exec(ctx, "UNLISTEN *")
	}
	s.conn.Release()
	s.conn = nil
	return nil
}

// Broadcaster sends refresh signals through pg_notify so every instance
// listening on channel receives them.
type Broadcaster struct {
	pool    *pgxpool.Pool
	channel string
}

// NewBroadcaster constructs a broadcaster on channel.
func NewBroadcaster(pool *pgxpool.Pool, channel string) *Broadcaster {
	if channel == "" {
		channel = realtime.DefaultRefreshChannel
	}
	return &Broadcaster{pool: pool, channel: channel}
}

// Broadcast implements realtime.Broadcaster.
func (b *Broadcaster) Broadcast(ctx context.Context, ev realtime.Event) error {
	raw, err := realtime.Encode(ev)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(raw)); err != nil {
		return fmt.Errorf("rbac/postgres: broadcast: %w", err)
	}
	return nil
}
