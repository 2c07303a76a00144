package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// PGListener bridges Postgres NOTIFY on one channel into a Feed. The payload
// of each notification is used as the topic.
type PGListener struct {
	pool      *pgxpool.Pool
	channel   string
	feed      *Feed
	logger    zerolog.Logger
	listening atomic.Bool
}

func NewPGListener(pool *pgxpool.Pool, channel string, feed *Feed, logger zerolog.Logger) *PGListener {
	return &PGListener{
		pool:    pool,
		channel: channel,
		feed:    feed,
		logger:  logger.With().Str("component", "changefeed").Str("channel", channel).Logger(),
	}
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff.
func (l *PGListener) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := l.listen(ctx)
		l.listening.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("listener disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.listening.Store(true)
	l.logger.Info().Msg("listening for changes")

	// Anything committed while we were disconnected went unnoticed.
	l.feed.PublishAll()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Payload == "" {
			continue
		}
		l.feed.Publish(n.Payload)
	}
}

// Healthy reports an error while the listener has no live LISTEN session.
func (l *PGListener) Healthy(_ context.Context) error {
	if !l.listening.Load() {
		return errors.New("change listener not connected")
	}
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
