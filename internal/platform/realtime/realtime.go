// Package realtime relays websocket events between server instances through
// Postgres LISTEN/NOTIFY so every instance's clients see every write.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/resqlink/resqlink/internal/platform/websocket"
)

// Channel is the Postgres notification channel for emergency events.
const Channel = "emergency_events"

// maxPayload stays under the 8000 byte NOTIFY limit.
const maxPayload = 7900

// Broadcaster is the local fan-out target, normally *websocket.Hub.
type Broadcaster interface {
	Broadcast(topic string, event websocket.Event)
}

// NotifyPublisher publishes events with pg_notify.
type NotifyPublisher struct {
	pool *pgxpool.Pool
}

func NewNotifyPublisher(pool *pgxpool.Pool) *NotifyPublisher {
	return &NotifyPublisher{pool: pool}
}

func (p *NotifyPublisher) Publish(ctx context.Context, event websocket.Event) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// encode marshals event, dropping Data when the result would not fit in a
// notification. Receivers refetch the record by id in that case.
func encode(event websocket.Event) (string, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if len(b) <= maxPayload {
		return string(b), nil
	}
	event.Data = nil
	b, err = json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	if len(b) > maxPayload {
		return "", fmt.Errorf("event for topic %s exceeds notification size", event.Topic)
	}
	return string(b), nil
}

// NopPublisher discards events. It is used when realtime is disabled and
// clients rely on polling.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, websocket.Event) error { return nil }

// Listener receives notifications on Channel and rebroadcasts them locally.
type Listener struct {
	pool    *pgxpool.Pool
	target  Broadcaster
	logger  zerolog.Logger
	backoff time.Duration
}

func NewListener(pool *pgxpool.Pool, target Broadcaster, logger zerolog.Logger) *Listener {
	return &Listener{pool: pool, target: target, logger: logger, backoff: 2 * time.Second}
}

// Start listens until ctx is cancelled, reconnecting after failures.
func (l *Listener) Start(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn().Err(err).Dur("backoff", l.backoff).Msg("realtime listener disconnected, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen %s: %w", Channel, err)
	}
	l.logger.Info().Str("channel", Channel).Msg("realtime listener started")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(n.Payload)
	}
}

func (l *Listener) handle(payload string) {
	var event websocket.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		l.logger.Warn().Err(err).Msg("realtime: discarding malformed notification")
		return
	}
	if event.Topic == "" {
		return
	}
	l.target.Broadcast(event.Topic, event)
}
