package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fateforge/internal/subscriber"
)

var channelNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Listener is a subscriber.Channel fed by PostgreSQL LISTEN/NOTIFY. It
// holds a dedicated connection while subscribed and re-acquires one from
// the pool after a broken connection, so a dropped session does not end
// the subscription.
type Listener struct {
	pool    *pgxpool.Pool
	channel string

	mu   sync.Mutex
	conn *pgxpool.Conn
}

var _ subscriber.Channel = (*Listener)(nil)

// Listen acquires a connection from the client's pool and subscribes it to
// the notification channel.
func (c *Client) Listen(ctx context.Context, channel string) (*Listener, error) {
	if !channelNamePattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notification channel name %q", channel)
	}
	l := &Listener{pool: c.pool, channel: channel}
	if _, err := l.acquire(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// acquire returns the current subscribed connection, establishing one if
// none is held.
func (l *Listener) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listening on %s: %w", l.channel, err)
	}
	l.conn = conn
	return conn, nil
}

// drop releases a connection that failed, so the next Receive starts over
// with a fresh one.
func (l *Listener) drop(conn *pgxpool.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.conn = nil
	}
	conn.Release()
}

func (l *Listener) Receive(ctx context.Context) (subscriber.Message, error) {
	for {
		conn, err := l.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return subscriber.Message{}, ctx.Err()
			}
			return subscriber.Message{}, err
		}
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return subscriber.Message{}, ctx.Err()
			}
			l.drop(conn)
			return subscriber.Message{}, fmt.Errorf("waiting for notification: %w", err)
		}
		var msg subscriber.Message
		if err := json.Unmarshal([]byte(notification.Payload), &msg); err != nil {
			// A bad payload must not kill the subscription.
			log.Printf("discarding malformed notification on %s: %v", l.channel, err)
			continue
		}
		return msg, nil
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Release()
		l.conn = nil
	}
	return nil
}

// Notifier publishes change notifications through pg_notify, fanning them
// out to every listening engine.
type Notifier struct {
	pool    *pgxpool.Pool
	channel string
}

func (c *Client) Notifier(channel string) (*Notifier, error) {
	if !channelNamePattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notification channel name %q", channel)
	}
	return &Notifier{pool: c.pool, channel: channel}, nil
}

// Publish is fire-and-forget: delivery failures are logged, and listeners
// recover via their cache TTL.
func (n *Notifier) Publish(msg subscriber.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("encoding notification: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", n.channel, string(payload)); err != nil {
		log.Printf("publishing notification on %s: %v", n.channel, err)
	}
}
