// Package subscriber consumes change notifications and translates them
// into cache invalidations. Handlers are idempotent, so any channel with
// at-least-once delivery is a valid source.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fateforge/internal/metrics"
	"fateforge/internal/store"
)

// Message types carried on a notification channel.
const (
	TypeDefinitionChanged = "definition_changed"
	TypeEntityChanged     = "entity_changed"
)

// Message is one change notification. DefinitionChanged carries the node
// key of the changed definition (empty means the whole partition);
// EntityChanged carries the scope whose fields changed.
type Message struct {
	Type      string        `json:"type"`
	Partition string        `json:"partition"`
	Branch    string        `json:"branch,omitempty"`
	NodeKey   store.NodeKey `json:"node_key,omitempty"`
	Scope     store.Scope   `json:"scope,omitempty"`
}

func (m Message) validate() error {
	if m.Partition == "" {
		return fmt.Errorf("message missing partition")
	}
	switch m.Type {
	case TypeDefinitionChanged:
		return nil
	case TypeEntityChanged:
		return m.Scope.Validate()
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// ErrClosed is returned by Receive once a channel is drained and closed.
var ErrClosed = errors.New("notification channel closed")

// Channel is a source of change notifications.
type Channel interface {
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Invalidator is the slice of the engine the subscriber drives.
type Invalidator interface {
	Invalidate(ctx context.Context, partition, branch string, changed store.NodeKey) error
	InvalidateScope(partition, branch string, scope store.Scope)
}

const maxRetryDelay = 30 * time.Second

type Subscriber struct {
	ch         Channel
	inv        Invalidator
	retryDelay time.Duration
}

func New(ch Channel, inv Invalidator) *Subscriber {
	return &Subscriber{ch: ch, inv: inv, retryDelay: time.Second}
}

// Run consumes messages until the context is cancelled or the channel
// closes. A failed or malformed message is counted and logged; the loop
// keeps going. Transient receive errors are retried with an exponential
// backoff that resets after a successful receive.
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.retryDelay
	for {
		msg, err := s.ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			metrics.InvalidationMessages.WithLabelValues("receive", "error").Inc()
			log.Printf("receiving notification (retrying in %s): %v", delay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			continue
		}
		delay = s.retryDelay
		s.handle(ctx, msg)
	}
}

func (s *Subscriber) handle(ctx context.Context, msg Message) {
	if err := msg.validate(); err != nil {
		metrics.InvalidationMessages.WithLabelValues(msg.Type, "skipped").Inc()
		log.Printf("skipping notification: %v", err)
		return
	}
	switch msg.Type {
	case TypeDefinitionChanged:
		if err := s.inv.Invalidate(ctx, msg.Partition, msg.Branch, msg.NodeKey); err != nil {
			metrics.InvalidationMessages.WithLabelValues(msg.Type, "error").Inc()
			log.Printf("invalidating %s in %s: %v", msg.NodeKey, msg.Partition, err)
			return
		}
	case TypeEntityChanged:
		s.inv.InvalidateScope(msg.Partition, msg.Branch, msg.Scope)
	}
	metrics.InvalidationMessages.WithLabelValues(msg.Type, "applied").Inc()
}
