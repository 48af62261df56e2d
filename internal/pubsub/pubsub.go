// Package pubsub is the fan-out substrate between the conversation service
// and connected clients. Delivery is at-least-once with no ordering
// guarantee across topics; receivers must apply events idempotently.
package pubsub

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one published item on a topic.
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler receives events. Handlers must not block.
type Handler func(Event)

// Subscription detaches a handler. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Topic is a named broadcast channel.
type Topic interface {
	Name() string
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(h Handler) (Subscription, error)
}

// Broker hands out topics by name.
type Broker interface {
	Topic(name string) Topic
	Close() error
}

// NewEvent builds an event with a fresh ULID.
func NewEvent(topic, name string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	now := time.Now().UTC()
	return Event{
		ID:          ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Topic:       topic,
		Name:        name,
		Payload:     body,
		PublishedAt: now,
	}, nil
}
