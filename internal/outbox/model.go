// Package outbox stores domain events in the same transaction as the state change
// that produced them and relays them to the message broker after commit.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one durable domain event. ID is stable across redeliveries.
type Event struct {
	ID          string
	Topic       string
	AggregateID string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// New builds an event with a fresh ID and payload marshalled as JSON.
func New(topic, aggregateID string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload failed: %w", topic, err)
	}
	return Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     body,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Publisher delivers an event downstream.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Store holds pending events.
type Store interface {
	// Drain passes up to limit unpublished events, oldest first, to publish and marks
	// the ones it accepted as published. It stops at the first publish error and
	// returns the number marked along with that error.
	Drain(ctx context.Context, limit int, publish func(ctx context.Context, e Event) error) (int, error)
}
