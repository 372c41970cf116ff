package outbox

import (
	"context"
	"log"
	"time"
)

// Relay moves committed events from the store to the publisher.
type Relay struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	batchSize int
}

func NewRelay(store Store, publisher Publisher, interval time.Duration, batchSize int) *Relay {
	return &Relay{store: store, publisher: publisher, interval: interval, batchSize: batchSize}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[outbox] relay started, polling every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[outbox] relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[outbox] flush failed: %v", err)
			}
		}
	}
}

// Flush drains full batches until the store is empty or an error occurs.
// Unpublished events stay in the store and are retried on the next flush.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.store.Drain(ctx, r.batchSize, r.publisher.Publish)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batchSize {
			return total, nil
		}
	}
}

// LogPublisher writes events to the log. It stands in when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	log.Printf("[outbox] %s %s %s", e.Topic, e.ID, e.Payload)
	return nil
}
