package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nekogravitycat/booking-engine/internal/pkg/apperror"
)

// Outcome is what the transport should do with a delivery.
type Outcome int

const (
	// Ack removes an applied message.
	Ack Outcome = iota
	// Drop rejects a message that can never be applied, without requeue.
	Drop
	// Retry requeues a message after a transient failure.
	Retry
)

// Classify maps an Apply error to an outcome. Malformed payloads and domain rejections
// such as a confirmation for a cancelled booking are dropped. Everything else is
// treated as transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrMalformed):
		return Drop
	case apperror.KindOf(err) != apperror.KindInternal:
		return Drop
	}
	return Retry
}

// Consumer feeds deliveries to a handler, applying each under its own deadline.
type Consumer struct {
	handler *Handler
	timeout time.Duration
}

func NewConsumer(handler *Handler, timeout time.Duration) *Consumer {
	return &Consumer{handler: handler, timeout: timeout}
}

// Run processes deliveries until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Println("[ingest] delivery channel closed")
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	applyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.handler.Apply(applyCtx, Message{RoutingKey: d.RoutingKey, Body: d.Body})
	cancel()

	switch Classify(err) {
	case Ack:
		if err := d.Ack(false); err != nil {
			log.Printf("[ingest] ack key=%s id=%s failed: %v", d.RoutingKey, d.MessageId, err)
		}
	case Drop:
		log.Printf("[ingest] drop key=%s id=%s: %v", d.RoutingKey, d.MessageId, err)
		if err := d.Reject(false); err != nil {
			log.Printf("[ingest] reject key=%s id=%s failed: %v", d.RoutingKey, d.MessageId, err)
		}
	case Retry:
		log.Printf("[ingest] apply key=%s id=%s failed, requeue: %v", d.RoutingKey, d.MessageId, err)
		if err := d.Nack(false, true); err != nil {
			log.Printf("[ingest] nack key=%s id=%s failed: %v", d.RoutingKey, d.MessageId, err)
		}
	}
}
