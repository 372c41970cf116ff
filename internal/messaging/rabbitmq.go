// Package messaging is the RabbitMQ transport shared by event ingest and the outbox relay.
// Both sides use one durable topic exchange and reconnect after the broker drops them.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nekogravitycat/booking-engine/internal/outbox"
)

const retryDelay = 2 * time.Second

// session is one connection and channel with its topology declared.
type session struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dial(url string, declare func(ch *amqp.Channel) error) (*session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &session{conn: conn, ch: ch}, nil
}

func (s *session) close() error {
	if s == nil {
		return nil
	}
	_ = s.ch.Close()
	return s.conn.Close()
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// Consumer reads from a durable queue bound to routing keys on the exchange.
type Consumer struct {
	url      string
	exchange string
	queue    string
	keys     []string
	prefetch int

	mu   sync.Mutex
	sess *session
}

// NewConsumer connects and declares the topology. A broker that is down at startup
// is an error; later drops are recovered by Deliveries.
func NewConsumer(url, exchange, queue string, keys []string, prefetch int) (*Consumer, error) {
	c := &Consumer{url: url, exchange: exchange, queue: queue, keys: keys, prefetch: prefetch}
	sess, err := dial(url, c.declare)
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return c, nil
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := declareExchange(ch, c.exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, rk := range c.keys {
		if err := ch.QueueBind(c.queue, rk, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", rk, err)
		}
	}
	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context, tag string, redial bool) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if redial {
		_ = c.sess.close()
		c.sess = nil
		sess, err := dial(c.url, c.declare)
		if err != nil {
			return nil, err
		}
		c.sess = sess
	}
	if c.sess == nil {
		return nil, errors.New("consumer is closed")
	}
	return c.sess.ch.ConsumeWithContext(ctx, c.queue, tag, false, false, false, false, nil)
}

// Deliveries starts consuming with manual acks. When the broker closes the channel the
// consumer reconnects, re-declares the topology and resumes on the same returned
// channel, which closes only when ctx is done.
func (c *Consumer) Deliveries(ctx context.Context, tag string) (<-chan amqp.Delivery, error) {
	first, err := c.consume(ctx, tag, false)
	if err != nil {
		return nil, err
	}

	out := make(chan amqp.Delivery)
	go pump(ctx, first, out, func(ctx context.Context) (<-chan amqp.Delivery, error) {
		return c.consume(ctx, tag, true)
	}, retryDelay)
	return out, nil
}

// pump forwards deliveries from in to out. Each time in closes, reopen is retried every
// delay until it yields a new source. out is closed once ctx is done.
func pump(ctx context.Context, in <-chan amqp.Delivery, out chan<- amqp.Delivery, reopen func(context.Context) (<-chan amqp.Delivery, error), delay time.Duration) {
	defer close(out)

	for {
		for open := true; open; {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in:
				if !ok {
					open = false
					break
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}

		log.Println("[messaging] delivery channel closed, reconnecting")
		for {
			next, err := reopen(ctx)
			if err == nil {
				log.Println("[messaging] consumer reconnected")
				in = next
				break
			}
			log.Printf("[messaging] reconnect failed, retrying in %s: %v", delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sess.close()
	c.sess = nil
	return err
}

// Publisher sends persistent messages to the exchange and waits for broker confirms.
type Publisher struct {
	url      string
	exchange string

	mu   sync.Mutex // amqp channels are not safe for concurrent publishing
	sess *session
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange}
	sess, err := dial(url, p.declare)
	if err != nil {
		return nil, err
	}
	p.sess = sess
	return p, nil
}

func (p *Publisher) declare(ch *amqp.Channel) error {
	if err := declareExchange(ch, p.exchange); err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	return nil
}

// channel returns a live channel, redialing when the previous one was closed.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.sess != nil && !p.sess.ch.IsClosed() {
		return p.sess.ch, nil
	}
	if p.sess != nil {
		log.Println("[messaging] publisher channel closed, reconnecting")
		_ = p.sess.close()
		p.sess = nil
	}
	sess, err := dial(p.url, p.declare)
	if err != nil {
		return nil, err
	}
	p.sess = sess
	return sess.ch, nil
}

// Publish sends an outbox event with its topic as routing key and its ID as message ID,
// so consumers can drop redeliveries. It returns nil only after the broker acked it.
func (p *Publisher) Publish(ctx context.Context, e outbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", e.Topic, e.ID, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, e.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Type:         e.Topic,
		Body:         e.Payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", e.Topic, e.ID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s %s: %w", e.Topic, e.ID, err)
	}
	if !acked {
		return fmt.Errorf("publish %s %s: broker nacked", e.Topic, e.ID)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.sess.close()
	p.sess = nil
	return err
}
