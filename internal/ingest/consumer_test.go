package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/pkg/apperror"
)

type ackCall struct {
	tag     uint64
	action  string
	requeue bool
}

type fakeAcknowledger struct {
	calls []ackCall
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.calls = append(f.calls, ackCall{tag: tag, action: "ack"})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.calls = append(f.calls, ackCall{tag: tag, action: "nack", requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.calls = append(f.calls, ackCall{tag: tag, action: "reject", requeue: requeue})
	return nil
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Ack, Classify(nil))
	assert.Equal(t, Drop, Classify(malformed("bad")))
	assert.Equal(t, Drop, Classify(booking.ErrNotFound))
	assert.Equal(t, Drop, Classify(apperror.New(apperror.KindValidation, "nope")))
	assert.Equal(t, Retry, Classify(errors.New("timeout")))
	assert.Equal(t, Retry, Classify(context.DeadlineExceeded))
}

func TestConsumerRun(t *testing.T) {
	h, _, confirmer := newTestHandler()
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 3)

	deliveries <- amqp.Delivery{
		Acknowledger: ack, DeliveryTag: 1, RoutingKey: KeyServiceCreated,
		Body: []byte(`{"businessId":"b","serviceId":"s","serviceDetails":{"durationMinutes":30}}`),
	}
	deliveries <- amqp.Delivery{
		Acknowledger: ack, DeliveryTag: 2, RoutingKey: KeyServiceCreated,
		Body: []byte(`not json`),
	}
	deliveries <- amqp.Delivery{
		Acknowledger: ack, DeliveryTag: 3, RoutingKey: KeyPaymentConfirmed,
		Body: []byte(`{"paymentIntentId":"pi_1"}`),
	}
	close(deliveries)
	confirmer.err = errors.New("database unavailable")

	NewConsumer(h, time.Second).Run(context.Background(), deliveries)

	require.Len(t, ack.calls, 3)
	assert.Equal(t, ackCall{tag: 1, action: "ack"}, ack.calls[0])
	assert.Equal(t, ackCall{tag: 2, action: "reject", requeue: false}, ack.calls[1])
	assert.Equal(t, ackCall{tag: 3, action: "nack", requeue: true}, ack.calls[2])
}

func TestConsumerStopsOnCancel(t *testing.T) {
	h, _, _ := newTestHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		NewConsumer(h, time.Second).Run(ctx, make(chan amqp.Delivery))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}
