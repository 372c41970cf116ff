package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func source(tags ...uint64) <-chan amqp.Delivery {
	ch := make(chan amqp.Delivery, len(tags))
	for _, tag := range tags {
		ch <- amqp.Delivery{DeliveryTag: tag}
	}
	close(ch)
	return ch
}

func receive(t *testing.T, out <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-out:
		require.True(t, ok, "output closed early")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return amqp.Delivery{}
	}
}

func TestPumpReconnectsAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls int
	)
	// The second source stays open so the pump parks on it.
	live := make(chan amqp.Delivery, 1)
	live <- amqp.Delivery{DeliveryTag: 2}
	reopen := func(context.Context) (<-chan amqp.Delivery, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		return live, nil
	}

	out := make(chan amqp.Delivery)
	go pump(ctx, source(1), out, reopen, time.Millisecond)

	assert.Equal(t, uint64(1), receive(t, out).DeliveryTag)
	assert.Equal(t, uint64(2), receive(t, out).DeliveryTag)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()

	cancel()
	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed after cancel")
	}
}

func TestPumpClosesOutput(t *testing.T) {
	t.Run("cancelled while reconnecting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		reopen := func(context.Context) (<-chan amqp.Delivery, error) {
			cancel()
			return nil, errors.New("broker down")
		}

		out := make(chan amqp.Delivery)
		done := make(chan struct{})
		go func() {
			pump(ctx, source(), out, reopen, time.Hour)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pump did not return")
		}
		_, ok := <-out
		assert.False(t, ok)
	})

	t.Run("cancelled while blocked on output", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		out := make(chan amqp.Delivery)
		done := make(chan struct{})
		go func() {
			pump(ctx, source(1, 2), out, nil, time.Millisecond)
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pump did not return")
		}
	})
}
