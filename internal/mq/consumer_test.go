package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) ackedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

func (a *fakeAcker) nackedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.nacked...)
}

func TestConsumerProcessesDeliveriesConcurrently(t *testing.T) {
	started := make(chan uint64, 2)
	release := make(chan struct{})

	c := &Consumer{
		logger: zap.NewNop(),
		handler: func(ctx context.Context, body []byte) error {
			started <- 1
			<-release
			return nil
		},
	}

	acker := &fakeAcker{}
	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("first")}
	deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("second")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.consume(ctx, deliveries)

	// Both handlers must be running before either finishes; if deliveries
	// were processed one at a time the second start would never arrive
	// while the first handler is still blocked.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never started while an earlier one was in flight", i+1)
		}
	}

	close(release)
	cancel()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := len(acker.ackedTags()); got != 2 {
		t.Errorf("acked %d deliveries, want 2", got)
	}
}

func TestConsumerDrainsInFlightOnClose(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	c := &Consumer{
		logger: zap.NewNop(),
		handler: func(ctx context.Context, body []byte) error {
			close(entered)
			<-release
			return nil
		},
	}

	acker := &fakeAcker{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 7}

	ctx, cancel := context.WithCancel(context.Background())
	go c.consume(ctx, deliveries)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a delivery was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned after the in-flight delivery finished")
	}

	if got := len(acker.ackedTags()); got != 1 {
		t.Errorf("acked %d deliveries, want 1", got)
	}
}

func TestConsumerDeadLettersFailedDeliveries(t *testing.T) {
	c := &Consumer{
		logger: zap.NewNop(),
		handler: func(ctx context.Context, body []byte) error {
			return errors.New("unparseable event")
		},
	}

	acker := &fakeAcker{}
	c.handle(context.Background(), amqp.Delivery{Acknowledger: acker, DeliveryTag: 3})

	if got := acker.nackedTags(); len(got) != 1 || got[0] != 3 {
		t.Errorf("nacked tags = %v, want [3]", got)
	}
	if got := len(acker.ackedTags()); got != 0 {
		t.Errorf("acked %d deliveries, want 0", got)
	}
}
