package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one message body. A non-nil error sends the message to
// the dead-letter queue; it is never redelivered to the main queue.
type Handler func(ctx context.Context, body []byte) error

// Consumer reads detection events off the ingest queue with manual acks and
// prefetch-limited delivery. Each delivery runs in its own goroutine so a
// slow publish retry on one event never blocks the events behind it; the
// prefetch count bounds how many run at once.
type Consumer struct {
	channel  *amqp.Channel
	queue    string
	prefetch int
	handler  Handler
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// ConsumerConfig holds the ingest topology and the handler.
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       Handler
}

// NewConsumer opens a channel and declares the ingest topology: topic
// exchange, durable queue dead-lettering into the DLQ, and the binding.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:  ch,
		queue:    cfg.Queue,
		prefetch: cfg.PrefetchCount,
		handler:  cfg.Handler,
		logger:   cfg.Logger,
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	dlxArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, dlxArgs); err != nil {
		// A pre-existing queue with different arguments fails the declare;
		// fall back to redeclaring it as-is so the worker can still start.
		cfg.Logger.Warn("queue declare with dead-lettering failed, redeclaring without",
			zap.String("queue", cfg.Queue),
			zap.Error(err))
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", cfg.DLQQueue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", cfg.Queue, cfg.Exchange, err)
	}

	return nil
}

// Start begins consuming. Delivery stops when ctx is cancelled or the channel
// closes underneath us.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %s: %w", c.queue, err)
	}

	c.logger.Info("detection consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetch))

	go c.consume(ctx, deliveries)

	return nil
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, draining in-flight events")
			return
		case msg, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed")
				return
			}
			c.inflight.Add(1)
			go func(msg amqp.Delivery) {
				defer c.inflight.Done()
				c.handle(ctx, msg)
			}(msg)
		}
	}
}

// handle runs one delivery through the handler: ack on success, nack without
// requeue (dead-letter) on failure.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("detection event processing failed, dead-lettering",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
			zap.Int("body_size", len(msg.Body)))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", zap.Error(ackErr))
	}
}

// Close waits for in-flight deliveries to finish, then closes the channel.
func (c *Consumer) Close() error {
	c.inflight.Wait()
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
