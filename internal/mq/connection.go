// Package mq is the ingest side of the worker: the AMQP connection and the
// detection-event consumer.
package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps the AMQP connection shared by the worker's channels.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials RabbitMQ and registers the close on shutdown.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq dial failed", zap.Error(err))
		return nil, fmt.Errorf("cannot connect to RabbitMQ, check RABBITMQ_URL, broker availability and credentials: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return &Connection{conn: conn}, nil
}

// Channel opens a new channel on the shared connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
