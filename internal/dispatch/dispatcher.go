// Package dispatch delivers messages to the broker and records the outcome of
// every attempt in the publish log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
	"github.com/roadhawk/hazard-broadcast-worker/internal/retry"
)

// Transport is the broker capability the dispatcher depends on. For QoS 1 and
// 2, Publish returns only after the transport-level acknowledgment (or its
// timeout); for QoS 0 it returns once the local hand-off succeeded.
type Transport interface {
	Publish(ctx context.Context, topic string, qos int, payload []byte) error
	Connected() bool
}

// LogStore persists publish-log state transitions. MarkPublished reports
// whether the row actually transitioned from pending, so a retried
// acknowledgment can never finalize the same logical publish twice.
type LogStore interface {
	InsertPublishLog(ctx context.Context, entry *db.MqttPublishLog) error
	MarkPublishLogPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) (bool, error)
	MarkPublishLogFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	IncrementPublishLogRetry(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// Dispatcher publishes messages with QoS and retry semantics. It is an
// explicitly constructed instance: tests inject fake transports and stores,
// and independent instances can coexist.
type Dispatcher struct {
	transport  Transport
	logs       LogStore
	topics     TopicScheme
	retryCfg   retry.Config
	enabled    bool
	defaultQoS int
	logger     *zap.Logger
}

// Options configures a Dispatcher.
type Options struct {
	Transport  Transport
	Logs       LogStore
	Topics     TopicScheme
	Retry      retry.Config
	Enabled    bool
	DefaultQoS int
	Logger     *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	return &Dispatcher{
		transport:  opts.Transport,
		logs:       opts.Logs,
		topics:     opts.Topics,
		retryCfg:   opts.Retry,
		enabled:    opts.Enabled,
		defaultQoS: opts.DefaultQoS,
		logger:     opts.Logger,
	}
}

// Topics exposes the scheme so callers build topics consistently.
func (d *Dispatcher) Topics() TopicScheme {
	return d.topics
}

// Enabled reports whether the transport is enabled by configuration.
func (d *Dispatcher) Enabled() bool {
	return d.enabled
}

// DefaultQoS is the QoS used when the caller has no stronger requirement.
func (d *Dispatcher) DefaultQoS() int {
	return d.defaultQoS
}

// Publish marshals payload and delivers it to topic, recording one publish-log
// row that moves pending -> published or pending -> failed. Transient failures
// are retried with exponential backoff, incrementing retry_count on that same
// row. With the transport disabled by configuration the call is a no-op
// success and no row is written. Exhausted retries leave the row failed and
// return the terminal error; callers log it, they do not treat it as fatal.
func (d *Dispatcher) Publish(ctx context.Context, topic string, payload any, qos int, detectionID *uuid.UUID) error {
	if !d.enabled {
		d.logger.Debug("transport disabled, skipping publish", zap.String("topic", topic))
		return nil
	}
	if qos < 0 || qos > 2 {
		return fmt.Errorf("invalid qos %d for topic %s", qos, topic)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	entry := &db.MqttPublishLog{
		ID:          uuid.New(),
		DetectionID: detectionID,
		Topic:       topic,
		Payload:     body,
		QoS:         qos,
		Status:      db.PublishStatusPending,
		CreatedAt:   time.Now(),
	}

	// The log is an audit trail; a failure to write it must not block the
	// broadcast itself.
	recorded := true
	if err := d.logs.InsertPublishLog(ctx, entry); err != nil {
		recorded = false
		d.logger.Warn("failed to insert publish log entry",
			zap.Error(err),
			zap.String("topic", topic))
	}

	attemptErr := retry.DoNotify(ctx, d.retryCfg,
		func() error {
			return d.transport.Publish(ctx, topic, qos, body)
		},
		func(attempt int, err error) {
			d.logger.Warn("publish attempt failed, will retry",
				zap.Error(err),
				zap.String("topic", topic),
				zap.Int("attempt", attempt))
			if recorded {
				if rerr := d.logs.IncrementPublishLogRetry(ctx, entry.ID, err.Error()); rerr != nil {
					d.logger.Warn("failed to record retry", zap.Error(rerr), zap.String("log_id", entry.ID.String()))
				}
			}
		})

	if attemptErr != nil {
		if recorded {
			if merr := d.logs.MarkPublishLogFailed(ctx, entry.ID, attemptErr.Error()); merr != nil {
				d.logger.Warn("failed to mark publish log failed", zap.Error(merr), zap.String("log_id", entry.ID.String()))
			}
		}
		d.logger.Error("publish failed permanently",
			zap.Error(attemptErr),
			zap.String("topic", topic),
			zap.Int("qos", qos))
		return attemptErr
	}

	if recorded {
		transitioned, merr := d.logs.MarkPublishLogPublished(ctx, entry.ID, time.Now())
		if merr != nil {
			d.logger.Warn("failed to mark publish log published", zap.Error(merr), zap.String("log_id", entry.ID.String()))
		} else if !transitioned {
			// A duplicate acknowledgment already finalized this row (QoS 2).
			d.logger.Debug("publish log already finalized", zap.String("log_id", entry.ID.String()))
		}
	}

	d.logger.Debug("published message",
		zap.String("topic", topic),
		zap.Int("qos", qos),
		zap.Int("payload_bytes", len(body)))

	return nil
}

// PublishStatus emits a worker status snapshot on the system status topic at
// QoS 0. Failures are logged upstream, never fatal.
func (d *Dispatcher) PublishStatus(ctx context.Context, status any) error {
	return d.Publish(ctx, d.topics.StatusTopic(), status, 0, nil)
}
