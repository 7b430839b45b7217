// Package mqtt wraps the paho client behind the transport capability the
// dispatcher depends on.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/config"
)

// ErrDisabled is returned when a publish reaches a client that was
// constructed with the transport disabled by configuration.
var ErrDisabled = errors.New("mqtt transport disabled by configuration")

// Client connects to the broker and publishes with QoS-aware acknowledgment
// waits: QoS 0 returns on local hand-off, QoS 1 and 2 wait for the ack.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger *zap.Logger

	mu         sync.RWMutex
	subscribed []string
}

// NewClient creates the client and registers connect/disconnect with the fx
// lifecycle. With the transport disabled no connection is attempted and the
// client only serves status queries.
func NewClient(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	c := &Client{cfg: cfg.MQTT, logger: logger}

	if !cfg.MQTT.Enabled {
		logger.Info("mqtt transport disabled by configuration")
		return c, nil
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.MQTT.BrokerURL()).
		SetClientID(cfg.MQTT.ClientID).
		SetKeepAlive(time.Duration(cfg.MQTT.KeepAliveSeconds) * time.Second).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	if cfg.MQTT.Username != "" {
		opts = opts.SetUsername(cfg.MQTT.Username).SetPassword(cfg.MQTT.Password)
	}
	opts = opts.SetOnConnectHandler(func(pahomqtt.Client) {
		logger.Info("mqtt connection established",
			zap.String("broker", cfg.MQTT.BrokerURL()),
			zap.String("client_id", cfg.MQTT.ClientID))
	})
	opts = opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	c.client = pahomqtt.NewClient(opts)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to mqtt broker...",
				zap.String("broker", cfg.MQTT.BrokerURL()))
			token := c.client.Connect()
			if err := waitToken(ctx, token, c.cfg.AckTimeout); err != nil {
				return fmt.Errorf("[MQTT CONNECTION FAILED] cannot connect to broker %s: %w", cfg.MQTT.BrokerURL(), err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.client.Disconnect(250)
			logger.Info("mqtt connection closed")
			return nil
		},
	})

	return c, nil
}

// Publish delivers payload to topic honoring the QoS level's ack contract.
func (c *Client) Publish(ctx context.Context, topic string, qos int, payload []byte) error {
	if c.client == nil {
		return ErrDisabled
	}

	token := c.client.Publish(topic, byte(qos), false, payload)

	if qos == 0 {
		// Fire-and-forget: local hand-off only, no ack awaited.
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt hand-off failed for %s: %w", topic, err)
		}
		return nil
	}

	if err := waitToken(ctx, token, c.cfg.AckTimeout); err != nil {
		return fmt.Errorf("mqtt publish to %s not acknowledged: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler and records the topic for the status surface.
func (c *Client) Subscribe(ctx context.Context, topic string, qos int, handler func(topic string, payload []byte)) error {
	if c.client == nil {
		return ErrDisabled
	}

	token := c.client.Subscribe(topic, byte(qos), func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := waitToken(ctx, token, c.cfg.AckTimeout); err != nil {
		return fmt.Errorf("mqtt subscribe to %s failed: %w", topic, err)
	}

	c.mu.Lock()
	c.subscribed = append(c.subscribed, topic)
	c.mu.Unlock()
	return nil
}

// Connected reports broker connectivity.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Status is the transport snapshot exposed on the status surface.
type Status struct {
	Enabled          bool     `json:"enabled"`
	Connected        bool     `json:"connected"`
	Broker           string   `json:"broker"`
	ClientID         string   `json:"client_id"`
	SubscribedTopics []string `json:"subscribed_topics"`
	QoS              int      `json:"qos"`
}

// Status returns the current transport state.
func (c *Client) Status() Status {
	c.mu.RLock()
	topics := make([]string, len(c.subscribed))
	copy(topics, c.subscribed)
	c.mu.RUnlock()

	return Status{
		Enabled:          c.cfg.Enabled,
		Connected:        c.Connected(),
		Broker:           c.cfg.BrokerURL(),
		ClientID:         c.cfg.ClientID,
		SubscribedTopics: topics,
		QoS:              c.cfg.DefaultQoS,
	}
}

func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-token.Done():
		return token.Error()
	}
}
