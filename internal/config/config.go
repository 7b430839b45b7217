package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
	Dedup       DedupConfig
	Geofence    GeofenceConfig
	Retry       RetryConfig
	Analytics   AnalyticsConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds the ingest queue settings for detection events
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// MQTTConfig holds the outbound broker settings
type MQTTConfig struct {
	Enabled          bool
	Host             string
	Port             int
	Username         string
	Password         string
	ClientID         string
	KeepAliveSeconds int
	DefaultQoS       int
	TopicNamespace   string
	PerDevicePublish bool
	AckTimeout       time.Duration
	StatusInterval   time.Duration
}

// BrokerURL returns the tcp address paho expects.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// DedupConfig controls fingerprinting and the suppression window
type DedupConfig struct {
	TTL               time.Duration
	LocationPrecision int
	TimeBucket        time.Duration
}

// GeofenceConfig holds zone defaults
type GeofenceConfig struct {
	DefaultRadiusMeters float64
}

// RetryConfig controls publish retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// AnalyticsConfig controls the cache reaper and cached zone activity
type AnalyticsConfig struct {
	ReaperSchedule string
	ActivityTTL    time.Duration
	ActivityLimit  int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "hazard-broadcast-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "road-hazards.detections.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "road-hazards.detections.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "hazard.detection.stored"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "road-hazards.detections.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		MQTT: MQTTConfig{
			Enabled:          getEnvAsBool("MQTT_ENABLED", true),
			Host:             getEnv("MQTT_HOST", "localhost"),
			Port:             getEnvAsInt("MQTT_PORT", 1883),
			Username:         getEnv("MQTT_USERNAME", ""),
			Password:         getEnv("MQTT_PASSWORD", ""),
			ClientID:         getEnv("MQTT_CLIENT_ID", "hazard-broadcast-worker"),
			KeepAliveSeconds: getEnvAsInt("MQTT_KEEPALIVE_SECONDS", 60),
			DefaultQoS:       getEnvAsInt("MQTT_DEFAULT_QOS", 1),
			TopicNamespace:   getEnv("MQTT_TOPIC_NAMESPACE", "roadhawk"),
			PerDevicePublish: getEnvAsBool("MQTT_PER_DEVICE_PUBLISH", true),
			AckTimeout:       getEnvAsDuration("MQTT_ACK_TIMEOUT", 5*time.Second),
			StatusInterval:   getEnvAsDuration("MQTT_STATUS_INTERVAL", 60*time.Second),
		},
		Dedup: DedupConfig{
			TTL:               getEnvAsDuration("DEDUP_TTL", 1800*time.Second),
			LocationPrecision: getEnvAsInt("DEDUP_LOCATION_PRECISION", 4),
			TimeBucket:        getEnvAsDuration("DEDUP_TIME_BUCKET", 600*time.Second),
		},
		Geofence: GeofenceConfig{
			DefaultRadiusMeters: getEnvAsFloat("GEOFENCE_DEFAULT_RADIUS_METERS", 5000),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvAsInt("PUBLISH_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvAsDuration("PUBLISH_RETRY_INITIAL_DELAY", 1*time.Second),
			MaxDelay:     getEnvAsDuration("PUBLISH_RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:   getEnvAsFloat("PUBLISH_RETRY_MULTIPLIER", 2.0),
		},
		Analytics: AnalyticsConfig{
			ReaperSchedule: getEnv("ANALYTICS_REAPER_SCHEDULE", "@every 1m"),
			ActivityTTL:    getEnvAsDuration("ANALYTICS_ACTIVITY_TTL", 120*time.Second),
			ActivityLimit:  getEnvAsInt("ANALYTICS_ACTIVITY_LIMIT", 50),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.MQTT.DefaultQoS < 0 || cfg.MQTT.DefaultQoS > 2 {
		return nil, fmt.Errorf("MQTT_DEFAULT_QOS must be 0, 1 or 2, got %d", cfg.MQTT.DefaultQoS)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
