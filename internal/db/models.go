package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Hazard types produced by the detection pipeline.
const (
	HazardPothole      = "pothole"
	HazardSpeedbump    = "speedbump"
	HazardPerson       = "person"
	HazardAnimal       = "animal"
	HazardDebris       = "debris"
	HazardConstruction = "construction"
)

// Zone types
const (
	ZoneTypeCity    = "city"
	ZoneTypeHighway = "highway"
	ZoneTypeCustom  = "custom"
)

// Subscription types
const (
	SubscriptionAll           = "all"
	SubscriptionSpecificTypes = "specific_types"
)

// DetectionSourceUserReport marks detections that originated as manual hazard
// reports rather than dashcam inference.
const DetectionSourceUserReport = "user_report"

// Publish log statuses
const (
	PublishStatusPending   = "pending"
	PublishStatusPublished = "published"
	PublishStatusFailed    = "failed"
)

// HazardDetection represents a stored detection event. Rows are written by the
// upstream vision pipeline; the worker upserts the row it was handed so that
// publish-log and broadcast references always have a target.
type HazardDetection struct {
	ID             uuid.UUID
	HazardType     string
	Latitude       float64
	Longitude      float64
	Confidence     float64
	DriverLane     bool
	DistanceMeters *float64
	BoundingBox    json.RawMessage
	DetectedAt     time.Time
	Source         string
}

// GeofenceZone represents a circular broadcast region in the database.
type GeofenceZone struct {
	ID           int64
	Name         string
	ZoneType     string
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	Active       bool
	Description  *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeviceSubscription represents a device's interest in hazards within a zone.
type DeviceSubscription struct {
	ID               int64
	DeviceID         string
	UserID           *string
	ZoneID           int64
	SubscriptionType string
	HazardTypes      []string
	Active           bool
	CreatedAt        time.Time
	LastSeen         time.Time
	Metadata         json.RawMessage
}

// MqttPublishLog represents one logical publish and its outcome. Retries
// mutate the same row: retry_count and error_message advance while status
// moves pending -> published or pending -> failed, never backwards.
type MqttPublishLog struct {
	ID           uuid.UUID
	DetectionID  *uuid.UUID
	Topic        string
	Payload      json.RawMessage
	QoS          int
	Status       string
	RetryCount   int
	ErrorMessage *string
	PublishedAt  *time.Time
	CreatedAt    time.Time
}

// GeofenceBroadcast summarizes one (detection, zone) announcement.
type GeofenceBroadcast struct {
	ID              uuid.UUID
	DetectionID     *uuid.UUID
	ZoneID          int64
	Topic           string
	DevicesNotified int
	Payload         json.RawMessage
	BroadcastedAt   time.Time
}

// AnalyticsCacheEntry is a TTL'd computed result. Any component may write one;
// the reaper deletes expired rows.
type AnalyticsCacheEntry struct {
	Key       string
	Value     json.RawMessage
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PublishLogCounts aggregates publish log rows by status for the status surface.
type PublishLogCounts struct {
	Pending   int64
	Published int64
	Failed    int64
}
