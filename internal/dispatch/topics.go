package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message type discriminators carried in the "type" field.
const (
	MessageTypeDetection = "hazard_detection"
	MessageTypeAlert     = "hazard_alert"
	MessageTypeReport    = "hazard_report"
)

// TopicScheme builds broker topics under a fixed namespace.
type TopicScheme struct {
	Namespace string
}

// DetectionTopic is the firehose topic for raw detections.
func (t TopicScheme) DetectionTopic(hazardType string, lat, lng float64) string {
	return fmt.Sprintf("%s/detections/%s/%s/%s",
		t.Namespace, hazardType, formatCoord(lat), formatCoord(lng))
}

// ZoneTopic is the broadcast channel for one geofence zone.
func (t TopicScheme) ZoneTopic(zoneID int64) string {
	return fmt.Sprintf("%s/geofence/%d/hazards", t.Namespace, zoneID)
}

// DeviceTopic is the per-device channel.
func (t TopicScheme) DeviceTopic(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/hazards", t.Namespace, deviceID)
}

// StatusTopic carries worker status announcements.
func (t TopicScheme) StatusTopic() string {
	return fmt.Sprintf("%s/system/status", t.Namespace)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// MapLink builds the map URL embedded in hazard report messages.
func MapLink(lat, lng float64) string {
	return fmt.Sprintf("https://maps.google.com/?q=%s,%s", formatCoord(lat), formatCoord(lng))
}

// Location is the lat/lng pair embedded in every message.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DetectionMessage is the raw detection published on the detections topic.
type DetectionMessage struct {
	Type           string          `json:"type"`
	HazardType     string          `json:"hazard_type"`
	Location       Location        `json:"location"`
	Confidence     float64         `json:"confidence"`
	DriverLane     bool            `json:"driver_lane"`
	DistanceMeters *float64        `json:"distance_meters"`
	BoundingBox    json.RawMessage `json:"bounding_box,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
}

// AlertMessage is the zone/device hazard alert.
type AlertMessage struct {
	Type       string    `json:"type"`
	HazardType string    `json:"hazard_type"`
	Location   Location  `json:"location"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

// ReportMessage announces a user-facing hazard report with a map link.
type ReportMessage struct {
	Type       string    `json:"type"`
	HazardType string    `json:"hazard_type"`
	Location   Location  `json:"location"`
	ReportID   string    `json:"report_id"`
	MapLink    string    `json:"map_link"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

// SeverityForConfidence maps detector confidence onto alert severity buckets.
func SeverityForConfidence(confidence float64) string {
	switch {
	case confidence >= 0.9:
		return "critical"
	case confidence >= 0.75:
		return "high"
	case confidence >= 0.5:
		return "medium"
	default:
		return "low"
	}
}
