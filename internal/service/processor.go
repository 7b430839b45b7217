package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/config"
	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
	"github.com/roadhawk/hazard-broadcast-worker/internal/dedup"
	"github.com/roadhawk/hazard-broadcast-worker/internal/dispatch"
	"github.com/roadhawk/hazard-broadcast-worker/internal/geofence"
	"github.com/roadhawk/hazard-broadcast-worker/internal/logging"
	"github.com/roadhawk/hazard-broadcast-worker/internal/metrics"
	"github.com/roadhawk/hazard-broadcast-worker/internal/subscription"
)

// DetectionEvent is the ingest message produced by the vision pipeline after
// it has stored the detection.
type DetectionEvent struct {
	RequestID string    `json:"request_id"`
	Detection Detection `json:"detection"`
}

// Detection carries the stored detection's fields.
type Detection struct {
	ID             uuid.UUID         `json:"id"`
	HazardType     string            `json:"hazard_type"`
	Location       dispatch.Location `json:"location"`
	Confidence     float64           `json:"confidence"`
	DriverLane     bool              `json:"driver_lane"`
	DistanceMeters *float64          `json:"distance_meters"`
	BoundingBox    json.RawMessage   `json:"bounding_box,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Source         string            `json:"source"`
}

// DedupChecker answers "seen recently?" atomically.
type DedupChecker interface {
	CheckAndMark(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
}

// Publisher is the dispatch capability the pipeline fans out through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, qos int, detectionID *uuid.UUID) error
	Topics() dispatch.TopicScheme
	DefaultQoS() int
	Enabled() bool
}

// RecordStore persists detections and broadcast summaries.
type RecordStore interface {
	UpsertDetection(ctx context.Context, d *db.HazardDetection) error
	InsertBroadcast(ctx context.Context, b *db.GeofenceBroadcast) error
}

// ProcessorService runs the broadcast pipeline for each detection event:
// dedup, zone matching, subscriber resolution, publish fan-out, broadcast
// recording. One event's failures never touch another event's pipeline.
type ProcessorService struct {
	dedupCache DedupChecker
	zones      *geofence.Index
	router     *subscription.Router
	publisher  Publisher
	store      RecordStore
	metrics    *metrics.Metrics
	cfg        *config.Config
	logger     *zap.Logger
}

// NewProcessorService creates the pipeline processor.
func NewProcessorService(
	dedupCache DedupChecker,
	zones *geofence.Index,
	router *subscription.Router,
	publisher Publisher,
	store RecordStore,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		dedupCache: dedupCache,
		zones:      zones,
		router:     router,
		publisher:  publisher,
		store:      store,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProcessMessage handles one detection event from the ingest queue. A non-nil
// return means the message itself was unprocessable or a shared dependency
// failed before fan-out; fan-out failures are logged per zone, never returned.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var event DetectionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("failed to unmarshal detection event: %w", err)
	}
	det := event.Detection
	if det.HazardType == "" {
		return fmt.Errorf("detection event missing hazard_type")
	}
	if det.Location.Lat < -90 || det.Location.Lat > 90 || det.Location.Lng < -180 || det.Location.Lng > 180 {
		return fmt.Errorf("detection event has out-of-range location (%v, %v)", det.Location.Lat, det.Location.Lng)
	}

	reqLogger := logging.WithRequestID(s.logger, event.RequestID)
	reqLogger = logging.WithDetectionID(reqLogger, det.ID.String())
	reqLogger.Info("processing detection event",
		zap.String("hazard_type", det.HazardType),
		zap.Float64("lat", det.Location.Lat),
		zap.Float64("lng", det.Location.Lng))

	fingerprint := dedup.Fingerprint(
		det.HazardType,
		det.Location.Lat,
		det.Location.Lng,
		det.Timestamp,
		s.cfg.Dedup.LocationPrecision,
		s.cfg.Dedup.TimeBucket,
	)

	isDuplicate, err := s.dedupCache.CheckAndMark(ctx, fingerprint, s.cfg.Dedup.TTL)
	if err != nil {
		// Fail open: a missed suppression beats a silently dropped hazard.
		reqLogger.Warn("dedup cache unavailable, proceeding as non-duplicate",
			zap.Error(err),
			zap.String("fingerprint", fingerprint))
	} else if isDuplicate {
		s.metrics.DuplicatesSuppressed.Inc()
		reqLogger.Info("detection suppressed as duplicate",
			zap.String("outcome", "duplicate_suppressed"),
			zap.String("fingerprint", fingerprint))
		return nil
	}

	s.metrics.DetectionsProcessed.Inc()

	// The upstream pipeline stores the detection before emitting the event; the
	// idempotent upsert covers replays and out-of-order arrivals so log and
	// broadcast rows always have a reference target.
	stored := &db.HazardDetection{
		ID:             det.ID,
		HazardType:     det.HazardType,
		Latitude:       det.Location.Lat,
		Longitude:      det.Location.Lng,
		Confidence:     det.Confidence,
		DriverLane:     det.DriverLane,
		DistanceMeters: det.DistanceMeters,
		BoundingBox:    det.BoundingBox,
		DetectedAt:     det.Timestamp,
		Source:         det.Source,
	}
	if err := s.store.UpsertDetection(ctx, stored); err != nil {
		return fmt.Errorf("failed to store detection: %w", err)
	}

	// The distance-sorted match list is computed once before any fan-out.
	matches, err := s.zones.FindZonesContaining(ctx, det.Location.Lat, det.Location.Lng)
	if err != nil {
		return fmt.Errorf("geofence lookup failed: %w", err)
	}

	if len(matches) == 0 {
		s.metrics.NoZoneMatches.Inc()
		reqLogger.Info("no geofence zones matched",
			zap.String("outcome", "no_zone_match"))
		return nil
	}

	s.publishDetection(ctx, reqLogger, det)

	// Zone fan-outs run independently; one zone's failure never aborts a
	// sibling's.
	var wg sync.WaitGroup
	for _, match := range matches {
		wg.Add(1)
		go func(match geofence.Match) {
			defer wg.Done()
			s.broadcastToZone(ctx, reqLogger, det, match)
		}(match)
	}
	wg.Wait()

	reqLogger.Info("detection event processed",
		zap.Int("zones_matched", len(matches)))
	return nil
}

// publish delivers one message and keeps the per-outcome counters honest,
// including the skipped outcome when the transport is disabled.
func (s *ProcessorService) publish(ctx context.Context, topic string, payload any, detectionID *uuid.UUID) error {
	if !s.publisher.Enabled() {
		s.metrics.Publishes.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return nil
	}
	if err := s.publisher.Publish(ctx, topic, payload, s.publisher.DefaultQoS(), detectionID); err != nil {
		s.metrics.Publishes.WithLabelValues(metrics.OutcomeFailed).Inc()
		return err
	}
	s.metrics.Publishes.WithLabelValues(metrics.OutcomePublished).Inc()
	return nil
}

// publishDetection emits the raw detection on the firehose topic. Detections
// that originated as user reports carry the report schema with a map link
// instead. Failures are logged; the zone fan-out proceeds regardless.
func (s *ProcessorService) publishDetection(ctx context.Context, logger *zap.Logger, det Detection) {
	var msg any
	if det.Source == db.DetectionSourceUserReport {
		msg = dispatch.ReportMessage{
			Type:       dispatch.MessageTypeReport,
			HazardType: det.HazardType,
			Location:   det.Location,
			ReportID:   det.ID.String(),
			MapLink:    dispatch.MapLink(det.Location.Lat, det.Location.Lng),
			Timestamp:  det.Timestamp,
			Source:     det.Source,
		}
	} else {
		msg = dispatch.DetectionMessage{
			Type:           dispatch.MessageTypeDetection,
			HazardType:     det.HazardType,
			Location:       det.Location,
			Confidence:     det.Confidence,
			DriverLane:     det.DriverLane,
			DistanceMeters: det.DistanceMeters,
			BoundingBox:    det.BoundingBox,
			Timestamp:      det.Timestamp,
			Source:         det.Source,
		}
	}
	topic := s.publisher.Topics().DetectionTopic(det.HazardType, det.Location.Lat, det.Location.Lng)
	detID := det.ID
	if err := s.publish(ctx, topic, msg, &detID); err != nil {
		logger.Error("failed to publish detection message",
			zap.Error(err),
			zap.String("topic", topic))
	}
}

// broadcastToZone resolves subscribers for one matched zone, publishes the
// zone broadcast and optional per-device messages, and records the summary.
func (s *ProcessorService) broadcastToZone(ctx context.Context, logger *zap.Logger, det Detection, match geofence.Match) {
	zone := match.Zone
	zoneLogger := logger.With(
		zap.Int64("zone_id", zone.ID),
		zap.Float64("distance_meters", match.DistanceMeters))

	subs, err := s.router.ResolveSubscribers(ctx, zone.ID, det.HazardType)
	if err != nil {
		zoneLogger.Error("failed to resolve subscribers", zap.Error(err))
		return
	}

	alert := dispatch.AlertMessage{
		Type:       dispatch.MessageTypeAlert,
		HazardType: det.HazardType,
		Location:   det.Location,
		Severity:   dispatch.SeverityForConfidence(det.Confidence),
		Message:    fmt.Sprintf("%s detected in zone %s", det.HazardType, zone.Name),
		Timestamp:  det.Timestamp,
		Source:     det.Source,
	}

	detID := det.ID
	topic := s.publisher.Topics().ZoneTopic(zone.ID)
	if err := s.publish(ctx, topic, alert, &detID); err != nil {
		zoneLogger.Error("zone broadcast publish failed", zap.Error(err), zap.String("topic", topic))
	}

	if s.cfg.MQTT.PerDevicePublish {
		for _, sub := range subs {
			deviceTopic := s.publisher.Topics().DeviceTopic(sub.DeviceID)
			if err := s.publish(ctx, deviceTopic, alert, &detID); err != nil {
				zoneLogger.Error("per-device publish failed",
					zap.Error(err),
					zap.String("device_id", sub.DeviceID))
			}
		}
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		zoneLogger.Error("failed to snapshot broadcast payload", zap.Error(err))
		return
	}

	// devices_notified tracks notification intent: every subscriber dispatch
	// was attempted for, delivered or not.
	record := &db.GeofenceBroadcast{
		ID:              uuid.New(),
		DetectionID:     &detID,
		ZoneID:          zone.ID,
		Topic:           topic,
		DevicesNotified: len(subs),
		Payload:         payload,
		BroadcastedAt:   time.Now(),
	}
	if err := s.store.InsertBroadcast(ctx, record); err != nil {
		zoneLogger.Error("failed to record broadcast", zap.Error(err))
		return
	}

	s.metrics.BroadcastsRecorded.Inc()
	zoneLogger.Info("zone broadcast complete",
		zap.String("outcome", "broadcast"),
		zap.Int("devices_notified", len(subs)))
}
