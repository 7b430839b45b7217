package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/config"
	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
	"github.com/roadhawk/hazard-broadcast-worker/internal/dedup"
	"github.com/roadhawk/hazard-broadcast-worker/internal/dispatch"
	"github.com/roadhawk/hazard-broadcast-worker/internal/geofence"
	"github.com/roadhawk/hazard-broadcast-worker/internal/metrics"
	"github.com/roadhawk/hazard-broadcast-worker/internal/retry"
	"github.com/roadhawk/hazard-broadcast-worker/internal/service"
	"github.com/roadhawk/hazard-broadcast-worker/internal/subscription"
)

type fakeZoneSource struct {
	zones []db.GeofenceZone
}

func (f *fakeZoneSource) ActiveZones(ctx context.Context) ([]db.GeofenceZone, error) {
	var active []db.GeofenceZone
	for _, z := range f.zones {
		if z.Active {
			active = append(active, z)
		}
	}
	return active, nil
}

func (f *fakeZoneSource) GetZone(ctx context.Context, zoneID int64) (*db.GeofenceZone, error) {
	for _, z := range f.zones {
		if z.ID == zoneID {
			zone := z
			return &zone, nil
		}
	}
	return nil, nil
}

type fakeSubSource struct {
	subs map[int64][]db.DeviceSubscription
}

func (f *fakeSubSource) ActiveSubscriptionsForZone(ctx context.Context, zoneID int64) ([]db.DeviceSubscription, error) {
	var active []db.DeviceSubscription
	for _, sub := range f.subs[zoneID] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active, nil
}

type sentMessage struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	fail bool
	sent []sentMessage
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, qos int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker unreachable")
	}
	f.sent = append(f.sent, sentMessage{topic: topic, payload: payload})
	return nil
}

func (f *fakeTransport) Connected() bool { return !f.fail }

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeLogStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*db.MqttPublishLog
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{entries: make(map[uuid.UUID]*db.MqttPublishLog)}
}

func (f *fakeLogStore) InsertPublishLog(ctx context.Context, entry *db.MqttPublishLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *entry
	f.entries[entry.ID] = &cp
	return nil
}

func (f *fakeLogStore) MarkPublishLogPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok || entry.Status != db.PublishStatusPending {
		return false, nil
	}
	entry.Status = db.PublishStatusPublished
	entry.PublishedAt = &publishedAt
	return true, nil
}

func (f *fakeLogStore) MarkPublishLogFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[id]; ok && entry.Status == db.PublishStatusPending {
		entry.Status = db.PublishStatusFailed
		entry.ErrorMessage = &errorMessage
	}
	return nil
}

func (f *fakeLogStore) IncrementPublishLogRetry(ctx context.Context, id uuid.UUID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[id]; ok {
		entry.RetryCount++
		entry.ErrorMessage = &errorMessage
	}
	return nil
}

func (f *fakeLogStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeRecordStore struct {
	mu         sync.Mutex
	detections []db.HazardDetection
	records    []db.GeofenceBroadcast
}

func (f *fakeRecordStore) UpsertDetection(ctx context.Context, d *db.HazardDetection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.detections {
		if existing.ID == d.ID {
			return nil
		}
	}
	f.detections = append(f.detections, *d)
	return nil
}

func (f *fakeRecordStore) InsertBroadcast(ctx context.Context, b *db.GeofenceBroadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *b)
	return nil
}

func (f *fakeRecordStore) all() []db.GeofenceBroadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.GeofenceBroadcast, len(f.records))
	copy(out, f.records)
	return out
}

func (f *fakeRecordStore) storedDetections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.detections)
}

type pipeline struct {
	processor *service.ProcessorService
	transport *fakeTransport
	logs      *fakeLogStore
	store     *fakeRecordStore
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName: "hazard-broadcast-worker",
		MQTT: config.MQTTConfig{
			Enabled:          true,
			DefaultQoS:       1,
			TopicNamespace:   "roadhawk",
			PerDevicePublish: true,
		},
		Dedup: config.DedupConfig{
			TTL:               1800 * time.Second,
			LocationPrecision: 4,
			TimeBucket:        600 * time.Second,
		},
	}
}

func newPipeline(t *testing.T, zones []db.GeofenceZone, subs map[int64][]db.DeviceSubscription) *pipeline {
	t.Helper()

	dedupCache := dedup.NewCache(0)
	t.Cleanup(dedupCache.Close)
	return newPipelineWithDedup(t, dedupCache, zones, subs)
}

func newPipelineWithDedup(t *testing.T, checker service.DedupChecker, zones []db.GeofenceZone, subs map[int64][]db.DeviceSubscription) *pipeline {
	t.Helper()

	cfg := testConfig()
	transport := &fakeTransport{}
	logs := newFakeLogStore()
	store := &fakeRecordStore{}

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Transport: transport,
		Logs:      logs,
		Topics:    dispatch.TopicScheme{Namespace: cfg.MQTT.TopicNamespace},
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2.0,
		},
		Enabled:    cfg.MQTT.Enabled,
		DefaultQoS: cfg.MQTT.DefaultQoS,
		Logger:     zap.NewNop(),
	})

	processor := service.NewProcessorService(
		checker,
		geofence.NewIndex(&fakeZoneSource{zones: zones}),
		subscription.NewRouter(&fakeSubSource{subs: subs}),
		dispatcher,
		store,
		metrics.New(),
		cfg,
		zap.NewNop(),
	)

	return &pipeline{
		processor: processor,
		transport: transport,
		logs:      logs,
		store:     store,
	}
}

func detectionEvent(t *testing.T, hazardType string, lat, lng float64, ts time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(service.DetectionEvent{
		RequestID: "req-1",
		Detection: service.Detection{
			ID:         uuid.New(),
			HazardType: hazardType,
			Location:   dispatch.Location{Lat: lat, Lng: lng},
			Confidence: 0.92,
			DriverLane: true,
			Timestamp:  ts,
			Source:     "dashcam-7",
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func delhiZone(active bool) db.GeofenceZone {
	return db.GeofenceZone{
		ID:           1,
		Name:         "central-delhi",
		ZoneType:     db.ZoneTypeCity,
		Latitude:     28.6139,
		Longitude:    77.2090,
		RadiusMeters: 5000,
		Active:       active,
	}
}

func TestProcessMessage_SingleZoneSingleSubscriber(t *testing.T) {
	subs := map[int64][]db.DeviceSubscription{
		1: {{ID: 1, DeviceID: "d1", ZoneID: 1, SubscriptionType: db.SubscriptionAll, Active: true}},
	}
	p := newPipeline(t, []db.GeofenceZone{delhiZone(true)}, subs)

	// Detection ~150m from the zone center
	body := detectionEvent(t, db.HazardPothole, 28.6150, 77.2100, time.Now())
	if err := p.processor.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := p.store.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 broadcast record, got %d", len(records))
	}
	if records[0].ZoneID != 1 {
		t.Errorf("expected broadcast on zone 1, got %d", records[0].ZoneID)
	}
	if records[0].DevicesNotified != 1 {
		t.Errorf("expected devices_notified 1, got %d", records[0].DevicesNotified)
	}
	if records[0].Topic != "roadhawk/geofence/1/hazards" {
		t.Errorf("unexpected broadcast topic %q", records[0].Topic)
	}
	if got := p.store.storedDetections(); got != 1 {
		t.Errorf("expected 1 stored detection, got %d", got)
	}

	// Firehose + zone broadcast + one per-device message
	if got := p.logs.count(); got != 3 {
		t.Errorf("expected 3 publish log entries, got %d", got)
	}
}

func TestProcessMessage_InactiveZoneProducesNothing(t *testing.T) {
	subs := map[int64][]db.DeviceSubscription{
		1: {{ID: 1, DeviceID: "d1", ZoneID: 1, SubscriptionType: db.SubscriptionAll, Active: true}},
	}
	p := newPipeline(t, []db.GeofenceZone{delhiZone(false)}, subs)

	body := detectionEvent(t, db.HazardPothole, 28.6150, 77.2100, time.Now())
	if err := p.processor.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(p.store.all()); got != 0 {
		t.Errorf("expected zero broadcasts for inactive zone, got %d", got)
	}
	if got := p.logs.count(); got != 0 {
		t.Errorf("expected zero publish log entries for inactive zone, got %d", got)
	}
}

func TestProcessMessage_DuplicateSuppressed(t *testing.T) {
	subs := map[int64][]db.DeviceSubscription{
		1: {{ID: 1, DeviceID: "d1", ZoneID: 1, SubscriptionType: db.SubscriptionAll, Active: true}},
	}
	p := newPipeline(t, []db.GeofenceZone{delhiZone(true)}, subs)

	// Fixed timestamp well inside a dedup time bucket.
	ts := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	first := detectionEvent(t, db.HazardPothole, 28.6150, 77.2100, ts)
	second := detectionEvent(t, db.HazardPothole, 28.6150, 77.2100, ts.Add(2*time.Second))

	if err := p.processor.ProcessMessage(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.processor.ProcessMessage(context.Background(), second); err != nil {
		t.Fatalf("duplicate suppression must not be an error: %v", err)
	}

	if got := len(p.store.all()); got != 1 {
		t.Errorf("expected exactly one broadcast across duplicates, got %d", got)
	}
	if got := p.store.storedDetections(); got != 1 {
		t.Errorf("suppressed duplicate must not be stored, got %d detections", got)
	}
}

type failingDedup struct {
	calls int
}

func (f *failingDedup) CheckAndMark(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	f.calls++
	return false, errors.New("cache shard closed")
}

func TestProcessMessage_DedupFailureFailsOpen(t *testing.T) {
	subs := map[int64][]db.DeviceSubscription{
		1: {{ID: 1, DeviceID: "d1", ZoneID: 1, SubscriptionType: db.SubscriptionAll, Active: true}},
	}
	checker := &failingDedup{}
	p := newPipelineWithDedup(t, checker, []db.GeofenceZone{delhiZone(true)}, subs)

	body := detectionEvent(t, db.HazardPothole, 28.6150, 77.2100, time.Now())
	if err := p.processor.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("dedup failure must not fail the event: %v", err)
	}

	if checker.calls != 1 {
		t.Fatalf("expected one dedup check, got %d", checker.calls)
	}
	records := p.store.all()
	if len(records) != 1 {
		t.Fatalf("event must proceed as non-duplicate on dedup failure, got %d broadcasts", len(records))
	}
	if records[0].DevicesNotified != 1 {
		t.Errorf("expected devices_notified 1, got %d", records[0].DevicesNotified)
	}
	if got := p.store.storedDetections(); got != 1 {
		t.Errorf("expected the detection stored despite dedup failure, got %d", got)
	}
}

func TestProcessMessage_SubscriberFilteringByHazardType(t *testing.T) {
	subs := map[int64][]db.DeviceSubscription{
		1: {{
			ID: 1, DeviceID: "d1", ZoneID: 1,
			SubscriptionType: db.SubscriptionSpecificTypes,
			HazardTypes:      []string{db.HazardPothole},
			Active:           true,
		}},
	}
	p := newPipeline(t, []db.GeofenceZone{delhiZone(true)}, subs)

	body := detectionEvent(t, db.HazardAnimal, 28.6150, 77.2100, time.Now())
	if err := p.processor.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := p.store.all()
	if len(records) != 1 {
		t.Fatalf("zone matched, expected a broadcast record, got %d", len(records))
	}
	if records[0].DevicesNotified != 0 {
		t.Errorf("pothole-only subscriber must not count for animal, got devices_notified %d", records[0].DevicesNotified)
	}
}

func TestProcessMessage_MultipleZonesFanOutIndependently(t *testing.T) {
	zones := []db.GeofenceZone{
		delhiZone(true),
		{
			ID: 2, Name: "delhi-wide", ZoneType: db.ZoneTypeCity,
			Latitude: 28.6139, Longitude: 77.2090, RadiusMeters: 20000, Active: true,
		},
	}
	subs := map[int64][]db.DeviceSubscription{
		1: {{ID: 1, DeviceID: "d1", ZoneID: 1, SubscriptionType: db.SubscriptionAll, Active: true}},
		2: {
			{ID: 2, DeviceID: "d2", ZoneID: 2, SubscriptionType: db.SubscriptionAll, Active: true},
			{ID: 3, DeviceID: "d3", ZoneID: 2, SubscriptionType: db.SubscriptionAll, Active: true},
		},
	}
	p := newPipeline(t, zones, subs)

	body := detectionEvent(t, db.HazardPothole, 28.6150, 77.2100, time.Now())
	if err := p.processor.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := p.store.all()
	if len(records) != 2 {
		t.Fatalf("expected a broadcast per matched zone, got %d", len(records))
	}

	notified := map[int64]int{}
	for _, rec := range records {
		notified[rec.ZoneID] = rec.DevicesNotified
	}
	if notified[1] != 1 {
		t.Errorf("zone 1: expected devices_notified 1, got %d", notified[1])
	}
	if notified[2] != 2 {
		t.Errorf("zone 2: expected devices_notified 2, got %d", notified[2])
	}
}

func TestProcessMessage_TransportFailureStillRecordsBroadcast(t *testing.T) {
	subs := map[int64][]db.DeviceSubscription{
		1: {{ID: 1, DeviceID: "d1", ZoneID: 1, SubscriptionType: db.SubscriptionAll, Active: true}},
	}
	p := newPipeline(t, []db.GeofenceZone{delhiZone(true)}, subs)
	p.transport.fail = true

	body := detectionEvent(t, db.HazardPothole, 28.6150, 77.2100, time.Now())
	if err := p.processor.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("delivery failure must not fail the pipeline: %v", err)
	}

	records := p.store.all()
	if len(records) != 1 {
		t.Fatalf("expected broadcast record despite delivery failure, got %d", len(records))
	}
	// Notification intent is what the counter tracks, not confirmed receipt
	if records[0].DevicesNotified != 1 {
		t.Errorf("expected devices_notified 1, got %d", records[0].DevicesNotified)
	}
}

func TestProcessMessage_UserReportGetsReportSchema(t *testing.T) {
	subs := map[int64][]db.DeviceSubscription{
		1: {{ID: 1, DeviceID: "d1", ZoneID: 1, SubscriptionType: db.SubscriptionAll, Active: true}},
	}
	p := newPipeline(t, []db.GeofenceZone{delhiZone(true)}, subs)

	detID := uuid.New()
	body, err := json.Marshal(service.DetectionEvent{
		RequestID: "req-3",
		Detection: service.Detection{
			ID:         detID,
			HazardType: db.HazardPothole,
			Location:   dispatch.Location{Lat: 28.6150, Lng: 77.2100},
			Confidence: 0.8,
			Timestamp:  time.Now(),
			Source:     db.DetectionSourceUserReport,
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	if err := p.processor.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report *dispatch.ReportMessage
	for _, msg := range p.transport.messages() {
		if strings.HasPrefix(msg.topic, "roadhawk/detections/") {
			var r dispatch.ReportMessage
			if err := json.Unmarshal(msg.payload, &r); err != nil {
				t.Fatalf("failed to decode firehose payload: %v", err)
			}
			report = &r
		}
	}
	if report == nil {
		t.Fatal("no message published on the detections topic")
	}
	if report.Type != dispatch.MessageTypeReport {
		t.Errorf("expected type %q, got %q", dispatch.MessageTypeReport, report.Type)
	}
	if report.ReportID != detID.String() {
		t.Errorf("expected report_id %s, got %s", detID, report.ReportID)
	}
	if report.MapLink == "" {
		t.Error("expected a map link on the report message")
	}
}

func TestProcessMessage_MalformedBody(t *testing.T) {
	p := newPipeline(t, nil, nil)

	if err := p.processor.ProcessMessage(context.Background(), []byte("{not json")); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestProcessMessage_MissingHazardType(t *testing.T) {
	p := newPipeline(t, nil, nil)

	body, _ := json.Marshal(service.DetectionEvent{
		RequestID: "req-2",
		Detection: service.Detection{
			ID:       uuid.New(),
			Location: dispatch.Location{Lat: 28.6150, Lng: 77.2100},
		},
	})
	if err := p.processor.ProcessMessage(context.Background(), body); err == nil {
		t.Error("expected error for missing hazard_type")
	}
}

func TestProcessMessage_OutOfRangeLocation(t *testing.T) {
	p := newPipeline(t, nil, nil)

	body := detectionEvent(t, db.HazardPothole, 120.0, 77.2100, time.Now())
	if err := p.processor.ProcessMessage(context.Background(), body); err == nil {
		t.Error("expected error for out-of-range latitude")
	}
}
