package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations
type Repository struct {
	pool              *pgxpool.Pool
	defaultZoneRadius float64
}

// NewRepository creates a new repository. defaultZoneRadius is applied to
// zones created without an explicit radius.
func NewRepository(pool *pgxpool.Pool, defaultZoneRadius float64) *Repository {
	return &Repository{pool: pool, defaultZoneRadius: defaultZoneRadius}
}

// --- Hazard detections ---

// UpsertDetection stores the detection carried by an ingest message. The
// upstream pipeline normally wrote the row already; ON CONFLICT DO NOTHING
// keeps the call idempotent while guaranteeing a foreign-key target for
// publish-log and broadcast rows.
func (r *Repository) UpsertDetection(ctx context.Context, d *db.HazardDetection) error {
	query := `
		INSERT INTO hazard_detections (id, hazard_type, latitude, longitude, confidence, driver_lane, distance_meters, bounding_box, detected_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.HazardType,
		d.Latitude,
		d.Longitude,
		d.Confidence,
		d.DriverLane,
		d.DistanceMeters,
		d.BoundingBox,
		d.DetectedAt,
		d.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert detection %s: %w", d.ID, err)
	}
	return nil
}

// --- Geofence zones ---

const zoneColumns = `id, name, zone_type, latitude, longitude, radius_meters, active, description, created_at, updated_at`

func scanZone(row pgx.Row) (db.GeofenceZone, error) {
	var zone db.GeofenceZone
	err := row.Scan(
		&zone.ID,
		&zone.Name,
		&zone.ZoneType,
		&zone.Latitude,
		&zone.Longitude,
		&zone.RadiusMeters,
		&zone.Active,
		&zone.Description,
		&zone.CreatedAt,
		&zone.UpdatedAt,
	)
	return zone, err
}

// ActiveZones returns every zone with active = true.
func (r *Repository) ActiveZones(ctx context.Context) ([]db.GeofenceZone, error) {
	query := `
		SELECT ` + zoneColumns + `
		FROM geofence_zones
		WHERE active = true
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active zones: %w", err)
	}
	defer rows.Close()

	var zones []db.GeofenceZone
	for rows.Next() {
		zone, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, zone)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return zones, nil
}

// GetZone returns one zone by id, or nil if it does not exist.
func (r *Repository) GetZone(ctx context.Context, zoneID int64) (*db.GeofenceZone, error) {
	query := `
		SELECT ` + zoneColumns + `
		FROM geofence_zones
		WHERE id = $1
	`

	zone, err := scanZone(r.pool.QueryRow(ctx, query, zoneID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query zone %d: %w", zoneID, err)
	}
	return &zone, nil
}

// CreateZone inserts a zone and fills in its id and timestamps. A zero radius
// falls back to the configured default.
func (r *Repository) CreateZone(ctx context.Context, zone *db.GeofenceZone) error {
	if zone.RadiusMeters == 0 {
		zone.RadiusMeters = r.defaultZoneRadius
	}
	if zone.RadiusMeters <= 0 {
		return fmt.Errorf("zone radius must be positive, got %v", zone.RadiusMeters)
	}

	query := `
		INSERT INTO geofence_zones (name, zone_type, latitude, longitude, radius_meters, active, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id, created_at, updated_at
	`

	now := time.Now()
	err := r.pool.QueryRow(ctx, query,
		zone.Name,
		zone.ZoneType,
		zone.Latitude,
		zone.Longitude,
		zone.RadiusMeters,
		zone.Active,
		zone.Description,
		now,
	).Scan(&zone.ID, &zone.CreatedAt, &zone.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create zone: %w", err)
	}
	return nil
}

// UpdateZone rewrites a zone's mutable fields. Every mutation refreshes
// updated_at explicitly.
func (r *Repository) UpdateZone(ctx context.Context, zone *db.GeofenceZone) error {
	if zone.RadiusMeters <= 0 {
		return fmt.Errorf("zone radius must be positive, got %v", zone.RadiusMeters)
	}

	query := `
		UPDATE geofence_zones
		SET name = $1, zone_type = $2, latitude = $3, longitude = $4,
		    radius_meters = $5, active = $6, description = $7, updated_at = $8
		WHERE id = $9
	`

	now := time.Now()
	tag, err := r.pool.Exec(ctx, query,
		zone.Name,
		zone.ZoneType,
		zone.Latitude,
		zone.Longitude,
		zone.RadiusMeters,
		zone.Active,
		zone.Description,
		now,
		zone.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update zone %d: %w", zone.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("zone %d not found", zone.ID)
	}
	zone.UpdatedAt = now
	return nil
}

// SetZoneActive toggles a zone's active flag, refreshing updated_at.
func (r *Repository) SetZoneActive(ctx context.Context, zoneID int64, active bool) error {
	query := `
		UPDATE geofence_zones
		SET active = $1, updated_at = $2
		WHERE id = $3
	`

	tag, err := r.pool.Exec(ctx, query, active, time.Now(), zoneID)
	if err != nil {
		return fmt.Errorf("failed to toggle zone %d: %w", zoneID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("zone %d not found", zoneID)
	}
	return nil
}

// DeleteZone removes a zone and everything scoped to it: its device
// subscriptions and its broadcasts, in one transaction. Publish log rows are
// untouched; they reference detections, not zones.
func (r *Repository) DeleteZone(ctx context.Context, zoneID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM device_subscriptions WHERE zone_id = $1`, zoneID); err != nil {
		return fmt.Errorf("failed to delete subscriptions for zone %d: %w", zoneID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM geofence_broadcasts WHERE zone_id = $1`, zoneID); err != nil {
		return fmt.Errorf("failed to delete broadcasts for zone %d: %w", zoneID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM geofence_zones WHERE id = $1`, zoneID); err != nil {
		return fmt.Errorf("failed to delete zone %d: %w", zoneID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit zone delete: %w", err)
	}
	return nil
}

// --- Device subscriptions ---

const subscriptionColumns = `id, device_id, user_id, zone_id, subscription_type, hazard_types, active, created_at, last_seen, metadata`

// ActiveSubscriptionsForZone returns active subscriptions on one zone.
func (r *Repository) ActiveSubscriptionsForZone(ctx context.Context, zoneID int64) ([]db.DeviceSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM device_subscriptions
		WHERE zone_id = $1 AND active = true
	`

	rows, err := r.pool.Query(ctx, query, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions for zone %d: %w", zoneID, err)
	}
	defer rows.Close()

	var subs []db.DeviceSubscription
	for rows.Next() {
		var sub db.DeviceSubscription
		if err := rows.Scan(
			&sub.ID,
			&sub.DeviceID,
			&sub.UserID,
			&sub.ZoneID,
			&sub.SubscriptionType,
			&sub.HazardTypes,
			&sub.Active,
			&sub.CreatedAt,
			&sub.LastSeen,
			&sub.Metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return subs, nil
}

// CreateSubscription inserts a subscription and fills in its id.
func (r *Repository) CreateSubscription(ctx context.Context, sub *db.DeviceSubscription) error {
	query := `
		INSERT INTO device_subscriptions (device_id, user_id, zone_id, subscription_type, hazard_types, active, created_at, last_seen, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
		RETURNING id, created_at, last_seen
	`

	now := time.Now()
	err := r.pool.QueryRow(ctx, query,
		sub.DeviceID,
		sub.UserID,
		sub.ZoneID,
		sub.SubscriptionType,
		sub.HazardTypes,
		sub.Active,
		now,
		sub.Metadata,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.LastSeen)

	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// SetSubscriptionActive toggles a subscription. Subscriptions are toggled
// rather than hard-deleted except via zone cascade.
func (r *Repository) SetSubscriptionActive(ctx context.Context, subscriptionID int64, active bool) error {
	query := `
		UPDATE device_subscriptions
		SET active = $1
		WHERE id = $2
	`

	tag, err := r.pool.Exec(ctx, query, active, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to toggle subscription %d: %w", subscriptionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %d not found", subscriptionID)
	}
	return nil
}

// TouchSubscriptionLastSeen records device liveness.
func (r *Repository) TouchSubscriptionLastSeen(ctx context.Context, deviceID string) error {
	query := `
		UPDATE device_subscriptions
		SET last_seen = $1
		WHERE device_id = $2
	`

	if _, err := r.pool.Exec(ctx, query, time.Now(), deviceID); err != nil {
		return fmt.Errorf("failed to touch last_seen for device %s: %w", deviceID, err)
	}
	return nil
}

// --- Publish log ---

// InsertPublishLog records a pending publish attempt.
func (r *Repository) InsertPublishLog(ctx context.Context, entry *db.MqttPublishLog) error {
	query := `
		INSERT INTO mqtt_publish_log (id, detection_id, topic, payload, qos, status, retry_count, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.DetectionID,
		entry.Topic,
		entry.Payload,
		entry.QoS,
		entry.Status,
		entry.RetryCount,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert publish log entry: %w", err)
	}
	return nil
}

// MarkPublishLogPublished finalizes a pending row as published. The returned
// bool reports whether the row transitioned now; a row already finalized (a
// retried acknowledgment) yields false, keeping finalization exactly-once.
func (r *Repository) MarkPublishLogPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) (bool, error) {
	query := `
		UPDATE mqtt_publish_log
		SET status = $1, published_at = $2
		WHERE id = $3 AND status = $4
	`

	tag, err := r.pool.Exec(ctx, query, db.PublishStatusPublished, publishedAt, id, db.PublishStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark publish log %s published: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPublishLogFailed finalizes a pending row as failed with the last error.
func (r *Repository) MarkPublishLogFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE mqtt_publish_log
		SET status = $1, error_message = $2
		WHERE id = $3 AND status = $4
	`

	if _, err := r.pool.Exec(ctx, query, db.PublishStatusFailed, errorMessage, id, db.PublishStatusPending); err != nil {
		return fmt.Errorf("failed to mark publish log %s failed: %w", id, err)
	}
	return nil
}

// IncrementPublishLogRetry bumps retry_count and records the latest error on
// the same logical entry.
func (r *Repository) IncrementPublishLogRetry(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE mqtt_publish_log
		SET retry_count = retry_count + 1, error_message = $1
		WHERE id = $2
	`

	if _, err := r.pool.Exec(ctx, query, errorMessage, id); err != nil {
		return fmt.Errorf("failed to increment retry for publish log %s: %w", id, err)
	}
	return nil
}

// PublishLogCounts aggregates the log by status for the status surface.
func (r *Repository) PublishLogCounts(ctx context.Context) (db.PublishLogCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'published'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM mqtt_publish_log
	`

	var counts db.PublishLogCounts
	err := r.pool.QueryRow(ctx, query).Scan(&counts.Pending, &counts.Published, &counts.Failed)
	if err != nil {
		return db.PublishLogCounts{}, fmt.Errorf("failed to count publish log entries: %w", err)
	}
	return counts, nil
}

// --- Geofence broadcasts ---

// InsertBroadcast records one (detection, zone) broadcast summary.
func (r *Repository) InsertBroadcast(ctx context.Context, b *db.GeofenceBroadcast) error {
	query := `
		INSERT INTO geofence_broadcasts (id, detection_id, zone_id, topic, devices_notified, payload, broadcasted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		b.ID,
		b.DetectionID,
		b.ZoneID,
		b.Topic,
		b.DevicesNotified,
		b.Payload,
		b.BroadcastedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert broadcast: %w", err)
	}
	return nil
}

// RecentBroadcastsForZone returns the newest broadcast summaries for a zone.
func (r *Repository) RecentBroadcastsForZone(ctx context.Context, zoneID int64, limit int) ([]db.GeofenceBroadcast, error) {
	query := `
		SELECT id, detection_id, zone_id, topic, devices_notified, payload, broadcasted_at
		FROM geofence_broadcasts
		WHERE zone_id = $1
		ORDER BY broadcasted_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, zoneID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcasts for zone %d: %w", zoneID, err)
	}
	defer rows.Close()

	var broadcasts []db.GeofenceBroadcast
	for rows.Next() {
		var b db.GeofenceBroadcast
		if err := rows.Scan(
			&b.ID,
			&b.DetectionID,
			&b.ZoneID,
			&b.Topic,
			&b.DevicesNotified,
			&b.Payload,
			&b.BroadcastedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast: %w", err)
		}
		broadcasts = append(broadcasts, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return broadcasts, nil
}

// --- Analytics cache ---

// GetAnalyticsCacheEntry returns the unexpired value for key, or nil on miss.
func (r *Repository) GetAnalyticsCacheEntry(ctx context.Context, key string) (*db.AnalyticsCacheEntry, error) {
	query := `
		SELECT key, value, expires_at, created_at
		FROM analytics_cache
		WHERE key = $1 AND expires_at > $2
	`

	var entry db.AnalyticsCacheEntry
	err := r.pool.QueryRow(ctx, query, key, time.Now()).Scan(
		&entry.Key,
		&entry.Value,
		&entry.ExpiresAt,
		&entry.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics cache key %q: %w", key, err)
	}
	return &entry, nil
}

// UpsertAnalyticsCacheEntry writes a value with a fresh expiry.
func (r *Repository) UpsertAnalyticsCacheEntry(ctx context.Context, key string, value json.RawMessage, expiresAt time.Time) error {
	query := `
		INSERT INTO analytics_cache (key, value, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3
	`

	if _, err := r.pool.Exec(ctx, query, key, value, expiresAt, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert analytics cache key %q: %w", key, err)
	}
	return nil
}

// ReapAnalyticsCache deletes every expired row and reports how many.
func (r *Repository) ReapAnalyticsCache(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM analytics_cache WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to reap analytics cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
