package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
)

// BroadcastSource supplies recent broadcast summaries for one zone.
type BroadcastSource interface {
	RecentBroadcastsForZone(ctx context.Context, zoneID int64, limit int) ([]db.GeofenceBroadcast, error)
}

// ZoneActivity summarizes a zone's recent broadcast traffic. Served from the
// cache, so values may lag the broadcast table by up to the activity TTL.
type ZoneActivity struct {
	ZoneID          int64      `json:"zone_id"`
	Broadcasts      int        `json:"broadcasts"`
	DevicesNotified int        `json:"devices_notified"`
	LastBroadcastAt *time.Time `json:"last_broadcast_at,omitempty"`
	ComputedAt      time.Time  `json:"computed_at"`
}

// ActivityService answers zone activity queries through the analytics cache:
// a hit is returned as-is, a miss recomputes from the broadcast table and
// caches the result.
type ActivityService struct {
	cache      *Cache
	broadcasts BroadcastSource
	ttl        time.Duration
	limit      int
	logger     *zap.Logger
}

// NewActivityService creates the activity service. limit caps how many recent
// broadcasts one summary aggregates.
func NewActivityService(cache *Cache, broadcasts BroadcastSource, ttl time.Duration, limit int, logger *zap.Logger) *ActivityService {
	return &ActivityService{
		cache:      cache,
		broadcasts: broadcasts,
		ttl:        ttl,
		limit:      limit,
		logger:     logger,
	}
}

func activityKey(zoneID int64) string {
	return fmt.Sprintf("zone_activity:%d", zoneID)
}

// ZoneActivity returns the activity summary for one zone.
func (s *ActivityService) ZoneActivity(ctx context.Context, zoneID int64) (*ZoneActivity, error) {
	key := activityKey(zoneID)

	if raw, ok := s.cache.Get(ctx, key); ok {
		var cached ZoneActivity
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &cached, nil
		}
		// An unreadable cached value is a miss; the fresh write below replaces it.
		s.logger.Warn("discarding unreadable cached zone activity", zap.String("key", key))
	}

	recent, err := s.broadcasts.RecentBroadcastsForZone(ctx, zoneID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to compute activity for zone %d: %w", zoneID, err)
	}

	activity := &ZoneActivity{
		ZoneID:     zoneID,
		Broadcasts: len(recent),
		ComputedAt: time.Now(),
	}
	for _, b := range recent {
		activity.DevicesNotified += b.DevicesNotified
		if activity.LastBroadcastAt == nil || b.BroadcastedAt.After(*activity.LastBroadcastAt) {
			at := b.BroadcastedAt
			activity.LastBroadcastAt = &at
		}
	}

	if err := s.cache.Put(ctx, key, activity, s.ttl); err != nil {
		// Serving the fresh value matters more than caching it.
		s.logger.Warn("failed to cache zone activity", zap.Error(err), zap.Int64("zone_id", zoneID))
	}

	return activity, nil
}
