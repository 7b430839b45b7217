package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/analytics"
	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
)

type fakeBroadcastSource struct {
	broadcasts map[int64][]db.GeofenceBroadcast
	queries    int
}

func (f *fakeBroadcastSource) RecentBroadcastsForZone(ctx context.Context, zoneID int64, limit int) ([]db.GeofenceBroadcast, error) {
	f.queries++
	rows := f.broadcasts[zoneID]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func newActivityService(source *fakeBroadcastSource) *analytics.ActivityService {
	cache := analytics.NewCache(newFakeCacheStore(), zap.NewNop())
	return analytics.NewActivityService(cache, source, time.Minute, 50, zap.NewNop())
}

func TestActivityService_AggregatesRecentBroadcasts(t *testing.T) {
	earlier := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(30 * time.Minute)
	source := &fakeBroadcastSource{broadcasts: map[int64][]db.GeofenceBroadcast{
		7: {
			{ID: uuid.New(), ZoneID: 7, DevicesNotified: 3, BroadcastedAt: later},
			{ID: uuid.New(), ZoneID: 7, DevicesNotified: 2, BroadcastedAt: earlier},
		},
	}}
	svc := newActivityService(source)

	activity, err := svc.ZoneActivity(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activity.Broadcasts != 2 {
		t.Errorf("expected 2 broadcasts, got %d", activity.Broadcasts)
	}
	if activity.DevicesNotified != 5 {
		t.Errorf("expected 5 devices notified, got %d", activity.DevicesNotified)
	}
	if activity.LastBroadcastAt == nil || !activity.LastBroadcastAt.Equal(later) {
		t.Errorf("expected last broadcast at %v, got %v", later, activity.LastBroadcastAt)
	}
}

func TestActivityService_ServesSecondQueryFromCache(t *testing.T) {
	source := &fakeBroadcastSource{broadcasts: map[int64][]db.GeofenceBroadcast{
		7: {{ID: uuid.New(), ZoneID: 7, DevicesNotified: 1, BroadcastedAt: time.Now()}},
	}}
	svc := newActivityService(source)
	ctx := context.Background()

	first, err := svc.ZoneActivity(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.ZoneActivity(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if source.queries != 1 {
		t.Errorf("expected the broadcast table queried once, got %d", source.queries)
	}
	if second.Broadcasts != first.Broadcasts || second.DevicesNotified != first.DevicesNotified {
		t.Errorf("cached activity %+v does not match fresh activity %+v", second, first)
	}
}

func TestActivityService_ZoneWithoutBroadcasts(t *testing.T) {
	svc := newActivityService(&fakeBroadcastSource{broadcasts: map[int64][]db.GeofenceBroadcast{}})

	activity, err := svc.ZoneActivity(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activity.Broadcasts != 0 || activity.DevicesNotified != 0 {
		t.Errorf("expected empty activity, got %+v", activity)
	}
	if activity.LastBroadcastAt != nil {
		t.Errorf("expected no last broadcast time, got %v", activity.LastBroadcastAt)
	}
}
