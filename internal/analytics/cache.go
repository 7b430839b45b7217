// Package analytics provides a TTL'd cache of computed results over the
// database, with a scheduled reaper for expired rows.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
)

// Store persists cache rows, typically the repository.
type Store interface {
	GetAnalyticsCacheEntry(ctx context.Context, key string) (*db.AnalyticsCacheEntry, error)
	UpsertAnalyticsCacheEntry(ctx context.Context, key string, value json.RawMessage, expiresAt time.Time) error
	ReapAnalyticsCache(ctx context.Context) (int64, error)
}

// Cache reads and writes TTL'd results. Callers must treat any hit as
// possibly stale: a key can expire between the read and its removal.
type Cache struct {
	store  Store
	logger *zap.Logger
}

// NewCache creates a cache over the given store.
func NewCache(store Store, logger *zap.Logger) *Cache {
	return &Cache{store: store, logger: logger}
}

// Get returns the cached value for key. A backend failure is treated as a
// miss: the caller recomputes, it never sees the storage error.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, err := c.store.GetAnalyticsCacheEntry(ctx, key)
	if err != nil {
		c.logger.Warn("analytics cache read failed, treating as miss",
			zap.Error(err),
			zap.String("key", key))
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	return entry.Value, true
}

// Put stores value under key for ttl.
func (c *Cache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics value for %q: %w", key, err)
	}
	if err := c.store.UpsertAnalyticsCacheEntry(ctx, key, body, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("failed to store analytics value for %q: %w", key, err)
	}
	return nil
}

// Reap deletes all expired rows and reports how many were removed. Reaping is
// idempotent: a second run with no new writes removes nothing.
func (c *Cache) Reap(ctx context.Context) (int64, error) {
	return c.store.ReapAnalyticsCache(ctx)
}
