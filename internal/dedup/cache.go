// Package dedup suppresses repeated broadcasts of the same physical hazard.
//
// A fingerprint collapses detections of one hazard (same type, roughly the
// same spot, close in time) to a single key. The cache answers "have I seen
// this fingerprint within the TTL window" as a single atomic check-and-mark,
// so concurrent pipelines agree on exactly one winner per window.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Cache is an in-process TTL fingerprint store. Expired entries are replaced
// lazily on check and swept by a background janitor.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time // fingerprint -> expiry

	now func() time.Time

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewCache creates a cache and starts its janitor with the given sweep
// interval. Pass interval <= 0 to disable background sweeping (tests).
func NewCache(sweepInterval time.Duration) *Cache {
	c := &Cache{
		entries:     make(map[string]time.Time),
		now:         time.Now,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.janitor(sweepInterval)
	} else {
		close(c.janitorDone)
	}
	return c
}

// CheckAndMark atomically reports whether fingerprint was marked within the
// TTL window and, if not, marks it now. The error return satisfies the
// fail-open contract of callers; the in-process store itself cannot fail.
func (c *Cache) CheckAndMark(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[fingerprint]; ok && now.Before(expiry) {
		return true, nil
	}
	c.entries[fingerprint] = now.Add(ttl)
	return false, nil
}

// Len reports the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the janitor. Safe to call once.
func (c *Cache) Close() {
	select {
	case <-c.janitorDone:
		return
	default:
	}
	close(c.janitorStop)
	<-c.janitorDone
}

func (c *Cache) janitor(interval time.Duration) {
	defer close(c.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.janitorStop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for fp, expiry := range c.entries {
		if !now.Before(expiry) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Fingerprint derives the dedup key for a detection: hazard type, location
// rounded to precision decimal places, and the time bucket the detection
// falls in. Detections of the same hazard type within roughly the same spot
// and bucket share a fingerprint.
func Fingerprint(hazardType string, lat, lng float64, ts time.Time, precision int, bucket time.Duration) string {
	if precision < 0 {
		precision = 0
	}
	bucketIndex := int64(0)
	if bucket > 0 {
		bucketIndex = ts.Unix() / int64(bucket.Seconds())
	}
	return fmt.Sprintf("%s:%.*f:%.*f:%d", hazardType, precision, lat, precision, lng, bucketIndex)
}
