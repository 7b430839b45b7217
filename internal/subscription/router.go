// Package subscription resolves which devices care about a hazard in a zone.
package subscription

import (
	"context"
	"fmt"

	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
)

// Source supplies subscription rows, typically the repository.
type Source interface {
	ActiveSubscriptionsForZone(ctx context.Context, zoneID int64) ([]db.DeviceSubscription, error)
}

// Router filters active subscriptions by hazard type.
type Router struct {
	subs Source
}

// NewRouter creates a router over the given subscription source.
func NewRouter(subs Source) *Router {
	return &Router{subs: subs}
}

// ResolveSubscribers returns the active subscriptions on zoneID that match
// hazardType: every `all` subscription, plus every `specific_types`
// subscription whose set contains hazardType. A `specific_types` subscription
// with an empty set matches nothing. Order is whatever the source returned.
func (r *Router) ResolveSubscribers(ctx context.Context, zoneID int64, hazardType string) ([]db.DeviceSubscription, error) {
	subs, err := r.subs.ActiveSubscriptionsForZone(ctx, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions for zone %d: %w", zoneID, err)
	}

	var matched []db.DeviceSubscription
	for _, sub := range subs {
		if Matches(sub, hazardType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// Matches reports whether one subscription covers the hazard type.
func Matches(sub db.DeviceSubscription, hazardType string) bool {
	if !sub.Active {
		return false
	}
	switch sub.SubscriptionType {
	case db.SubscriptionAll:
		return true
	case db.SubscriptionSpecificTypes:
		for _, t := range sub.HazardTypes {
			if t == hazardType {
				return true
			}
		}
		return false
	default:
		return false
	}
}
