// Package geofence answers which broadcast zones contain a point.
package geofence

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/roadhawk/hazard-broadcast-worker/internal/db"
)

const earthRadiusMeters = 6371000.0

// ZoneSource supplies zone definitions, typically the repository.
type ZoneSource interface {
	ActiveZones(ctx context.Context) ([]db.GeofenceZone, error)
	GetZone(ctx context.Context, zoneID int64) (*db.GeofenceZone, error)
}

// Match pairs a containing zone with the distance from the queried point to
// its center.
type Match struct {
	Zone           db.GeofenceZone
	DistanceMeters float64
}

// Index resolves point-containment over the active zone set.
type Index struct {
	zones ZoneSource
}

// NewIndex creates an index over the given zone source.
func NewIndex(zones ZoneSource) *Index {
	return &Index{zones: zones}
}

// FindZonesContaining returns every active zone whose radius covers the point,
// ordered ascending by distance with ties broken by ascending zone id. A point
// exactly on the boundary (distance == radius) is contained.
func (i *Index) FindZonesContaining(ctx context.Context, lat, lng float64) ([]Match, error) {
	zones, err := i.zones.ActiveZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active zones: %w", err)
	}

	var matches []Match
	for _, zone := range zones {
		dist := HaversineMeters(lat, lng, zone.Latitude, zone.Longitude)
		if dist <= zone.RadiusMeters {
			matches = append(matches, Match{Zone: zone, DistanceMeters: dist})
		}
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].DistanceMeters != matches[b].DistanceMeters {
			return matches[a].DistanceMeters < matches[b].DistanceMeters
		}
		return matches[a].Zone.ID < matches[b].Zone.ID
	})

	return matches, nil
}

// IsPointInZone reports whether the point falls inside the given zone.
// A missing or inactive zone yields false, not an error.
func (i *Index) IsPointInZone(ctx context.Context, lat, lng float64, zoneID int64) (bool, error) {
	zone, err := i.zones.GetZone(ctx, zoneID)
	if err != nil {
		return false, fmt.Errorf("failed to load zone %d: %w", zoneID, err)
	}
	if zone == nil || !zone.Active {
		return false, nil
	}
	return HaversineMeters(lat, lng, zone.Latitude, zone.Longitude) <= zone.RadiusMeters, nil
}

// HaversineMeters computes the great-circle distance between two points on a
// spherical earth. Accurate to the scale zones operate at (hundreds of meters
// to tens of kilometers).
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
