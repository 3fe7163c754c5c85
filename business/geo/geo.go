// Package geo provides the coordinate math used by trip detection
package geo

import (
	"math"

	"github.com/opendrivejournal/tripcast/business/data/journal"
)

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two coordinates
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)
	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Inside returns true when the point lies within fence's radius of its center
func Inside(lat, lon float64, fence *journal.Geofence) bool {
	return Haversine(lat, lon, fence.Latitude, fence.Longitude) <= fence.RadiusMeters
}

// FindMatchingFence returns the first fence in insertion order containing the
// point, or nil when no fence matches
func FindMatchingFence(lat, lon float64, fences []*journal.Geofence) *journal.Geofence {
	for _, fence := range fences {
		if Inside(lat, lon, fence) {
			return fence
		}
	}
	return nil
}

// Downsample reduces points to at most maxPoints, always keeping the first and
// last points and evenly spaced interior points. Returns points unchanged when
// it already fits.
func Downsample(points journal.WaypointList, maxPoints int) journal.WaypointList {
	if maxPoints < 2 || len(points) <= maxPoints {
		return points
	}
	result := make(journal.WaypointList, 0, maxPoints)
	lastIndex := len(points) - 1
	for i := 0; i < maxPoints; i++ {
		index := int(math.Round(float64(i) * float64(lastIndex) / float64(maxPoints-1)))
		result = append(result, points[index])
	}
	return result
}
