package geo

import (
	"math"
	"reflect"
	"testing"

	"github.com/opendrivejournal/tripcast/business/data/journal"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lon1      float64
		lat2      float64
		lon2      float64
		want      float64
		tolerance float64
	}{
		{
			name: "zero distance on equal points",
			lat1: 59.3293, lon1: 18.0686,
			lat2: 59.3293, lon2: 18.0686,
			want: 0, tolerance: 0.0001,
		},
		{
			name: "short hop in central Stockholm",
			lat1: 59.3293, lon1: 18.0686,
			lat2: 59.3300, lon2: 18.0700,
			want: 110, tolerance: 5,
		},
		{
			name: "a few km across town",
			lat1: 59.3293, lon1: 18.0686,
			lat2: 59.3500, lon2: 18.1000,
			want: 2910, tolerance: 15,
		},
		{
			name: "equator degree of longitude",
			lat1: 0, lon1: 0,
			lat2: 0, lon2: 1,
			want: 111195, tolerance: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("Haversine() = %v, want %v (tolerance %v)", got, tt.want, tt.tolerance)
			}
			reversed := Haversine(tt.lat2, tt.lon2, tt.lat1, tt.lon1)
			if math.Abs(got-reversed) > 0.0001 {
				t.Errorf("Haversine() not symmetric: %v vs %v", got, reversed)
			}
		})
	}
}

func TestFindMatchingFence(t *testing.T) {
	office := &journal.Geofence{Id: "f1", Name: "office", Latitude: 59.3293, Longitude: 18.0686,
		RadiusMeters: 200, TripType: journal.TripTypeBusiness}
	warehouse := &journal.Geofence{Id: "f2", Name: "warehouse", Latitude: 59.3300, Longitude: 18.0700,
		RadiusMeters: 500, TripType: journal.TripTypeBusiness}
	home := &journal.Geofence{Id: "f3", Name: "home", Latitude: 59.4000, Longitude: 18.2000,
		RadiusMeters: 100, TripType: journal.TripTypePrivate}
	fences := []*journal.Geofence{office, warehouse, home}

	tests := []struct {
		name string
		lat  float64
		lon  float64
		want *journal.Geofence
	}{
		{name: "inside first fence wins over overlapping second", lat: 59.3293, lon: 18.0686, want: office},
		{name: "inside second fence only", lat: 59.3320, lon: 18.0720, want: warehouse},
		{name: "outside every fence", lat: 59.5000, lon: 18.5000, want: nil},
		{name: "private fence", lat: 59.4001, lon: 18.2001, want: home},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FindMatchingFence(tt.lat, tt.lon, fences); got != tt.want {
				t.Errorf("FindMatchingFence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func makeLine(n int) journal.WaypointList {
	points := make(journal.WaypointList, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, journal.Waypoint{Latitude: float64(i), Longitude: float64(i) / 2})
	}
	return points
}

func TestDownsample(t *testing.T) {
	tests := []struct {
		name      string
		points    journal.WaypointList
		maxPoints int
		wantLen   int
	}{
		{name: "under limit returned as-is", points: makeLine(10), maxPoints: 20, wantLen: 10},
		{name: "at limit returned as-is", points: makeLine(20), maxPoints: 20, wantLen: 20},
		{name: "over limit reduced", points: makeLine(2001), maxPoints: 100, wantLen: 100},
		{name: "two point limit keeps endpoints", points: makeLine(50), maxPoints: 2, wantLen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Downsample(tt.points, tt.maxPoints)
			if len(got) != tt.wantLen {
				t.Fatalf("Downsample() returned %d points, want %d", len(got), tt.wantLen)
			}
			if len(tt.points) > 0 {
				if got[0] != tt.points[0] {
					t.Errorf("Downsample() dropped first point")
				}
				if got[len(got)-1] != tt.points[len(tt.points)-1] {
					t.Errorf("Downsample() dropped last point")
				}
			}
			// downsampling is idempotent
			again := Downsample(got, tt.maxPoints)
			if !reflect.DeepEqual(got, again) {
				t.Errorf("Downsample() not idempotent")
			}
		})
	}
}
