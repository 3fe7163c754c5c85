package monitor

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/opendrivejournal/tripcast/business/data/journal"
)

func makeTripEnd(startOdo, endOdo *float64) *tripEnd {
	return &tripEnd{
		userId:          "user-1",
		vehicleId:       "vehicle-1",
		vin:             testVin,
		timezone:        "Europe/Stockholm",
		reason:          reasonShiftedToPark,
		startTime:       baseTime,
		startOdometerKm: startOdo,
		startLatitude:   float64Ptr(parkedLat),
		startLongitude:  float64Ptr(parkedLon),
		endTime:         baseTime.Add(20 * time.Minute),
		endOdometerKm:   endOdo,
		endLatitude:     float64Ptr(movedLat),
		endLongitude:    float64Ptr(movedLon),
	}
}

func Test_computeDistance(t *testing.T) {
	tests := []struct {
		name       string
		end        *tripEnd
		want       float64
		wantSource string
		wantNil    bool
	}{
		{
			name:       "odometer delta preferred",
			end:        makeTripEnd(float64Ptr(10000), float64Ptr(10006)),
			want:       6.0,
			wantSource: distanceSourceOdometer,
		},
		{
			name:       "gps fallback when odometer missing",
			end:        makeTripEnd(nil, nil),
			want:       2.91,
			wantSource: distanceSourceGps,
		},
		{
			name:       "gps fallback when odometer did not move",
			end:        makeTripEnd(float64Ptr(10000), float64Ptr(10000)),
			want:       2.91,
			wantSource: distanceSourceGps,
		},
		{
			name: "nothing available",
			end: &tripEnd{startTime: baseTime, endTime: baseTime.Add(time.Minute),
				startOdometerKm: float64Ptr(10000)},
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, source := computeDistance(tt.end)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("computeDistance() = %v, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("computeDistance() = nil, want %v", tt.want)
			}
			if math.Abs(*got-tt.want) > 0.02 {
				t.Errorf("computeDistance() = %v, want %v", *got, tt.want)
			}
			if source != tt.wantSource {
				t.Errorf("computeDistance() source = %s, want %s", source, tt.wantSource)
			}
		})
	}
}

func Test_reconcileOdometer(t *testing.T) {
	tests := []struct {
		name       string
		end        *tripEnd
		distanceKm float64
		vehicleOdo *float64
		wantStart  float64
		wantEnd    float64
	}{
		{
			name:       "both readings present",
			end:        makeTripEnd(float64Ptr(10000), float64Ptr(10006)),
			distanceKm: 6.0,
			wantStart:  10000, wantEnd: 10006,
		},
		{
			name:       "end filled from start plus distance",
			end:        makeTripEnd(float64Ptr(10000), nil),
			distanceKm: 2.9,
			wantStart:  10000, wantEnd: 10002.9,
		},
		{
			name:       "start filled from end minus distance",
			end:        makeTripEnd(nil, float64Ptr(10006)),
			distanceKm: 2.9,
			wantStart:  10003.1, wantEnd: 10006,
		},
		{
			name:       "vehicle odometer seeds both when neither present",
			end:        makeTripEnd(nil, nil),
			distanceKm: 2.9,
			vehicleOdo: float64Ptr(20000),
			wantStart:  20000, wantEnd: 20002.9,
		},
		{
			name:       "nothing known starts from zero",
			end:        makeTripEnd(nil, nil),
			distanceKm: 2.9,
			wantStart:  0, wantEnd: 2.9,
		},
		{
			name:       "end below start corrected forward",
			end:        makeTripEnd(float64Ptr(10006), float64Ptr(10000)),
			distanceKm: 2.9,
			wantStart:  10006, wantEnd: 10008.9,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd := reconcileOdometer(tt.end, tt.distanceKm, tt.vehicleOdo)
			if gotStart != tt.wantStart {
				t.Errorf("reconcileOdometer() start = %v, want %v", gotStart, tt.wantStart)
			}
			if gotEnd != tt.wantEnd {
				t.Errorf("reconcileOdometer() end = %v, want %v", gotEnd, tt.wantEnd)
			}
		})
	}
}

func Test_classifyTrip(t *testing.T) {
	officeFence := &journal.Geofence{Id: "f1", Name: "office",
		Latitude: parkedLat, Longitude: parkedLon, RadiusMeters: 200,
		TripType: journal.TripTypeBusiness}
	homeFence := &journal.Geofence{Id: "f2", Name: "home",
		Latitude: movedLat, Longitude: movedLon, RadiusMeters: 200,
		TripType: journal.TripTypePrivate}

	tests := []struct {
		name   string
		fences []*journal.Geofence
		want   string
	}{
		{name: "start inside business fence", fences: []*journal.Geofence{officeFence}, want: journal.TripTypeBusiness},
		{name: "private fence does not make business", fences: []*journal.Geofence{homeFence}, want: journal.TripTypePrivate},
		{name: "no fences defaults private", fences: nil, want: journal.TripTypePrivate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			end := makeTripEnd(float64Ptr(10000), float64Ptr(10006))
			if got := classifyTrip(end, tt.fences); got != tt.want {
				t.Errorf("classifyTrip() = %s, want %s", got, tt.want)
			}
		})
	}
}

func Test_buildTrip(t *testing.T) {
	end := makeTripEnd(float64Ptr(10000), float64Ptr(10006))
	end.startLocation = strPtr("Kungsgatan 1, Stockholm")

	trip := buildTrip(end, nil, nil, "Sveavägen 10, Stockholm", nil, true, 0.1)
	if trip == nil {
		t.Fatalf("expected a trip record")
	}
	if trip.DistanceKm != 6.0 {
		t.Errorf("expected distance 6.0, got %v", trip.DistanceKm)
	}
	if trip.StartOdometerKm != 10000 || trip.EndOdometerKm != 10006 {
		t.Errorf("expected odometers 10000/10006, got %v/%v", trip.StartOdometerKm, trip.EndOdometerKm)
	}
	//baseTime is 08:00 UTC; Stockholm is UTC+1 in November
	if trip.Date != "2023-11-14" {
		t.Errorf("expected local date 2023-11-14, got %s", trip.Date)
	}
	if trip.StartTime != "09:00" || trip.EndTime != "09:20" {
		t.Errorf("expected local times 09:00-09:20, got %s-%s", trip.StartTime, trip.EndTime)
	}
	if trip.StartLocation != "Kungsgatan 1, Stockholm" {
		t.Errorf("unexpected start location %s", trip.StartLocation)
	}
	if !trip.AutoLogged {
		t.Errorf("expected auto logged trip")
	}
	if !trip.Workday {
		t.Errorf("expected workday flag carried through")
	}
	if !strings.Contains(trip.Notes, "odometer") || !strings.Contains(trip.Notes, reasonShiftedToPark) {
		t.Errorf("unexpected notes %q", trip.Notes)
	}
	if !trip.StartedAt.Equal(baseTime) || !trip.EndedAt.Equal(baseTime.Add(20*time.Minute)) {
		t.Errorf("expected UTC instants preserved, got %v-%v", trip.StartedAt, trip.EndedAt)
	}
}

func Test_buildTrip_gpsDistanceNote(t *testing.T) {
	end := makeTripEnd(nil, nil)
	trip := buildTrip(end, nil, nil, "somewhere", nil, false, 0.1)
	if trip == nil {
		t.Fatalf("expected a trip record")
	}
	if math.Abs(trip.DistanceKm-2.9) > 0.05 {
		t.Errorf("expected GPS distance about 2.9 km, got %v", trip.DistanceKm)
	}
	if !strings.Contains(trip.Notes, "GPS") {
		t.Errorf("expected GPS provenance in notes, got %q", trip.Notes)
	}
}

func Test_buildTrip_discardsShortTrips(t *testing.T) {
	end := makeTripEnd(float64Ptr(10000), float64Ptr(10000.05))
	if trip := buildTrip(end, nil, nil, "somewhere", nil, false, 0.1); trip != nil {
		t.Errorf("expected trip below minimum distance discarded, got %+v", trip)
	}

	noData := &tripEnd{startTime: baseTime, endTime: baseTime.Add(time.Minute)}
	if trip := buildTrip(noData, nil, nil, "somewhere", nil, false, 0.1); trip != nil {
		t.Errorf("expected trip without distance discarded, got %+v", trip)
	}
}

func Test_buildNotes(t *testing.T) {
	odometerNote := buildNotes(distanceSourceOdometer, reasonGpsTimeout)
	if odometerNote != "Distance from odometer; closed: gps_timeout" {
		t.Errorf("unexpected odometer note %q", odometerNote)
	}
	gpsNote := buildNotes(distanceSourceGps, reasonOffline)
	if gpsNote != "Distance estimated via GPS (odometer unavailable); closed: offline" {
		t.Errorf("unexpected gps note %q", gpsNote)
	}
}
