package monitor

import (
	"testing"
	"time"

	"github.com/opendrivejournal/tripcast/business/data/journal"
)

//makeOpenTripConnection builds a healthy open-trip connection: trip open for
//an hour, GPS seen moments ago
func makeOpenTripConnection(now time.Time) *journal.VehicleConnection {
	conn := makeParkedConnection(10006, movedLat, movedLon, now.Add(-time.Minute))
	conn.TripStartTime = timePtr(now.Add(-time.Hour))
	conn.TripStartOdometerKm = float64Ptr(10000)
	conn.TripStartLatitude = float64Ptr(parkedLat)
	conn.TripStartLongitude = float64Ptr(parkedLon)
	return conn
}

func Test_reapReason(t *testing.T) {
	now := baseTime.Add(24 * time.Hour)
	cfg := makeTestConfig()
	confirmCfg := makeTestConfig()
	confirmCfg.ParkedConfirmation = 2 * time.Minute

	tests := []struct {
		name   string
		cfg    Config
		mutate func(conn *journal.VehicleConnection)
		want   string
	}{
		{
			name:   "healthy open trip stays open",
			cfg:    cfg,
			mutate: func(conn *journal.VehicleConnection) {},
			want:   "",
		},
		{
			name: "gps silence",
			cfg:  cfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.LastGpsAt = timePtr(now.Add(-5 * time.Minute))
			},
			want: reasonGpsTimeout,
		},
		{
			name: "trip open past the stale limit",
			cfg:  cfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.TripStartTime = timePtr(now.Add(-13 * time.Hour))
			},
			want: reasonStaleAge,
		},
		{
			name: "gps silence wins over stale age",
			cfg:  cfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.LastGpsAt = timePtr(now.Add(-5 * time.Minute))
				conn.TripStartTime = timePtr(now.Add(-13 * time.Hour))
			},
			want: reasonGpsTimeout,
		},
		{
			name: "parked past the confirmation window",
			cfg:  confirmCfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.ParkedSince = timePtr(now.Add(-3 * time.Minute))
			},
			want: reasonParked,
		},
		{
			name: "parked confirmation disabled",
			cfg:  cfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.ParkedSince = timePtr(now.Add(-3 * time.Minute))
			},
			want: "",
		},
		{
			name: "stale age wins over parked confirmation",
			cfg:  confirmCfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.TripStartTime = timePtr(now.Add(-13 * time.Hour))
				conn.ParkedSince = timePtr(now.Add(-3 * time.Minute))
			},
			want: reasonStaleAge,
		},
		{
			name: "errors persisted past the error timeout",
			cfg:  cfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.ErrorSince = timePtr(now.Add(-11 * time.Minute))
				conn.ConsecutiveErrors = 4
			},
			want: reasonErrorTimeout,
		},
		{
			name: "recent errors under the timeout stay open",
			cfg:  cfg,
			mutate: func(conn *journal.VehicleConnection) {
				conn.ErrorSince = timePtr(now.Add(-time.Minute))
				conn.ConsecutiveErrors = 2
			},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := makeOpenTripConnection(now)
			tt.mutate(conn)
			if got := reapReason(conn, tt.cfg, now); got != tt.want {
				t.Errorf("reapReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
