package monitor

import (
	"io"
	logger "log"
	"time"

	"github.com/opendrivejournal/tripcast/business/data/journal"
)

const testVin = "5YJ3E1EA7KF000316"

func strPtr(s string) *string {
	return &s
}

func float64Ptr(f float64) *float64 {
	return &f
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func makeTestLog() *logger.Logger {
	return logger.New(io.Discard, "", 0)
}

func makeTestConfig() Config {
	return Config{
		GpsSilence:         3 * time.Minute,
		StaleTrip:          12 * time.Hour,
		ParkedConfirmation: 0,
		ErrorTimeout:       10 * time.Minute,
		MinDistanceKm:      0.1,
		EventRetention:     24 * time.Hour,
		MaxWaypoints:       2000,
		EventBatchSize:     100,
	}
}

//makeParkedConnection builds a connection for testVin sitting parked at the
//given position and odometer reading
func makeParkedConnection(odometerKm, latitude, longitude float64, at time.Time) *journal.VehicleConnection {
	driveState := journal.DriveStateParked
	shift := "P"
	return &journal.VehicleConnection{
		Id:             "conn-1",
		UserId:         "user-1",
		Vin:            testVin,
		VehicleId:      "vehicle-1",
		Active:         true,
		Timezone:       "Europe/Stockholm",
		LastOdometerKm: float64Ptr(odometerKm),
		LastLatitude:   float64Ptr(latitude),
		LastLongitude:  float64Ptr(longitude),
		LastShiftState: &shift,
		LastDriveState: &driveState,
		LastPolledAt:   timePtr(at),
		LastGpsAt:      timePtr(at),
	}
}

func makeGpsEvent(at time.Time, latitude, longitude float64) *journal.TelemetryEvent {
	return &journal.TelemetryEvent{
		Id:        "event-" + at.Format("150405"),
		UserId:    "user-1",
		Vin:       testVin,
		CreatedAt: at,
		Source:    journal.SourceWebhook,
		Latitude:  float64Ptr(latitude),
		Longitude: float64Ptr(longitude),
	}
}
