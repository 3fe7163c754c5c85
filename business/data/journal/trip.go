package journal

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/opendrivejournal/tripcast/foundation/database"
)

// trip classifications
const (
	TripTypeBusiness = "business"
	TripTypePrivate  = "private"
)

// Trip is one completed, immutable journal entry for a contiguous driving
// segment. Date and the HH:MM times are rendered in the owning connection's
// timezone; StartedAt/EndedAt keep the exact UTC instants for overlap checks.
type Trip struct {
	Id              string  `db:"id" json:"id"`
	UserId          string  `db:"user_id" json:"user_id"`
	VehicleId       string  `db:"vehicle_id" json:"vehicle_id"`
	Date            string  `db:"date" json:"date"`
	StartTime       string  `db:"start_time" json:"start_time"`
	EndTime         string  `db:"end_time" json:"end_time"`
	StartLocation   string  `db:"start_location" json:"start_location"`
	EndLocation     string  `db:"end_location" json:"end_location"`
	StartOdometerKm float64 `db:"start_odometer_km" json:"start_odometer_km"`
	EndOdometerKm   float64 `db:"end_odometer_km" json:"end_odometer_km"`
	DistanceKm      float64 `db:"distance_km" json:"distance_km"`
	TripType        string  `db:"trip_type" json:"trip_type"`
	AutoLogged      bool    `db:"auto_logged" json:"auto_logged"`
	// Workday is true when the trip date is a business day in the user's zone
	Workday        bool      `db:"workday" json:"workday"`
	StartLatitude  *float64  `db:"start_latitude" json:"start_latitude"`
	StartLongitude *float64  `db:"start_longitude" json:"start_longitude"`
	EndLatitude    *float64  `db:"end_latitude" json:"end_latitude"`
	EndLongitude   *float64  `db:"end_longitude" json:"end_longitude"`
	// RouteCoordinates holds the raw downsampled waypoints; RouteGeometry the
	// road-snapped route, nil when snapping was unavailable
	RouteCoordinates WaypointList `db:"route_coordinates" json:"route_coordinates"`
	RouteGeometry    WaypointList `db:"route_geometry" json:"route_geometry"`
	Notes            string       `db:"notes" json:"notes"`
	StartedAt        time.Time    `db:"started_at" json:"started_at"`
	EndedAt          time.Time    `db:"ended_at" json:"ended_at"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// RecordTrip appends a completed trip
func RecordTrip(trip *Trip, db *sqlx.DB) error {
	trip.CreatedAt = time.Now()

	statementString := "insert into trip ( " +
		"id, " +
		"user_id, " +
		"vehicle_id, " +
		"date, " +
		"start_time, " +
		"end_time, " +
		"start_location, " +
		"end_location, " +
		"start_odometer_km, " +
		"end_odometer_km, " +
		"distance_km, " +
		"trip_type, " +
		"auto_logged, " +
		"workday, " +
		"start_latitude, " +
		"start_longitude, " +
		"end_latitude, " +
		"end_longitude, " +
		"route_coordinates, " +
		"route_geometry, " +
		"notes, " +
		"started_at, " +
		"ended_at, " +
		"created_at) " +
		"values (" +
		":id, " +
		":user_id, " +
		":vehicle_id, " +
		":date, " +
		":start_time, " +
		":end_time, " +
		":start_location, " +
		":end_location, " +
		":start_odometer_km, " +
		":end_odometer_km, " +
		":distance_km, " +
		":trip_type, " +
		":auto_logged, " +
		":workday, " +
		":start_latitude, " +
		":start_longitude, " +
		":end_latitude, " +
		":end_longitude, " +
		":route_coordinates, " +
		":route_geometry, " +
		":notes, " +
		":started_at, " +
		":ended_at, " +
		":created_at)"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, trip)
	return err
}

// GetTripsByVehicleAndDate returns the trips logged for vehicleId on the local date string
func GetTripsByVehicleAndDate(db *sqlx.DB, vehicleId string, date string) ([]*Trip, error) {
	rows, err := database.PrepareNamedQueryRowsFromMap(
		"select * from trip where vehicle_id = :vehicle_id and date = :date "+
			"order by started_at, id", db,
		map[string]interface{}{
			"vehicle_id": vehicleId,
			"date":       date,
		})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve trips for vehicle %s on %s: %w", vehicleId, date, err)
	}
	return collectTripRows(rows)
}

// GetTripsByUser returns up to limit most recent trips for userId
func GetTripsByUser(db *sqlx.DB, userId string, limit int) ([]*Trip, error) {
	rows, err := database.PrepareNamedQueryRowsFromMap(
		"select * from trip where user_id = :user_id order by started_at desc limit :row_limit", db,
		map[string]interface{}{
			"user_id":   userId,
			"row_limit": limit,
		})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve trips for user %s: %w", userId, err)
	}
	return collectTripRows(rows)
}

func collectTripRows(rows *sqlx.Rows) ([]*Trip, error) {
	defer func() {
		_ = rows.Close()
	}()
	var results []*Trip
	for rows.Next() {
		trip := Trip{}
		if err := rows.StructScan(&trip); err != nil {
			return nil, err
		}
		results = append(results, &trip)
	}
	return results, rows.Err()
}
