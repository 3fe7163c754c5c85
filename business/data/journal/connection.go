package journal

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/opendrivejournal/tripcast/foundation/database"
)

// drive states stored on VehicleConnection.LastDriveState
const (
	DriveStateDriving = "driving"
	DriveStateParked  = "parked"
	DriveStateAsleep  = "asleep"
	DriveStateOnline  = "online"
)

// VehicleConnection is the per-user, per-VIN running state of the trip detector.
// The trip-in-progress slot fields are all nil when no trip is open; a trip is
// open exactly when TripStartTime is set.
type VehicleConnection struct {
	Id        string `db:"id" json:"id"`
	UserId    string `db:"user_id" json:"user_id"`
	Vin       string `db:"vin" json:"vin"`
	VehicleId string `db:"vehicle_id" json:"vehicle_id"`
	Active    bool   `db:"active" json:"active"`
	// Timezone is the IANA zone used to render trip dates and HH:MM times
	Timezone string `db:"timezone" json:"timezone"`

	LastOdometerKm *float64   `db:"last_odometer_km" json:"last_odometer_km"`
	LastLatitude   *float64   `db:"last_latitude" json:"last_latitude"`
	LastLongitude  *float64   `db:"last_longitude" json:"last_longitude"`
	LastShiftState *string    `db:"last_shift_state" json:"last_shift_state"`
	LastDriveState *string    `db:"last_drive_state" json:"last_drive_state"`
	LastPolledAt   *time.Time `db:"last_polled_at" json:"last_polled_at"`
	LastGpsAt      *time.Time `db:"last_gps_at" json:"last_gps_at"`

	TripStartTime       *time.Time   `db:"trip_start_time" json:"trip_start_time"`
	TripStartOdometerKm *float64     `db:"trip_start_odometer_km" json:"trip_start_odometer_km"`
	TripStartLatitude   *float64     `db:"trip_start_latitude" json:"trip_start_latitude"`
	TripStartLongitude  *float64     `db:"trip_start_longitude" json:"trip_start_longitude"`
	TripStartLocation   *string      `db:"trip_start_location" json:"trip_start_location"`
	RouteWaypoints      WaypointList `db:"route_waypoints" json:"route_waypoints"`

	ParkedSince       *time.Time `db:"parked_since" json:"parked_since"`
	IdleSince         *time.Time `db:"idle_since" json:"idle_since"`
	ErrorSince        *time.Time `db:"error_since" json:"error_since"`
	ConsecutiveErrors int        `db:"consecutive_errors" json:"consecutive_errors"`
}

// TripInProgress reports whether the trip slot is occupied
func (c *VehicleConnection) TripInProgress() bool {
	return c.TripStartTime != nil
}

// ClearTrip empties the trip-in-progress slot. Once cleared the slot stays
// empty until the state machine records a new start transition.
func (c *VehicleConnection) ClearTrip() {
	c.TripStartTime = nil
	c.TripStartOdometerKm = nil
	c.TripStartLatitude = nil
	c.TripStartLongitude = nil
	c.TripStartLocation = nil
	c.RouteWaypoints = nil
	c.ParkedSince = nil
}

// Location resolves the connection's timezone, falling back to UTC
func (c *VehicleConnection) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	location, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

// GetConnectionByVin retrieves the VehicleConnection for vin, nil when none exists
func GetConnectionByVin(db *sqlx.DB, vin string) (*VehicleConnection, error) {
	rows, err := database.PrepareNamedQueryRowsFromMap(
		"select * from vehicle_connection where vin = :vin", db,
		map[string]interface{}{
			"vin": vin,
		})
	if err != nil {
		return nil, err
	}
	return firstConnectionRow(rows)
}

// GetConnectionById retrieves a VehicleConnection by its id, nil when none exists
func GetConnectionById(db *sqlx.DB, id string) (*VehicleConnection, error) {
	rows, err := database.PrepareNamedQueryRowsFromMap(
		"select * from vehicle_connection where id = :id", db,
		map[string]interface{}{
			"id": id,
		})
	if err != nil {
		return nil, err
	}
	return firstConnectionRow(rows)
}

// GetConnectionsWithOpenTrips returns active connections whose trip slot is occupied,
// for the reaper to inspect
func GetConnectionsWithOpenTrips(db *sqlx.DB) ([]*VehicleConnection, error) {
	rows, err := db.Queryx(
		"select * from vehicle_connection where active = true and trip_start_time is not null")
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve connections with open trips: %w", err)
	}
	return collectConnectionRows(rows)
}

// UpdateConnection writes the full mutable state of conn back to its row
func UpdateConnection(conn *VehicleConnection, db *sqlx.DB) error {
	statementString := "update vehicle_connection set " +
		"active = :active, " +
		"timezone = :timezone, " +
		"last_odometer_km = :last_odometer_km, " +
		"last_latitude = :last_latitude, " +
		"last_longitude = :last_longitude, " +
		"last_shift_state = :last_shift_state, " +
		"last_drive_state = :last_drive_state, " +
		"last_polled_at = :last_polled_at, " +
		"last_gps_at = :last_gps_at, " +
		"trip_start_time = :trip_start_time, " +
		"trip_start_odometer_km = :trip_start_odometer_km, " +
		"trip_start_latitude = :trip_start_latitude, " +
		"trip_start_longitude = :trip_start_longitude, " +
		"trip_start_location = :trip_start_location, " +
		"route_waypoints = :route_waypoints, " +
		"parked_since = :parked_since, " +
		"idle_since = :idle_since, " +
		"error_since = :error_since, " +
		"consecutive_errors = :consecutive_errors " +
		"where id = :id"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, conn)
	return err
}

// DeactivateConnection marks the connection inactive, halting processing for its VIN
func DeactivateConnection(db *sqlx.DB, id string) error {
	_, err := db.NamedExec("update vehicle_connection set active = false where id = :id",
		map[string]interface{}{
			"id": id,
		})
	return err
}

func firstConnectionRow(rows *sqlx.Rows) (*VehicleConnection, error) {
	defer func() {
		_ = rows.Close()
	}()
	if !rows.Next() {
		return nil, rows.Err()
	}
	conn := VehicleConnection{}
	if err := rows.StructScan(&conn); err != nil {
		return nil, err
	}
	return &conn, rows.Err()
}

func collectConnectionRows(rows *sqlx.Rows) ([]*VehicleConnection, error) {
	defer func() {
		_ = rows.Close()
	}()
	var results []*VehicleConnection
	for rows.Next() {
		conn := VehicleConnection{}
		if err := rows.StructScan(&conn); err != nil {
			return nil, err
		}
		results = append(results, &conn)
	}
	return results, rows.Err()
}
