package journal

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/opendrivejournal/tripcast/foundation/database"
)

// telemetry event sources
const (
	SourceWebhook   = "webhook"
	SourceAutoFetch = "auto_fetch"
	SourceStateOnly = "state_only"
)

// TelemetryEvent is one normalized telemetry observation for a vehicle.
// Rows are append-only; Processed flips to true exactly once after the
// dispatcher has run the event through the trip state machine.
// Measurement fields are pointers and nil when the provider omitted them.
type TelemetryEvent struct {
	Id           string    `db:"id" json:"id"`
	UserId       string    `db:"user_id" json:"user_id"`
	Vin          string    `db:"vin" json:"vin"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	Source       string    `db:"source" json:"source"`
	ShiftState   *string   `db:"shift_state" json:"shift_state"`
	Speed        *float64  `db:"speed" json:"speed"`
	SpeedUnit    *string   `db:"speed_unit" json:"speed_unit"`
	OdometerKm   *float64  `db:"odometer_km" json:"odometer_km"`
	Latitude     *float64  `db:"latitude" json:"latitude"`
	Longitude    *float64  `db:"longitude" json:"longitude"`
	BatteryLevel *float64  `db:"battery_level" json:"battery_level"`
	VehicleState *string   `db:"vehicle_state" json:"vehicle_state"`
	Processed    bool      `db:"processed" json:"processed"`
	RawPayload   *string   `db:"raw_payload" json:"raw_payload"`
}

// HasGps returns true when the event carries both coordinates
func (e *TelemetryEvent) HasGps() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// IsStateOnly returns true when the event carries no position, odometer or shift state
func (e *TelemetryEvent) IsStateOnly() bool {
	return !e.HasGps() && e.OdometerKm == nil && e.ShiftState == nil
}

// Offline returns true when the vehicle reported itself offline or asleep
func (e *TelemetryEvent) Offline() bool {
	return e.VehicleState != nil && (*e.VehicleState == "offline" || *e.VehicleState == "asleep")
}

// RecordTelemetryEvent appends a TelemetryEvent
func RecordTelemetryEvent(event *TelemetryEvent, db *sqlx.DB) error {
	statementString := "insert into telemetry_event ( " +
		"id, " +
		"user_id, " +
		"vin, " +
		"created_at, " +
		"source, " +
		"shift_state, " +
		"speed, " +
		"speed_unit, " +
		"odometer_km, " +
		"latitude, " +
		"longitude, " +
		"battery_level, " +
		"vehicle_state, " +
		"processed, " +
		"raw_payload) " +
		"values (" +
		":id, " +
		":user_id, " +
		":vin, " +
		":created_at, " +
		":source, " +
		":shift_state, " +
		":speed, " +
		":speed_unit, " +
		":odometer_km, " +
		":latitude, " +
		":longitude, " +
		":battery_level, " +
		":vehicle_state, " +
		":processed, " +
		":raw_payload)"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, event)
	return err
}

// GetUnprocessedEvents returns up to limit unprocessed events in (created_at, id) order,
// a stable order suitable for per-VIN replay
func GetUnprocessedEvents(db *sqlx.DB, limit int) ([]*TelemetryEvent, error) {
	query := "select * from telemetry_event where processed = false " +
		"order by created_at, id limit :row_limit"
	rows, err := database.PrepareNamedQueryRowsFromMap(query, db, map[string]interface{}{
		"row_limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve unprocessed telemetry events: %w", err)
	}
	return collectEventRows(rows)
}

// GetEventsByVin returns all events for vin created at or after since, in (created_at, id) order
func GetEventsByVin(db *sqlx.DB, vin string, since time.Time) ([]*TelemetryEvent, error) {
	query := "select * from telemetry_event where vin = :vin and created_at >= :since " +
		"order by created_at, id"
	rows, err := database.PrepareNamedQueryRowsFromMap(query, db, map[string]interface{}{
		"vin":   vin,
		"since": since,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve telemetry events for vin %s: %w", vin, err)
	}
	return collectEventRows(rows)
}

// MarkEventsProcessed flips the processed flag for ids
func MarkEventsProcessed(db *sqlx.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := database.PrepareNamedQueryFromMap(
		"update telemetry_event set processed = true where id in (:ids)", db,
		map[string]interface{}{
			"ids": ids,
		})
	if err != nil {
		return err
	}
	_, err = db.Exec(query, args...)
	return err
}

// DeleteEventsBefore removes events older than cutoff, returning the number removed
func DeleteEventsBefore(db *sqlx.DB, cutoff time.Time) (int64, error) {
	result, err := db.NamedExec("delete from telemetry_event where created_at < :cutoff",
		map[string]interface{}{
			"cutoff": cutoff,
		})
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func collectEventRows(rows *sqlx.Rows) ([]*TelemetryEvent, error) {
	defer func() {
		_ = rows.Close()
	}()
	var results []*TelemetryEvent
	for rows.Next() {
		event := TelemetryEvent{}
		if err := rows.StructScan(&event); err != nil {
			return nil, err
		}
		results = append(results, &event)
	}
	return results, rows.Err()
}
