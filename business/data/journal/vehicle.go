package journal

import (
	"github.com/jmoiron/sqlx"
	"github.com/opendrivejournal/tripcast/foundation/database"
)

// Vehicle is the linked vehicle record. The trip detection core only reads it
// and writes the current odometer and battery level.
type Vehicle struct {
	Id                string   `db:"id" json:"id"`
	UserId            string   `db:"user_id" json:"user_id"`
	Vin               string   `db:"vin" json:"vin"`
	DisplayName       string   `db:"display_name" json:"display_name"`
	CurrentOdometerKm *float64 `db:"current_odometer_km" json:"current_odometer_km"`
	BatteryLevel      *float64 `db:"battery_level" json:"battery_level"`
}

// GetVehicle retrieves a Vehicle by id, nil when none exists
func GetVehicle(db *sqlx.DB, id string) (*Vehicle, error) {
	rows, err := database.PrepareNamedQueryRowsFromMap(
		"select * from vehicle where id = :id", db,
		map[string]interface{}{
			"id": id,
		})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vehicle := Vehicle{}
	if err := rows.StructScan(&vehicle); err != nil {
		return nil, err
	}
	return &vehicle, rows.Err()
}

// UpdateVehicleTelemetry writes the vehicle's current odometer and battery level.
// The odometer write is monotonic: the row only changes when odometerKm is
// strictly greater than the stored value.
func UpdateVehicleTelemetry(db *sqlx.DB, id string, odometerKm *float64, batteryLevel *float64) error {
	if odometerKm != nil {
		_, err := db.NamedExec("update vehicle set current_odometer_km = :odometer_km "+
			"where id = :id and (current_odometer_km is null or current_odometer_km < :odometer_km)",
			map[string]interface{}{
				"id":          id,
				"odometer_km": *odometerKm,
			})
		if err != nil {
			return err
		}
	}
	if batteryLevel != nil {
		_, err := db.NamedExec("update vehicle set battery_level = :battery_level where id = :id",
			map[string]interface{}{
				"id":            id,
				"battery_level": *batteryLevel,
			})
		if err != nil {
			return err
		}
	}
	return nil
}
