package journal

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/opendrivejournal/tripcast/foundation/database"
)

// Geofence is a circular region tagged with the trip type it implies.
// Read-only to the trip detection core.
type Geofence struct {
	Id           string  `db:"id" json:"id"`
	UserId       string  `db:"user_id" json:"user_id"`
	Name         string  `db:"name" json:"name"`
	Latitude     float64 `db:"latitude" json:"latitude"`
	Longitude    float64 `db:"longitude" json:"longitude"`
	RadiusMeters float64 `db:"radius_meters" json:"radius_meters"`
	TripType     string  `db:"trip_type" json:"trip_type"`
}

// GetGeofencesForUser returns the user's geofences in insertion order,
// the order fence matching is resolved in
func GetGeofencesForUser(db *sqlx.DB, userId string) ([]*Geofence, error) {
	rows, err := database.PrepareNamedQueryRowsFromMap(
		"select * from geofence where user_id = :user_id order by created_at, id", db,
		map[string]interface{}{
			"user_id": userId,
		})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve geofences for user %s: %w", userId, err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var results []*Geofence
	for rows.Next() {
		fence := Geofence{}
		if err := rows.StructScan(&fence); err != nil {
			return nil, err
		}
		results = append(results, &fence)
	}
	return results, rows.Err()
}
