package journal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Waypoint is a single raw GPS coordinate on a route
type Waypoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// WaypointList is an ordered route of Waypoints, persisted as a jsonb column
type WaypointList []Waypoint

// Value implements driver.Valuer so a WaypointList can be bound in sqlx named statements
func (w WaypointList) Value() (driver.Value, error) {
	if w == nil {
		return nil, nil
	}
	return json.Marshal(w)
}

// Scan implements sql.Scanner for reading a WaypointList back from a jsonb column
func (w *WaypointList) Scan(src interface{}) error {
	if src == nil {
		*w = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, w)
	case string:
		return json.Unmarshal([]byte(v), w)
	}
	return fmt.Errorf("unable to scan WaypointList from %T", src)
}

// Last returns the final Waypoint in the list, or nil if the list is empty
func (w WaypointList) Last() *Waypoint {
	lastIndex := len(w) - 1
	if lastIndex < 0 {
		return nil
	}
	return &w[lastIndex]
}
