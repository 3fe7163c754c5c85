package monitor

import (
	"log"
	"time"

	"github.com/opendrivejournal/tripcast/business/data/journal"
	"github.com/opendrivejournal/tripcast/business/geo"
)

const (
	//minTripStartMoveMeters is how far a vehicle must move between observations
	//before a trip starts; anything less is GPS jitter
	minTripStartMoveMeters = 30.0
	//waypointSpacingMeters is the minimum gap between recorded route waypoints
	waypointSpacingMeters = 15.0
	//drivingMoveMeters is the GPS movement treated as evidence of driving when
	//no shift state is available
	drivingMoveMeters = 50.0
	//drivingOdoDeltaKm is the odometer delta treated as evidence of driving
	drivingOdoDeltaKm = 0.1
)

// trip end reasons
const (
	reasonGpsTimeout    = "gps_timeout"
	reasonStale         = "stale"
	reasonStaleAge      = "stale_age"
	reasonShiftedToPark = "shifted_to_park"
	reasonParked        = "parked"
	reasonOffline       = "offline"
	reasonErrorTimeout  = "error_timeout"
)

//eventSignals holds the derived per-event signals the transitions read.
//prev* fields capture the connection snapshot before the event is applied.
type eventSignals struct {
	hasGps       bool
	movedMeters  float64
	odoDeltaKm   float64
	shiftDriving bool
	shiftParked  bool
	offline      bool
	stateOnly    bool
	isDriving    bool
	isParked     bool

	prevLatitude   *float64
	prevLongitude  *float64
	prevOdometerKm *float64
}

//deriveSignals computes eventSignals for e against the current connection snapshot
func deriveSignals(conn *journal.VehicleConnection, e *journal.TelemetryEvent) eventSignals {
	sig := eventSignals{
		hasGps:         e.HasGps(),
		offline:        e.Offline(),
		stateOnly:      e.IsStateOnly(),
		prevLatitude:   copyFloat(conn.LastLatitude),
		prevLongitude:  copyFloat(conn.LastLongitude),
		prevOdometerKm: copyFloat(conn.LastOdometerKm),
	}
	if sig.hasGps && conn.LastLatitude != nil && conn.LastLongitude != nil {
		sig.movedMeters = geo.Haversine(*conn.LastLatitude, *conn.LastLongitude, *e.Latitude, *e.Longitude)
	}
	if e.OdometerKm != nil && conn.LastOdometerKm != nil {
		sig.odoDeltaKm = *e.OdometerKm - *conn.LastOdometerKm
	}
	if e.ShiftState != nil {
		switch *e.ShiftState {
		case "D", "R", "N":
			sig.shiftDriving = true
		case "P", "SNA":
			sig.shiftParked = true
		}
	}
	sig.isDriving = !sig.offline && (sig.shiftDriving ||
		(e.ShiftState == nil && (sig.movedMeters > drivingMoveMeters ||
			(e.Speed != nil && *e.Speed > 0) ||
			sig.odoDeltaKm > drivingOdoDeltaKm)))
	sig.isParked = sig.offline || sig.shiftParked || (e.ShiftState == nil && !sig.isDriving)
	return sig
}

//tripEnd snapshots everything the trip writer needs to close a trip; by the
//time the writer runs, the connection's trip slot has already been cleared
type tripEnd struct {
	userId    string
	vehicleId string
	vin       string
	timezone  string
	reason    string

	startTime       time.Time
	startOdometerKm *float64
	startLatitude   *float64
	startLongitude  *float64
	startLocation   *string
	waypoints       journal.WaypointList

	endTime       time.Time
	endOdometerKm *float64
	endLatitude   *float64
	endLongitude  *float64
}

//takeTripEnd snapshots the open trip into a tripEnd, clears the trip slot and
//performs the end-of-trip connection bookkeeping
func takeTripEnd(conn *journal.VehicleConnection, reason string, at time.Time) *tripEnd {
	end := &tripEnd{
		userId:          conn.UserId,
		vehicleId:       conn.VehicleId,
		vin:             conn.Vin,
		timezone:        conn.Timezone,
		reason:          reason,
		startTime:       *conn.TripStartTime,
		startOdometerKm: copyFloat(conn.TripStartOdometerKm),
		startLatitude:   copyFloat(conn.TripStartLatitude),
		startLongitude:  copyFloat(conn.TripStartLongitude),
		startLocation:   copyString(conn.TripStartLocation),
		waypoints:       append(journal.WaypointList(nil), conn.RouteWaypoints...),
		endTime:         at,
		endOdometerKm:   copyFloat(conn.LastOdometerKm),
		endLatitude:     copyFloat(conn.LastLatitude),
		endLongitude:    copyFloat(conn.LastLongitude),
	}
	conn.ClearTrip()
	driveState := journal.DriveStateParked
	conn.LastDriveState = &driveState
	idleAt := at
	conn.IdleSince = &idleAt
	conn.ConsecutiveErrors = 0
	conn.ErrorSince = nil
	return end
}

//machineResult is the outcome of running one event through the state machine.
//end is non-nil when a trip closed; started is true when a new trip opened and
//its start location still needs resolving.
type machineResult struct {
	end     *tripEnd
	started bool
}

//evalEvent advances the trip state machine for one event. It mutates conn in
//memory only; the caller is responsible for persisting the connection, closing
//any returned tripEnd and resolving the start location of a new trip.
//Transitions are evaluated top to bottom, first match wins, except that a
//stale-trip force close lets the event continue through the later transitions.
func evalEvent(log *log.Logger, cfg Config, conn *journal.VehicleConnection, e *journal.TelemetryEvent) machineResult {
	var result machineResult
	sig := deriveSignals(conn, e)
	now := e.CreatedAt

	//state-only events update the poll clock and can only close a trip on GPS silence
	if sig.stateOnly {
		polledAt := now
		conn.LastPolledAt = &polledAt
		if sig.offline {
			driveState := journal.DriveStateAsleep
			conn.LastDriveState = &driveState
		}
		if conn.TripInProgress() && conn.LastGpsAt != nil && now.Sub(*conn.LastGpsAt) > cfg.GpsSilence {
			log.Printf("vin %s: no GPS for %v during open trip, closing", conn.Vin, now.Sub(*conn.LastGpsAt))
			result.end = takeTripEnd(conn, reasonGpsTimeout, now)
		}
		return result
	}

	applySnapshot(conn, e, now)

	//force-close a pathologically long trip, then let the event continue
	if conn.TripInProgress() && now.Sub(*conn.TripStartTime) > cfg.StaleTrip {
		log.Printf("vin %s: trip open since %v exceeded stale limit, closing", conn.Vin, conn.TripStartTime)
		result.end = takeTripEnd(conn, reasonStale, now)
	}

	if conn.TripInProgress() && e.ShiftState != nil && *e.ShiftState == "P" {
		if cfg.ParkedConfirmation <= 0 {
			result.end = takeTripEnd(conn, reasonShiftedToPark, now)
			return result
		}
		if conn.ParkedSince == nil {
			parkedAt := now
			conn.ParkedSince = &parkedAt
			return result
		}
		if now.Sub(*conn.ParkedSince) >= cfg.ParkedConfirmation {
			result.end = takeTripEnd(conn, reasonParked, now)
		}
		return result
	}

	if !conn.TripInProgress() && sig.hasGps && sig.movedMeters > minTripStartMoveMeters {
		startTrip(conn, e, sig)
		result.started = true
		return result
	}

	if conn.TripInProgress() && sig.hasGps {
		extendTrip(conn, e, cfg.MaxWaypoints)
		conn.ParkedSince = nil
		return result
	}

	if conn.TripInProgress() && sig.offline {
		result.end = takeTripEnd(conn, reasonOffline, now)
		return result
	}

	return result
}

//applySnapshot records the event's measurements as the connection's last-observed state
func applySnapshot(conn *journal.VehicleConnection, e *journal.TelemetryEvent, now time.Time) {
	polledAt := now
	conn.LastPolledAt = &polledAt
	if e.OdometerKm != nil {
		conn.LastOdometerKm = copyFloat(e.OdometerKm)
	}
	if e.HasGps() {
		conn.LastLatitude = copyFloat(e.Latitude)
		conn.LastLongitude = copyFloat(e.Longitude)
		gpsAt := now
		conn.LastGpsAt = &gpsAt
	}
	if e.ShiftState != nil {
		conn.LastShiftState = copyString(e.ShiftState)
	}
}

//startTrip opens the trip slot. The start point prefers the snapshot taken
//before this movement, so the trip is anchored where the vehicle was parked
//rather than where GPS first caught it moving.
func startTrip(conn *journal.VehicleConnection, e *journal.TelemetryEvent, sig eventSignals) {
	startLatitude := copyFloat(e.Latitude)
	startLongitude := copyFloat(e.Longitude)
	if sig.prevLatitude != nil && sig.prevLongitude != nil {
		startLatitude = sig.prevLatitude
		startLongitude = sig.prevLongitude
	}
	startOdometer := copyFloat(e.OdometerKm)
	if sig.prevOdometerKm != nil {
		startOdometer = sig.prevOdometerKm
	}

	startedAt := e.CreatedAt
	conn.TripStartTime = &startedAt
	conn.TripStartOdometerKm = startOdometer
	conn.TripStartLatitude = startLatitude
	conn.TripStartLongitude = startLongitude
	conn.TripStartLocation = nil
	conn.RouteWaypoints = journal.WaypointList{{Latitude: *startLatitude, Longitude: *startLongitude}}
	if geo.Haversine(*startLatitude, *startLongitude, *e.Latitude, *e.Longitude) >= waypointSpacingMeters {
		conn.RouteWaypoints = append(conn.RouteWaypoints,
			journal.Waypoint{Latitude: *e.Latitude, Longitude: *e.Longitude})
	}
	conn.ParkedSince = nil
	conn.IdleSince = nil
	driveState := journal.DriveStateDriving
	conn.LastDriveState = &driveState
}

//extendTrip appends the event position to the route when it has moved far
//enough from the previous waypoint, capping the route by downsampling
func extendTrip(conn *journal.VehicleConnection, e *journal.TelemetryEvent, maxWaypoints int) {
	last := conn.RouteWaypoints.Last()
	if last != nil && geo.Haversine(last.Latitude, last.Longitude, *e.Latitude, *e.Longitude) < waypointSpacingMeters {
		return
	}
	conn.RouteWaypoints = append(conn.RouteWaypoints,
		journal.Waypoint{Latitude: *e.Latitude, Longitude: *e.Longitude})
	if len(conn.RouteWaypoints) > maxWaypoints {
		conn.RouteWaypoints = geo.Downsample(conn.RouteWaypoints, maxWaypoints)
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
