package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/opendrivejournal/tripcast/business/data/journal"
	"github.com/opendrivejournal/tripcast/business/geo"
)

const (
	//rebuildWaypointSpacingMeters is the minimum gap between reconstructed route waypoints
	rebuildWaypointSpacingMeters = 20.0
	//rebuildIdleGap closes an open segment once this long passes without a driving event
	rebuildIdleGap = 2 * time.Minute
	//defaultRebuildHours is the lookback when the operator doesn't give one
	defaultRebuildHours = 24

	reasonReconstructed = "reconstructed"
)

//RebuildResult reports what the reconstructor did for one vin
type RebuildResult struct {
	Vin          string   `json:"vin"`
	TripsCreated int      `json:"trips_created"`
	Details      []string `json:"details"`
}

//rebuildSegment is one contiguous stretch of driving found in the event history
type rebuildSegment struct {
	startedAt     time.Time
	endedAt       time.Time
	lastDrivingAt time.Time

	startOdometerKm *float64
	endOdometerKm   *float64
	startLatitude   *float64
	startLongitude  *float64
	endLatitude     *float64
	endLongitude    *float64
	maxSpeed        float64
	waypoints       journal.WaypointList
}

//rebuildTracker carries the last observed odometer and GPS position across the
//event walk, used both to detect movement and to anchor segment starts
type rebuildTracker struct {
	latitude   *float64
	longitude  *float64
	odometerKm *float64
}

//rebuildTrips replays up to sinceHours of stored events for a vin and logs any
//trips the live path missed. Segments that match an existing trip for the same
//day are skipped, so rerunning over already-processed history creates nothing.
func (s *Service) rebuildTrips(vin string, sinceHours int) (*RebuildResult, error) {
	if sinceHours <= 0 {
		sinceHours = defaultRebuildHours
	}
	conn, err := journal.GetConnectionByVin(s.db, vin)
	if err != nil {
		return nil, fmt.Errorf("unable to load connection for vin %s: %w", vin, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("no connection for vin %s", vin)
	}

	since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	events, err := journal.GetEventsByVin(s.db, vin, since)
	if err != nil {
		return nil, fmt.Errorf("unable to load events for vin %s: %w", vin, err)
	}
	result := &RebuildResult{Vin: vin, Details: []string{}}
	if len(events) == 0 {
		result.Details = append(result.Details, "no events in window")
		return result, nil
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].Id < events[j].Id
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	segments := segmentEvents(events)
	s.log.Printf("vin %s: reconstructor found %d driving segments in %d events", vin, len(segments), len(events))

	tripsByDate := map[string][]*journal.Trip{}
	for _, seg := range segments {
		end := seg.toTripEnd(conn)
		label := fmt.Sprintf("segment %s-%s",
			end.startTime.Format("15:04"), end.endTime.Format("15:04"))

		distance, _ := computeDistance(end)
		if distance == nil {
			result.Details = append(result.Details, label+": no usable distance, skipped")
			continue
		}
		if *distance < s.cfg.MinDistanceKm {
			result.Details = append(result.Details,
				fmt.Sprintf("%s: %.2f km below minimum, skipped", label, *distance))
			continue
		}

		date := localTripDate(end).Format("2006-01-02")
		existing, present := tripsByDate[date]
		if !present {
			existing, err = journal.GetTripsByVehicleAndDate(s.db, conn.VehicleId, date)
			if err != nil {
				return nil, fmt.Errorf("unable to load trips for vehicle %s on %s: %w", conn.VehicleId, date, err)
			}
			tripsByDate[date] = existing
		}
		if dup := findDuplicateTrip(end, existing); dup != nil {
			result.Details = append(result.Details,
				fmt.Sprintf("%s: already logged as trip %s-%s, skipped", label, dup.StartTime, dup.EndTime))
			continue
		}

		if end.startLatitude != nil && end.startLongitude != nil {
			startLocation := s.resolveAddress(*end.startLatitude, *end.startLongitude)
			end.startLocation = &startLocation
		}
		if err = s.closeTrip(end); err != nil {
			return result, err
		}
		result.TripsCreated++
		result.Details = append(result.Details,
			fmt.Sprintf("%s: created trip, %.1f km", label, *distance))
	}
	return result, nil
}

//segmentEvents walks the ordered event history and cuts it into driving segments
func segmentEvents(events []*journal.TelemetryEvent) []*rebuildSegment {
	var segments []*rebuildSegment
	var current *rebuildSegment
	var tracker rebuildTracker

	for _, e := range events {
		driving := isDrivingEvent(e, &tracker)

		if driving {
			if current == nil {
				current = openSegment(e, &tracker)
			} else {
				current.extend(e)
			}
			current.lastDrivingAt = e.CreatedAt
		} else if current != nil {
			if e.CreatedAt.Sub(current.lastDrivingAt) >= rebuildIdleGap {
				segments = append(segments, current)
				current = nil
			} else {
				//tentatively extend; the vehicle may only be briefly stopped
				current.extend(e)
			}
		}

		tracker.observe(e)
	}
	if current != nil {
		segments = append(segments, current)
	}
	return segments
}

//isDrivingEvent decides whether an event is evidence of driving. A shift state
//reported while the vehicle is offline with no speed is stale and ignored.
func isDrivingEvent(e *journal.TelemetryEvent, tracker *rebuildTracker) bool {
	shiftDriving := e.ShiftState != nil &&
		(*e.ShiftState == "D" || *e.ShiftState == "R" || *e.ShiftState == "N")
	speedZero := e.Speed == nil || *e.Speed == 0
	staleShift := shiftDriving && e.Offline() && speedZero
	if shiftDriving && !staleShift {
		return true
	}
	if e.Speed != nil && *e.Speed > 0 {
		return true
	}
	if e.HasGps() && tracker.latitude != nil && tracker.longitude != nil &&
		geo.Haversine(*tracker.latitude, *tracker.longitude, *e.Latitude, *e.Longitude) > drivingMoveMeters {
		return true
	}
	if e.OdometerKm != nil && tracker.odometerKm != nil &&
		*e.OdometerKm-*tracker.odometerKm > drivingOdoDeltaKm {
		return true
	}
	return false
}

//observe records the event's position and odometer as the latest observations
func (t *rebuildTracker) observe(e *journal.TelemetryEvent) {
	if e.HasGps() {
		t.latitude = copyFloat(e.Latitude)
		t.longitude = copyFloat(e.Longitude)
	}
	if e.OdometerKm != nil {
		t.odometerKm = copyFloat(e.OdometerKm)
	}
}

//openSegment starts a segment at e, anchored at the last observation before
//the movement when one exists
func openSegment(e *journal.TelemetryEvent, tracker *rebuildTracker) *rebuildSegment {
	seg := &rebuildSegment{
		startedAt:       e.CreatedAt,
		endedAt:         e.CreatedAt,
		lastDrivingAt:   e.CreatedAt,
		startOdometerKm: copyFloat(e.OdometerKm),
		startLatitude:   copyFloat(e.Latitude),
		startLongitude:  copyFloat(e.Longitude),
	}
	if tracker.odometerKm != nil {
		seg.startOdometerKm = copyFloat(tracker.odometerKm)
	}
	if tracker.latitude != nil && tracker.longitude != nil {
		seg.startLatitude = copyFloat(tracker.latitude)
		seg.startLongitude = copyFloat(tracker.longitude)
	}
	if seg.startLatitude != nil && seg.startLongitude != nil {
		seg.waypoints = journal.WaypointList{{Latitude: *seg.startLatitude, Longitude: *seg.startLongitude}}
	}
	seg.extend(e)
	return seg
}

//extend folds an event into the segment's end state and route
func (seg *rebuildSegment) extend(e *journal.TelemetryEvent) {
	seg.endedAt = e.CreatedAt
	if e.OdometerKm != nil {
		seg.endOdometerKm = copyFloat(e.OdometerKm)
	}
	if e.HasGps() {
		seg.endLatitude = copyFloat(e.Latitude)
		seg.endLongitude = copyFloat(e.Longitude)
		last := seg.waypoints.Last()
		if last == nil ||
			geo.Haversine(last.Latitude, last.Longitude, *e.Latitude, *e.Longitude) > rebuildWaypointSpacingMeters {
			seg.waypoints = append(seg.waypoints, journal.Waypoint{Latitude: *e.Latitude, Longitude: *e.Longitude})
		}
	}
	if e.Speed != nil && *e.Speed > seg.maxSpeed {
		seg.maxSpeed = *e.Speed
	}
}

//toTripEnd converts a segment into the writer's tripEnd form
func (seg *rebuildSegment) toTripEnd(conn *journal.VehicleConnection) *tripEnd {
	return &tripEnd{
		userId:          conn.UserId,
		vehicleId:       conn.VehicleId,
		vin:             conn.Vin,
		timezone:        conn.Timezone,
		reason:          reasonReconstructed,
		startTime:       seg.startedAt,
		startOdometerKm: seg.startOdometerKm,
		startLatitude:   seg.startLatitude,
		startLongitude:  seg.startLongitude,
		waypoints:       seg.waypoints,
		endTime:         seg.endedAt,
		endOdometerKm:   seg.endOdometerKm,
		endLatitude:     seg.endLatitude,
		endLongitude:    seg.endLongitude,
	}
}

//findDuplicateTrip returns the first existing trip the segment collides with:
//same auto-logged start minute, overlapping odometer interval, or overlapping
//time interval
func findDuplicateTrip(end *tripEnd, existing []*journal.Trip) *journal.Trip {
	location, err := time.LoadLocation(end.timezone)
	if err != nil || end.timezone == "" {
		location = time.UTC
	}
	startHHMM := end.startTime.In(location).Format("15:04")

	for _, trip := range existing {
		if trip.AutoLogged && trip.StartTime == startHHMM {
			return trip
		}
		if end.startOdometerKm != nil && end.endOdometerKm != nil &&
			*end.startOdometerKm < trip.EndOdometerKm && trip.StartOdometerKm < *end.endOdometerKm {
			return trip
		}
		if end.startTime.Before(trip.EndedAt) && trip.StartedAt.Before(end.endTime) {
			return trip
		}
	}
	return nil
}
