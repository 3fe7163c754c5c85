package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opendrivejournal/tripcast/business/data/journal"
	"github.com/opendrivejournal/tripcast/business/geo"
)

// distance sources
const (
	distanceSourceOdometer = "odometer"
	distanceSourceGps      = "gps"
)

//computeDistance decides the trip distance and its source: the odometer delta
//when both readings exist and moved forward, the great-circle distance between
//start and end GPS otherwise. Returns nil when neither is available.
func computeDistance(end *tripEnd) (*float64, string) {
	if end.startOdometerKm != nil && end.endOdometerKm != nil && *end.endOdometerKm > *end.startOdometerKm {
		distance := *end.endOdometerKm - *end.startOdometerKm
		return &distance, distanceSourceOdometer
	}
	if end.startLatitude != nil && end.startLongitude != nil &&
		end.endLatitude != nil && end.endLongitude != nil {
		distance := geo.Haversine(*end.startLatitude, *end.startLongitude,
			*end.endLatitude, *end.endLongitude) / 1000
		return &distance, distanceSourceGps
	}
	return nil, ""
}

//reconcileOdometer chooses the start and end odometer readings for the trip
//record, filling gaps from the known distance and the linked vehicle's current
//odometer, and never letting the end reading fall below the start
func reconcileOdometer(end *tripEnd, distanceKm float64, vehicleOdometerKm *float64) (float64, float64) {
	var startOdo, endOdo float64
	switch {
	case end.startOdometerKm != nil && end.endOdometerKm != nil:
		startOdo = *end.startOdometerKm
		endOdo = *end.endOdometerKm
	case end.startOdometerKm != nil:
		startOdo = *end.startOdometerKm
		endOdo = startOdo + distanceKm
	case end.endOdometerKm != nil:
		endOdo = *end.endOdometerKm
		startOdo = endOdo - distanceKm
	default:
		if vehicleOdometerKm != nil {
			startOdo = *vehicleOdometerKm
		}
		endOdo = startOdo + distanceKm
	}
	if endOdo < startOdo {
		endOdo = startOdo + distanceKm
	}
	return roundKm(startOdo), roundKm(endOdo)
}

//classifyTrip returns business when either trip endpoint falls inside a
//business geofence, private otherwise
func classifyTrip(end *tripEnd, fences []*journal.Geofence) string {
	endpoints := [][2]*float64{
		{end.startLatitude, end.startLongitude},
		{end.endLatitude, end.endLongitude},
	}
	for _, point := range endpoints {
		if point[0] == nil || point[1] == nil {
			continue
		}
		fence := geo.FindMatchingFence(*point[0], *point[1], fences)
		if fence != nil && fence.TripType == journal.TripTypeBusiness {
			return journal.TripTypeBusiness
		}
	}
	return journal.TripTypePrivate
}

//buildNotes encodes the distance provenance and close reason
func buildNotes(source string, reason string) string {
	if source == distanceSourceGps {
		return fmt.Sprintf("Distance estimated via GPS (odometer unavailable); closed: %s", reason)
	}
	return fmt.Sprintf("Distance from odometer; closed: %s", reason)
}

//buildTrip assembles the immutable trip record from a tripEnd and its resolved
//collaborator inputs. Returns nil when the trip has no usable distance or is
//below minDistanceKm and must be discarded.
func buildTrip(end *tripEnd,
	fences []*journal.Geofence,
	vehicleOdometerKm *float64,
	endLocation string,
	snapped journal.WaypointList,
	workday bool,
	minDistanceKm float64) *journal.Trip {

	distance, source := computeDistance(end)
	if distance == nil || *distance < minDistanceKm {
		return nil
	}
	startOdo, endOdo := reconcileOdometer(end, *distance, vehicleOdometerKm)

	location, err := time.LoadLocation(end.timezone)
	if err != nil || end.timezone == "" {
		location = time.UTC
	}
	localStart := end.startTime.In(location)
	localEnd := end.endTime.In(location)

	startLocation := "Unknown"
	if end.startLocation != nil {
		startLocation = *end.startLocation
	}

	return &journal.Trip{
		Id:               uuid.NewString(),
		UserId:           end.userId,
		VehicleId:        end.vehicleId,
		Date:             localStart.Format("2006-01-02"),
		StartTime:        localStart.Format("15:04"),
		EndTime:          localEnd.Format("15:04"),
		StartLocation:    startLocation,
		EndLocation:      endLocation,
		StartOdometerKm:  startOdo,
		EndOdometerKm:    endOdo,
		DistanceKm:       roundKm(*distance),
		TripType:         classifyTrip(end, fences),
		AutoLogged:       true,
		Workday:          workday,
		StartLatitude:    roundCoordPtr(end.startLatitude),
		StartLongitude:   roundCoordPtr(end.startLongitude),
		EndLatitude:      roundCoordPtr(end.endLatitude),
		EndLongitude:     roundCoordPtr(end.endLongitude),
		RouteCoordinates: end.waypoints,
		RouteGeometry:    snapped,
		Notes:            buildNotes(source, end.reason),
		StartedAt:        end.startTime.UTC(),
		EndedAt:          end.endTime.UTC(),
	}
}

//closeTrip resolves collaborator inputs for a tripEnd, persists the resulting
//trip and pushes the vehicle odometer forward. Enrichment failures degrade the
//record; only the trip insert itself is a hard failure.
func (s *Service) closeTrip(end *tripEnd) error {
	fences, err := journal.GetGeofencesForUser(s.db, end.userId)
	if err != nil {
		s.log.Printf("vin %s: unable to load geofences, classifying without them. error:%v", end.vin, err)
	}

	var vehicleOdometerKm *float64
	if vehicle, vehicleErr := journal.GetVehicle(s.db, end.vehicleId); vehicleErr == nil && vehicle != nil {
		vehicleOdometerKm = vehicle.CurrentOdometerKm
	}

	endLocation := "Unknown"
	if end.endLatitude != nil && end.endLongitude != nil {
		endLocation = s.resolveAddress(*end.endLatitude, *end.endLongitude)
	}

	var snapped journal.WaypointList
	if len(end.waypoints) >= 2 && s.snapper != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SnapTimeout)
		snapped, err = s.snapper.Snap(ctx, end.waypoints)
		cancel()
		if err != nil {
			s.log.Printf("vin %s: road snapping failed, keeping raw route. error:%v", end.vin, err)
			snapped = nil
		}
	}

	workday := s.workdays.IsWorkday(localTripDate(end))

	trip := buildTrip(end, fences, vehicleOdometerKm, endLocation, snapped, workday, s.cfg.MinDistanceKm)
	if trip == nil {
		s.log.Printf("vin %s: discarding trip below %.1f km (reason %s)", end.vin, s.cfg.MinDistanceKm, end.reason)
		return nil
	}

	if err := journal.RecordTrip(trip, s.db); err != nil {
		return fmt.Errorf("unable to record trip for vin %s: %w", end.vin, err)
	}
	s.log.Printf("vin %s: recorded %s trip %s %s-%s, %.1f km (%s)", end.vin, trip.TripType,
		trip.Date, trip.StartTime, trip.EndTime, trip.DistanceKm, end.reason)

	if err := journal.UpdateVehicleTelemetry(s.db, end.vehicleId, &trip.EndOdometerKm, nil); err != nil {
		s.log.Printf("vin %s: unable to push vehicle odometer forward. error:%v", end.vin, err)
	}
	if s.publisher != nil {
		s.publisher.publishTrip(trip)
	}
	return nil
}

//resolveAddress reverse geocodes a coordinate, degrading to a "lat,lon" string
func (s *Service) resolveAddress(lat, lon float64) string {
	if s.geocoder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GeocodeTimeout)
		defer cancel()
		address, err := s.geocoder.Reverse(ctx, lat, lon)
		if err == nil && address != "" {
			return address
		}
		s.log.Printf("reverse geocoding (%f,%f) failed, using coordinates. error:%v", lat, lon, err)
	}
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

func localTripDate(end *tripEnd) time.Time {
	location, err := time.LoadLocation(end.timezone)
	if err != nil || end.timezone == "" {
		location = time.UTC
	}
	return end.startTime.In(location)
}

func roundKm(v float64) float64 {
	return math.Round(v*10) / 10
}

func roundCoordPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	rounded := math.Round(*v*1e6) / 1e6
	return &rounded
}
