package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendrivejournal/tripcast/business/data/journal"
)

//dispatchTick drains a batch of unprocessed telemetry events and runs them
//through the per-VIN state machines. A tick that finds the previous one still
//running is skipped entirely.
func (s *Service) dispatchTick() {
	if !atomic.CompareAndSwapInt32(&s.dispatching, 0, 1) {
		s.log.Printf("previous dispatcher tick still running, skipping")
		return
	}
	defer atomic.StoreInt32(&s.dispatching, 0)

	events, err := journal.GetUnprocessedEvents(s.db, s.cfg.EventBatchSize)
	if err != nil {
		s.log.Printf("error loading unprocessed events. error:%v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	byVin := make(map[string][]*journal.TelemetryEvent)
	for _, event := range events {
		byVin[event.Vin] = append(byVin[event.Vin], event)
	}

	for vin, vinEvents := range byVin {
		s.processVinEvents(vin, vinEvents)
	}
}

//vinLock returns the mutex serializing all processing for a VIN, shared by the
//dispatcher and the reaper
func (s *Service) vinLock(vin string) *sync.Mutex {
	s.vinMu.Lock()
	defer s.vinMu.Unlock()
	lock, present := s.vinLocks[vin]
	if !present {
		lock = &sync.Mutex{}
		s.vinLocks[vin] = lock
	}
	return lock
}

//processVinEvents replays one VIN's events in (createdAt, id) order. On the
//first failure the remaining events are left unprocessed for the next tick;
//other VINs are unaffected.
func (s *Service) processVinEvents(vin string, events []*journal.TelemetryEvent) {
	lock := s.vinLock(vin)
	lock.Lock()
	defer lock.Unlock()

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].Id < events[j].Id
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	conn, err := journal.GetConnectionByVin(s.db, vin)
	if err != nil {
		s.log.Printf("vin %s: unable to load connection, leaving %d events for retry. error:%v",
			vin, len(events), err)
		return
	}
	if conn == nil || !conn.Active {
		//events without an active connection are discarded, not retried forever
		s.log.Printf("vin %s: no active connection, discarding %d events", vin, len(events))
		ids := make([]string, 0, len(events))
		for _, event := range events {
			ids = append(ids, event.Id)
		}
		if err := journal.MarkEventsProcessed(s.db, ids); err != nil {
			s.log.Printf("vin %s: unable to discard events. error:%v", vin, err)
		}
		return
	}

	for _, event := range events {
		s.autoEnrich(conn, event)
		if err := s.handleEvent(conn, event); err != nil {
			s.eventFailed(conn, event, err)
			return
		}
		if err := journal.MarkEventsProcessed(s.db, []string{event.Id}); err != nil {
			s.log.Printf("vin %s: unable to mark event %s processed. error:%v", vin, event.Id, err)
			return
		}
	}
}

//handleEvent runs one event through the state machine and makes the resulting
//writes durable: trip close first, then start-location resolution, vehicle
//snapshot push and the connection update. An error leaves the event
//unprocessed so the next tick retries from consistent stored state.
func (s *Service) handleEvent(conn *journal.VehicleConnection, event *journal.TelemetryEvent) error {
	result := evalEvent(s.log, s.cfg, conn, event)

	if result.end != nil {
		if err := s.closeTrip(result.end); err != nil {
			return err
		}
	}
	if result.started && conn.TripStartLatitude != nil && conn.TripStartLongitude != nil {
		address := s.resolveAddress(*conn.TripStartLatitude, *conn.TripStartLongitude)
		conn.TripStartLocation = &address
	}
	if event.OdometerKm != nil || event.BatteryLevel != nil {
		if err := journal.UpdateVehicleTelemetry(s.db, conn.VehicleId, event.OdometerKm, event.BatteryLevel); err != nil {
			s.log.Printf("vin %s: unable to update vehicle telemetry. error:%v", conn.Vin, err)
		}
	}

	conn.ConsecutiveErrors = 0
	conn.ErrorSince = nil
	return journal.UpdateConnection(conn, s.db)
}

//eventFailed records a processing failure on the connection and force-closes
//the open trip once failures have persisted past the error timeout. The
//in-memory conn may hold half-applied state from the failed event, including a
//trip slot already cleared for a close that never became durable, so the
//bookkeeping is applied to a freshly loaded copy and only that copy is
//persisted. The open trip stays in the store for the retry.
func (s *Service) eventFailed(conn *journal.VehicleConnection, event *journal.TelemetryEvent, err error) {
	s.log.Printf("vin %s: error processing event %s, will retry next tick. error:%v",
		conn.Vin, event.Id, err)
	stored, loadErr := journal.GetConnectionByVin(s.db, conn.Vin)
	if loadErr != nil || stored == nil {
		s.log.Printf("vin %s: unable to reload connection to record error state. error:%v",
			conn.Vin, loadErr)
		return
	}
	now := time.Now()
	stored.ConsecutiveErrors++
	if stored.ErrorSince == nil {
		stored.ErrorSince = &now
	}
	if stored.TripInProgress() && now.Sub(*stored.ErrorSince) > s.cfg.ErrorTimeout {
		errorCount, errorSince := stored.ConsecutiveErrors, stored.ErrorSince
		end := takeTripEnd(stored, reasonErrorTimeout, now)
		if closeErr := s.closeTrip(end); closeErr != nil {
			s.log.Printf("vin %s: unable to force-close trip after error timeout, keeping it open. error:%v",
				conn.Vin, closeErr)
			stored, loadErr = journal.GetConnectionByVin(s.db, conn.Vin)
			if loadErr != nil || stored == nil {
				s.log.Printf("vin %s: unable to reload connection to record error state. error:%v",
					conn.Vin, loadErr)
				return
			}
			stored.ConsecutiveErrors = errorCount
			stored.ErrorSince = errorSince
		}
	}
	if updateErr := journal.UpdateConnection(stored, s.db); updateErr != nil {
		s.log.Printf("vin %s: unable to record error state on connection. error:%v", conn.Vin, updateErr)
	}
}

//autoEnrich fills a state-only event from the upstream provider while a trip
//is open, so GPS silence isn't declared when fresh data was one call away.
//Strictly best-effort.
func (s *Service) autoEnrich(conn *journal.VehicleConnection, event *journal.TelemetryEvent) {
	if s.provider == nil || !event.IsStateOnly() || !conn.TripInProgress() {
		return
	}
	data, err := s.fetchVehicleData(conn.Vin)
	if err != nil {
		s.log.Printf("vin %s: auto-enrich fetch failed. error:%v", conn.Vin, err)
		return
	}
	if data == nil {
		return
	}
	event.Source = journal.SourceAutoFetch
	event.ShiftState = data.ShiftState
	event.Speed = data.Speed
	event.SpeedUnit = data.SpeedUnit
	event.OdometerKm = data.OdometerKm
	event.Latitude = data.Latitude
	event.Longitude = data.Longitude
	event.BatteryLevel = data.BatteryLevel
	if data.VehicleState != nil {
		event.VehicleState = data.VehicleState
	}
}

//fetchVehicleData pulls current vehicle data from the provider under the
//configured timeout
func (s *Service) fetchVehicleData(vin string) (*vehicleData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProviderTimeout)
	defer cancel()
	return s.provider.FetchVehicleData(ctx, vin)
}
