package monitor

import (
	"time"

	"github.com/opendrivejournal/tripcast/business/data/journal"
)

//reapTick force-closes trips that have gone silent, exceeded the stale age,
//sat past the parked confirmation window or accumulated errors too long.
//Runs under the same per-VIN lock as the dispatcher.
func (s *Service) reapTick() {
	conns, err := journal.GetConnectionsWithOpenTrips(s.db)
	if err != nil {
		s.log.Printf("reaper: unable to load connections with open trips. error:%v", err)
		return
	}
	for _, conn := range conns {
		s.reapConnection(conn)
	}
}

func (s *Service) reapConnection(conn *journal.VehicleConnection) {
	lock := s.vinLock(conn.Vin)
	lock.Lock()
	defer lock.Unlock()

	//re-read under the lock; the dispatcher may have closed the trip meanwhile
	current, err := journal.GetConnectionByVin(s.db, conn.Vin)
	if err != nil {
		s.log.Printf("reaper: vin %s: unable to reload connection. error:%v", conn.Vin, err)
		return
	}
	if current == nil || !current.TripInProgress() {
		return
	}

	now := time.Now()
	reason := reapReason(current, s.cfg, now)
	if reason == "" {
		return
	}

	s.log.Printf("reaper: vin %s: force-closing trip open since %v (%s)",
		current.Vin, current.TripStartTime, reason)
	end := takeTripEnd(current, reason, now)
	if err := s.closeTrip(end); err != nil {
		s.log.Printf("reaper: vin %s: unable to close trip. error:%v", current.Vin, err)
		return
	}
	if err := journal.UpdateConnection(current, s.db); err != nil {
		s.log.Printf("reaper: vin %s: unable to persist connection. error:%v", current.Vin, err)
	}
}

//reapReason picks the force-close reason for a connection with an open trip,
//empty when the trip should stay open. GPS silence wins over stale age, stale
//age over the parked confirmation window, and persistent errors come last.
func reapReason(conn *journal.VehicleConnection, cfg Config, now time.Time) string {
	switch {
	case conn.LastGpsAt != nil && now.Sub(*conn.LastGpsAt) >= cfg.GpsSilence:
		return reasonGpsTimeout
	case now.Sub(*conn.TripStartTime) > cfg.StaleTrip:
		return reasonStaleAge
	case cfg.ParkedConfirmation > 0 && conn.ParkedSince != nil &&
		now.Sub(*conn.ParkedSince) >= cfg.ParkedConfirmation:
		return reasonParked
	case conn.ErrorSince != nil && now.Sub(*conn.ErrorSince) > cfg.ErrorTimeout:
		return reasonErrorTimeout
	}
	return ""
}

//retentionTick deletes telemetry events older than the retention window
func (s *Service) retentionTick() {
	cutoff := time.Now().Add(-s.cfg.EventRetention)
	removed, err := journal.DeleteEventsBefore(s.db, cutoff)
	if err != nil {
		s.log.Printf("retention: unable to delete events before %v. error:%v", cutoff, err)
		return
	}
	if removed > 0 {
		s.log.Printf("retention: deleted %d telemetry events older than %v", removed, cutoff)
	}
}
