// Package monitor turns a stream of vehicle telemetry into a durable
// driver's journal of completed trips.
package monitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/rickar/cal/v2"
	"github.com/opendrivejournal/tripcast/foundation/httpclient"
)

// Config carries the tuning knobs of the trip detection core. Defaults are
// applied by the journal-monitor main from its conf surface.
type Config struct {
	//GpsSilence is how long a trip may go without GPS before it is closed
	GpsSilence time.Duration
	//StaleTrip is the maximum age of an open trip before it is force-closed
	StaleTrip time.Duration
	//ParkedConfirmation delays trip close after a Park shift; zero closes immediately
	ParkedConfirmation time.Duration
	//ErrorTimeout force-closes a trip whose connection has failed this long
	ErrorTimeout time.Duration
	//MinDistanceKm discards trips shorter than this
	MinDistanceKm float64
	//EventRetention is how long telemetry events are kept
	EventRetention time.Duration
	//MaxWaypoints caps the in-progress route before downsampling
	MaxWaypoints int
	//EventBatchSize is the most events one dispatcher tick drains
	EventBatchSize int

	DispatcherInterval time.Duration
	ReaperInterval     time.Duration
	RetentionInterval  time.Duration

	GeocodeTimeout  time.Duration
	SnapTimeout     time.Duration
	ProviderTimeout time.Duration

	//WebhookToken, when set, is the shared-secret bearer token the ingestion
	//endpoint requires
	HttpPort     int
	WebhookToken string
}

// Service owns the trip detection core: the store handles, collaborator
// clients and the background loops. Construct with NewService and start with Run.
type Service struct {
	log       *log.Logger
	db        *sqlx.DB
	cfg       Config
	geocoder  reverseGeocoder
	snapper   roadSnapper
	provider  vehicleDataProvider
	publisher tripPublisher
	workdays  *cal.BusinessCalendar

	vinMu    sync.Mutex
	vinLocks map[string]*sync.Mutex

	dispatching int32
}

// NewService wires a Service from its collaborators. natsConnection, and any
// of the collaborator base urls resolved by the caller, may be nil/empty to
// disable that integration.
func NewService(log *log.Logger,
	db *sqlx.DB,
	cfg Config,
	natsConnection *nats.Conn,
	geocodeUrl string,
	snapUrl string,
	providerUrl string,
	providerToken string) *Service {

	s := &Service{
		log:      log,
		db:       db,
		cfg:      cfg,
		workdays: cal.NewBusinessCalendar(),
		vinLocks: make(map[string]*sync.Mutex),
	}
	if geocodeUrl != "" {
		s.geocoder = makeNominatimGeocoder(httpclient.New(cfg.GeocodeTimeout, 2), geocodeUrl)
	}
	if snapUrl != "" {
		s.snapper = makeOsrmSnapper(httpclient.New(cfg.SnapTimeout, 1), snapUrl)
	}
	if providerUrl != "" {
		s.provider = makeProviderClient(
			httpclient.NewWithBearerToken(cfg.ProviderTimeout, 2, providerToken), providerUrl)
	}
	if natsConnection != nil {
		s.publisher = makeNatsTripPublisher(log, natsConnection, "trip-completed")
	}
	return s
}

// Run starts the web service and the dispatcher, reaper and retention loops,
// blocking until a shutdown signal arrives
func (s *Service) Run(shutdownSignal chan os.Signal) error {
	var wg sync.WaitGroup
	stop := make(chan struct{})

	srv := s.createServer()
	go func() {
		s.log.Printf("starting web service on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil {
			s.log.Printf("web service ended. %s", err)
		}
	}()

	s.runLoop(&wg, "dispatcher", s.cfg.DispatcherInterval, stop, s.dispatchTick)
	s.runLoop(&wg, "reaper", s.cfg.ReaperInterval, stop, s.reapTick)
	s.runLoop(&wg, "retention", s.cfg.RetentionInterval, stop, s.retentionTick)

	<-shutdownSignal
	s.log.Printf("shutting down on signal")
	close(stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Printf("error shutting down web service, error:%s", err)
	}
	wg.Wait()
	return nil
}

//runLoop runs tick every interval until stop closes, subtracting the time the
//work took from the next sleep so ticks stay on cadence
func (s *Service) runLoop(wg *sync.WaitGroup,
	name string,
	interval time.Duration,
	stop chan struct{},
	tick func()) {

	wg.Add(1)
	go func() {
		defer wg.Done()
		sleepChan := make(chan bool, 1)
		sleep := time.Duration(0) //run immediately the first time
		for {
			go func(d time.Duration) {
				time.Sleep(d)
				sleepChan <- true
			}(sleep)

			select {
			case <-stop:
				s.log.Printf("%s loop exiting on shutdown signal", name)
				return
			case <-sleepChan:
			}

			start := time.Now()
			tick()
			workTook := time.Since(start)
			if workTook > interval {
				s.log.Printf("%s work took %s, longer than its interval", name, fmtDuration(workTook))
			}

			// if the work took longer than the interval don't sleep at all
			if workTook >= interval {
				sleep = time.Duration(0)
			} else {
				sleep = interval - workTook
			}
		}
	}()
}

//fmtDuration returns a string presentation of time.Duration for logging
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	mill := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d.%d", h, m, mill)
}
