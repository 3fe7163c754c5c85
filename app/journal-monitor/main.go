package main

import (
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/nats-io/nats.go"
	"github.com/opendrivejournal/tripcast/app/journal-monitor/monitor"
	"github.com/opendrivejournal/tripcast/foundation/database"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "JOURNAL_MONITOR : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User       string `conf:"default:postgres"`
			Password   string `conf:"default:postgres,noprint"`
			Host       string `conf:"default:0.0.0.0"`
			Name       string `conf:"default:postgres"`
			DisableTLS bool   `conf:"default:true"`
		}
		Web struct {
			HttpPort     int    `conf:"default:8090"`
			WebhookToken string `conf:"noprint"`
		}
		Trip struct {
			GpsSilenceSeconds         int     `conf:"default:180"`
			StaleTripSeconds          int     `conf:"default:43200"`
			ParkedConfirmationSeconds int     `conf:"default:0"`
			ErrorTimeoutSeconds       int     `conf:"default:600"`
			MinDistanceKm             float64 `conf:"default:0.1"`
			EventRetentionSeconds     int     `conf:"default:86400"`
			MaxWaypoints              int     `conf:"default:2000"`
			EventBatchSize            int     `conf:"default:100"`
			DispatcherIntervalSeconds int     `conf:"default:5"`
			ReaperIntervalSeconds     int     `conf:"default:120"`
			RetentionIntervalSeconds  int     `conf:"default:3600"`
		}
		Clients struct {
			GeocodeUrl             string `conf:"default:https://nominatim.openstreetmap.org"`
			SnapUrl                string `conf:"default:https://router.project-osrm.org"`
			ProviderUrl            string
			ProviderToken          string `conf:"noprint"`
			GeocodeTimeoutSeconds  int    `conf:"default:10"`
			ProviderTimeoutSeconds int    `conf:"default:30"`
		}
		Nats struct {
			Url string
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Detect and record vehicle trips from telemetry events"
	const prefix = "JOURNAL"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Println("main: Initializing database support")

	db, err := database.Open(database.Config{
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Host:       cfg.DB.Host,
		Name:       cfg.DB.Name,
		DisableTLS: cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		err = db.Close()
		if err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	var natsConnection *nats.Conn
	if cfg.Nats.Url != "" {
		log.Printf("main: Connecting to NATS at %s", cfg.Nats.Url)
		natsConnection, err = nats.Connect(cfg.Nats.Url)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsConnection.Close()
	}

	monitorCfg := monitor.Config{
		GpsSilence:         time.Duration(cfg.Trip.GpsSilenceSeconds) * time.Second,
		StaleTrip:          time.Duration(cfg.Trip.StaleTripSeconds) * time.Second,
		ParkedConfirmation: time.Duration(cfg.Trip.ParkedConfirmationSeconds) * time.Second,
		ErrorTimeout:       time.Duration(cfg.Trip.ErrorTimeoutSeconds) * time.Second,
		MinDistanceKm:      cfg.Trip.MinDistanceKm,
		EventRetention:     time.Duration(cfg.Trip.EventRetentionSeconds) * time.Second,
		MaxWaypoints:       cfg.Trip.MaxWaypoints,
		EventBatchSize:     cfg.Trip.EventBatchSize,
		DispatcherInterval: time.Duration(cfg.Trip.DispatcherIntervalSeconds) * time.Second,
		ReaperInterval:     time.Duration(cfg.Trip.ReaperIntervalSeconds) * time.Second,
		RetentionInterval:  time.Duration(cfg.Trip.RetentionIntervalSeconds) * time.Second,
		GeocodeTimeout:     time.Duration(cfg.Clients.GeocodeTimeoutSeconds) * time.Second,
		SnapTimeout:        time.Duration(cfg.Clients.GeocodeTimeoutSeconds) * time.Second,
		ProviderTimeout:    time.Duration(cfg.Clients.ProviderTimeoutSeconds) * time.Second,
		HttpPort:           cfg.Web.HttpPort,
		WebhookToken:       cfg.Web.WebhookToken,
	}

	service := monitor.NewService(log, db, monitorCfg, natsConnection,
		cfg.Clients.GeocodeUrl, cfg.Clients.SnapUrl, cfg.Clients.ProviderUrl, cfg.Clients.ProviderToken)

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	return service.Run(shutdown)
}
