package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/reminder"
	"github.com/example/ride-dispatch/internal/reservation"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/worklog"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Storage: postgres when a DSN is configured, in-memory otherwise.
	var (
		rides  storage.RideStore
		states storage.DriverStateStore
		logs   storage.WorkLogStore
		users  storage.UserStore
		resv   storage.Reserver
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		rides, states, logs, users, resv = pg, pg, pg, pg, pg
		logger.Info("using postgres storage")
	} else {
		mem := storage.NewMemoryStore()
		rides, states, logs, users, resv = mem, mem, mem, mem, mem
		logger.Info("using in-memory storage")
	}

	var geoIndex *geo.RedisGeo
	if cfg.RedisAddr != "" {
		geoIndex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer geoIndex.Close()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	var fares payments.FareHolder
	if cfg.StripeAPIKey != "" {
		fares = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	wsreg := notify.NewWSRegistry()
	channels := []notify.Notifier{wsreg, &notify.LogNotifier{Log: logger}}
	if cfg.PushEndpoint != "" && cfg.PushKey != "" {
		channels = append(channels, notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey))
	}
	sender := &notify.Sender{Channels: channels, Log: logger}

	dir := &directory.Service{States: states, Users: users, Geo: geoIndex, Log: logger}
	if producer != nil {
		dir.Bus = producer
	}
	ledger := &worklog.Ledger{Store: logs, CapMinutes: cfg.WorkCapMinutes, Log: logger}
	engine := &matcher.Engine{States: states, Drivers: users, Ledger: ledger, WindowMinutes: cfg.ReservationWindow}
	planner := &routing.Planner{Client: routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.RoutingTimeout), Log: logger}

	coordinator := &reservation.Coordinator{
		Users:    users,
		Rides:    rides,
		Reserver: resv,
		Matcher:  engine,
		Planner:  planner,
		Notify:   sender,
		Fares:    fares,
		Log:      logger,
	}
	rideLifecycle := &lifecycle.Service{
		Rides:     rides,
		Users:     users,
		Directory: dir,
		Ledger:    ledger,
		Notify:    sender,
		Fares:     fares,
		Log:       logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reminders := &reminder.Scheduler{Rides: rides, Notify: sender, Period: cfg.ReminderPeriod, Log: logger}
	go reminders.Run(ctx)

	api := httpapi.NewServer(coordinator, rideLifecycle, dir, wsreg, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()

	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_init.sql")
}
