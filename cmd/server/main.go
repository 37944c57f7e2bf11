// Package main is the entry point for the ledgercore accounting service.
// It wires the event store, command orchestrator, outbox dispatcher,
// general-ledger projection and maintenance jobs, then serves the HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/bus"
	"github.com/finvault/ledgercore/internal/clients/exchangerate"
	"github.com/finvault/ledgercore/internal/config"
	"github.com/finvault/ledgercore/internal/database"
	"github.com/finvault/ledgercore/internal/eventstore"
	"github.com/finvault/ledgercore/internal/modules/chart"
	"github.com/finvault/ledgercore/internal/modules/journal"
	"github.com/finvault/ledgercore/internal/outbox"
	"github.com/finvault/ledgercore/internal/projections"
	"github.com/finvault/ledgercore/internal/reliability"
	"github.com/finvault/ledgercore/internal/resilience"
	"github.com/finvault/ledgercore/internal/scheduler"
	"github.com/finvault/ledgercore/internal/server"
	"github.com/finvault/ledgercore/internal/services"
	"github.com/finvault/ledgercore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting ledgercore")

	// Three-database layout: the append-only event log gets the most durable
	// pragma profile, the account read model a balanced one, and projection
	// snapshots the fastest since they are rebuildable.
	databases := openDatabases(cfg, log)
	defer func() {
		for _, db := range databases {
			_ = db.Close()
		}
	}()

	ledgerDB := databases["ledger"]
	projectionDB := databases["projection"]
	cacheDB := databases["cache"]

	store := eventstore.NewSQLiteStore(ledgerDB, log)
	outboxRepo := outbox.NewRepository(ledgerDB, log)
	accounts := chart.NewAccountRepository(projectionDB.Conn(), log)
	periods := journal.NewPeriodService(log)

	rateClient := exchangerate.NewClient(cfg.ExchangeRateURL, log)
	converter := services.NewConverter(rateClient, cfg.BaseCurrency, 0, log)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: uint32(cfg.Breaker.SuccessThreshold),
		MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
	}, log)

	accounting := services.NewAccountingService(store, outboxRepo, accounts, periods, converter, breakers, log)

	// The projection consumes from the in-process bus; a configured broker
	// additionally receives every message for external consumers.
	generalLedger := projections.NewGeneralLedger(log)
	snapshots := projections.NewSnapshotStore(cacheDB, log)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := snapshots.LoadGeneralLedger(bootCtx, generalLedger)
	bootCancel()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load projection snapshot, starting cold")
	} else if restored {
		log.Info().Msg("Projection restored from snapshot")
	}

	memoryBus := bus.NewMemoryBus()
	memoryBus.SubscribeAll(generalLedger.HandleMessage)

	var publisher bus.Publisher = memoryBus
	var brokerPublisher *bus.WebSocketPublisher
	if cfg.BrokerURL != "" {
		brokerPublisher = bus.NewWebSocketPublisher(cfg.BrokerURL, log)
		publisher = bus.Fanout{memoryBus, brokerPublisher}
		log.Info().Str("url", cfg.BrokerURL).Msg("Broker publishing enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, outbox.DispatcherConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		LeaseTimeout: cfg.Outbox.LeaseTimeout,
	}, log)
	dispatcher.Start(ctx)

	sched := startScheduler(cfg, databases, outboxRepo, generalLedger, snapshots, log)

	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		Databases:  databases,
		Accounting: accounting,
		Accounts:   accounts,
		Ledger:     generalLedger,
		Periods:    periods,
		Outbox:     outboxRepo,
		Breakers:   breakers,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop producing before stopping the dispatcher so a final drain can
	// flush what the last requests enqueued.
	dispatcher.Drain(shutdownCtx)
	cancel()
	dispatcher.Stop()
	sched.Stop()

	if brokerPublisher != nil {
		_ = brokerPublisher.Close()
	}

	if err := snapshots.SaveGeneralLedger(shutdownCtx, generalLedger); err != nil {
		log.Warn().Err(err).Msg("Failed to save projection snapshot on shutdown")
	}

	log.Info().Msg("Shutdown complete")
}

// openDatabases opens and migrates the three databases. Any failure here is
// fatal: the service cannot run without its event log.
func openDatabases(cfg *config.Config, log zerolog.Logger) map[string]*database.DB {
	specs := []struct {
		name    string
		profile database.Profile
	}{
		{"ledger", database.ProfileLedger},
		{"projection", database.ProfileStandard},
		{"cache", database.ProfileCache},
	}

	databases := make(map[string]*database.DB, len(specs))
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			log.Fatal().Err(err).Str("database", spec.name).Msg("Failed to open database")
		}
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", spec.name).Msg("Failed to migrate database")
		}
		databases[spec.name] = db
	}
	return databases
}

// startScheduler registers and starts the background maintenance jobs.
func startScheduler(
	cfg *config.Config,
	databases map[string]*database.DB,
	outboxRepo *outbox.Repository,
	generalLedger *projections.GeneralLedger,
	snapshots *projections.SnapshotStore,
	log zerolog.Logger,
) *scheduler.Scheduler {
	sched := scheduler.New(log)
	backups := reliability.NewBackupService(databases, cfg.BackupDir, log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"@every 1m", reliability.NewOutboxMaintenanceJob(outboxRepo, cfg.Outbox.LeaseTimeout, cfg.Outbox.Retention, log)},
		{"@every 5m", reliability.NewSnapshotJob(generalLedger, snapshots, log)},
		{"@hourly", reliability.NewHourlyBackupJob(backups)},
		{"0 0 1 * * *", reliability.NewDailyBackupJob(backups)},
		{"0 0 2 * * *", reliability.NewDailyMaintenanceJob(databases, cfg.DataDir, log)},
	}

	for _, entry := range jobs {
		if err := sched.AddJob(entry.schedule, entry.job); err != nil {
			log.Fatal().Err(err).Str("job", entry.job.Name()).Msg("Failed to schedule job")
		}
	}

	if cfg.S3.Bucket != "" {
		s3Ctx, s3Cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s3Client, err := reliability.NewS3Client(s3Ctx, reliability.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.Endpoint != "",
		}, log)
		s3Cancel()
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize S3 client, offsite backups disabled")
		} else {
			offsite := reliability.NewS3BackupService(s3Client, backups, cfg.DataDir, cfg.S3.KeepBackups, log)
			if err := sched.AddJob("0 30 3 * * *", reliability.NewOffsiteBackupJob(offsite, log)); err != nil {
				log.Fatal().Err(err).Msg("Failed to schedule offsite backup job")
			}
			log.Info().Str("bucket", cfg.S3.Bucket).Msg("Offsite backups enabled")
		}
	}

	sched.Start()
	return sched
}
