package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/finvault/ledgercore/internal/database"
	"github.com/finvault/ledgercore/internal/outbox"
	"github.com/finvault/ledgercore/internal/projections"
)

// jobTimeout bounds each maintenance run.
const jobTimeout = 5 * time.Minute

// DailyMaintenanceJob runs the daily health pass: integrity checks, WAL
// checkpoints and a disk-space gate.
type DailyMaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewDailyMaintenanceJob creates the daily maintenance job.
func NewDailyMaintenanceJob(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *DailyMaintenanceJob {
	return &DailyMaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("job", "daily_maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *DailyMaintenanceJob) Name() string { return "daily_maintenance" }

// Run executes the daily maintenance pass.
func (j *DailyMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	j.log.Info().Msg("Starting daily maintenance")
	start := time.Now()

	for name, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Str("database", name).Err(err).Msg("Integrity check failed")
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Not critical; the next checkpoint catches up
			j.log.Warn().Str("database", name).Err(err).Msg("WAL checkpoint failed")
		}
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("Daily maintenance completed successfully")
	return nil
}

func (j *DailyMaintenanceJob) checkDiskSpace() error {
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	freeGB := float64(usage.Free) / 1e9
	j.log.Debug().Float64("free_gb", freeGB).Msg("Disk space check")

	if freeGB < 0.5 {
		j.log.Error().Float64("free_gb", freeGB).Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("only %.2f GB free, halting maintenance", freeGB)
	}
	if freeGB < 5.0 {
		j.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}

// OutboxMaintenanceJob reclaims stale leases and prunes published rows.
type OutboxMaintenanceJob struct {
	repo         *outbox.Repository
	leaseTimeout time.Duration
	retain       time.Duration
	log          zerolog.Logger
}

// NewOutboxMaintenanceJob creates the outbox maintenance job.
func NewOutboxMaintenanceJob(repo *outbox.Repository, leaseTimeout, retain time.Duration, log zerolog.Logger) *OutboxMaintenanceJob {
	return &OutboxMaintenanceJob{
		repo:         repo,
		leaseTimeout: leaseTimeout,
		retain:       retain,
		log:          log.With().Str("job", "outbox_maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *OutboxMaintenanceJob) Name() string { return "outbox_maintenance" }

// Run reclaims abandoned PROCESSING rows and deletes old PUBLISHED rows.
func (j *OutboxMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	reclaimed, err := j.repo.ReclaimStale(ctx, j.leaseTimeout)
	if err != nil {
		return fmt.Errorf("failed to reclaim stale outbox leases: %w", err)
	}
	if reclaimed > 0 {
		j.log.Warn().Int64("count", reclaimed).Msg("Reclaimed stale outbox leases")
	}

	pruned, err := j.repo.CleanupPublished(ctx, j.retain)
	if err != nil {
		return fmt.Errorf("failed to prune published outbox rows: %w", err)
	}
	if pruned > 0 {
		j.log.Debug().Int64("count", pruned).Msg("Pruned published outbox rows")
	}
	return nil
}

// SnapshotJob checkpoints the general-ledger projection to the cache database
// so restarts replay only the tail of the event log.
type SnapshotJob struct {
	ledger *projections.GeneralLedger
	store  *projections.SnapshotStore
	log    zerolog.Logger
}

// NewSnapshotJob creates the projection snapshot job.
func NewSnapshotJob(ledger *projections.GeneralLedger, store *projections.SnapshotStore, log zerolog.Logger) *SnapshotJob {
	return &SnapshotJob{
		ledger: ledger,
		store:  store,
		log:    log.With().Str("job", "projection_snapshot").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *SnapshotJob) Name() string { return "projection_snapshot" }

// Run saves the projection snapshot.
func (j *SnapshotJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	return j.store.SaveGeneralLedger(ctx, j.ledger)
}

// HourlyBackupJob runs the hourly ledger backup.
type HourlyBackupJob struct {
	service *BackupService
}

// NewHourlyBackupJob wraps the backup service as a scheduler job.
func NewHourlyBackupJob(service *BackupService) *HourlyBackupJob {
	return &HourlyBackupJob{service: service}
}

// Name returns the job name for the scheduler.
func (j *HourlyBackupJob) Name() string { return "hourly_backup" }

// Run performs the hourly backup.
func (j *HourlyBackupJob) Run() error { return j.service.HourlyBackup() }

// DailyBackupJob runs the daily all-database backup.
type DailyBackupJob struct {
	service *BackupService
}

// NewDailyBackupJob wraps the backup service as a scheduler job.
func NewDailyBackupJob(service *BackupService) *DailyBackupJob {
	return &DailyBackupJob{service: service}
}

// Name returns the job name for the scheduler.
func (j *DailyBackupJob) Name() string { return "daily_backup" }

// Run performs the daily backup.
func (j *DailyBackupJob) Run() error { return j.service.DailyBackup() }

// OffsiteBackupJob ships the archive to object storage. Nil-safe: when no S3
// target is configured the job is simply not registered.
type OffsiteBackupJob struct {
	service *S3BackupService
	log     zerolog.Logger
}

// NewOffsiteBackupJob wraps the S3 backup service as a scheduler job.
func NewOffsiteBackupJob(service *S3BackupService, log zerolog.Logger) *OffsiteBackupJob {
	return &OffsiteBackupJob{
		service: service,
		log:     log.With().Str("job", "offsite_backup").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *OffsiteBackupJob) Name() string { return "offsite_backup" }

// Run uploads a fresh archive and prunes old ones.
func (j *OffsiteBackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	if err := j.service.CleanupOldBackups(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Offsite backup cleanup failed")
	}
	return nil
}
