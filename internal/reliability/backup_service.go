// Package reliability holds the operational safety net: database backups,
// cloud archive uploads and the scheduled maintenance jobs that keep the
// ledger healthy.
package reliability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/database"
)

const (
	hourlyRetention = 24 * time.Hour
	dailyRetention  = 30 // days
)

// BackupService manages tiered local backups of the ledger databases.
// Backups are created with VACUUM INTO, which is atomic and leaves no WAL
// sidecar files.
type BackupService struct {
	databases map[string]*database.DB
	backupDir string
	log       zerolog.Logger
}

// NewBackupService creates a backup service over the named databases.
func NewBackupService(databases map[string]*database.DB, backupDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		backupDir: backupDir,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// DatabaseNames returns the names of the databases under backup, sorted.
func (s *BackupService) DatabaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HourlyBackup backs up the ledger database only. The event log is the source
// of truth; the projection and cache rebuild from it.
func (s *BackupService) HourlyBackup() error {
	s.log.Info().Msg("Starting hourly backup")
	start := time.Now()

	hourlyDir := filepath.Join(s.backupDir, "hourly")
	if err := os.MkdirAll(hourlyDir, 0755); err != nil {
		return fmt.Errorf("failed to create hourly backup directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15")
	backupPath := filepath.Join(hourlyDir, fmt.Sprintf("ledger_%s.db", timestamp))
	if err := s.BackupDatabase("ledger", backupPath); err != nil {
		return fmt.Errorf("failed to backup ledger.db: %w", err)
	}

	if err := s.verifyBackup(backupPath); err != nil {
		os.Remove(backupPath)
		return fmt.Errorf("backup verification failed: %w", err)
	}

	if err := s.rotateHourlyBackups(hourlyDir); err != nil {
		s.log.Error().Err(err).Msg("Failed to rotate hourly backups")
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("backup_path", backupPath).
		Msg("Hourly backup completed successfully")
	return nil
}

// DailyBackup backs up every database into a dated directory.
func (s *BackupService) DailyBackup() error {
	s.log.Info().Msg("Starting daily backup")
	start := time.Now()

	date := time.Now().Format("2006-01-02")
	dailyDir := filepath.Join(s.backupDir, "daily", date)
	if err := os.MkdirAll(dailyDir, 0755); err != nil {
		return fmt.Errorf("failed to create daily backup directory: %w", err)
	}

	for _, name := range s.DatabaseNames() {
		backupPath := filepath.Join(dailyDir, name+".db")
		if err := s.BackupDatabase(name, backupPath); err != nil {
			s.log.Error().Str("database", name).Err(err).Msg("Failed to backup database")
			continue
		}
		if err := s.verifyBackup(backupPath); err != nil {
			s.log.Error().Str("database", name).Err(err).Msg("Backup verification failed")
			os.Remove(backupPath)
		}
	}

	if err := s.rotateDailyBackups(); err != nil {
		s.log.Error().Err(err).Msg("Failed to rotate daily backups")
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("backup_dir", dailyDir).
		Msg("Daily backup completed successfully")
	return nil
}

// BackupDatabase copies one database to backupPath via VACUUM INTO.
func (s *BackupService) BackupDatabase(name, backupPath string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("database %s not found", name)
	}

	_, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath))
	if err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	s.log.Debug().
		Str("database", name).
		Float64("size_mb", float64(info.Size())/1024/1024).
		Msg("Backup created")
	return nil
}

func (s *BackupService) verifyBackup(backupPath string) error {
	backupDB, err := sql.Open("sqlite", backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func (s *BackupService) rotateHourlyBackups(hourlyDir string) error {
	cutoff := time.Now().Add(-hourlyRetention)
	entries, err := os.ReadDir(hourlyDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(hourlyDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old backup")
			}
		}
	}
	return nil
}

func (s *BackupService) rotateDailyBackups() error {
	dailyRoot := filepath.Join(s.backupDir, "daily")
	entries, err := os.ReadDir(dailyRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -dailyRetention).Format("2006-01-02")
	for _, entry := range entries {
		// Directory names are dates; lexical order is chronological
		if entry.IsDir() && entry.Name() < cutoff {
			path := filepath.Join(dailyRoot, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old daily backup")
			}
		}
	}
	return nil
}

// RestoreFromBackup finds the most recent verified backup of a database and
// returns its path. The caller swaps the file in while the database is closed.
func (s *BackupService) RestoreFromBackup(name string) (string, error) {
	candidates := []string{}

	hourlyDir := filepath.Join(s.backupDir, "hourly")
	if entries, err := os.ReadDir(hourlyDir); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), name+"_") && strings.HasSuffix(e.Name(), ".db") {
				candidates = append(candidates, filepath.Join(hourlyDir, e.Name()))
			}
		}
	}
	dailyRoot := filepath.Join(s.backupDir, "daily")
	if days, err := os.ReadDir(dailyRoot); err == nil {
		for _, day := range days {
			path := filepath.Join(dailyRoot, day.Name(), name+".db")
			if _, err := os.Stat(path); err == nil {
				candidates = append(candidates, path)
			}
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no backup found for %s", name)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ii, _ := os.Stat(candidates[i])
		jj, _ := os.Stat(candidates[j])
		return ii.ModTime().After(jj.ModTime())
	})

	for _, candidate := range candidates {
		if err := s.verifyBackup(candidate); err != nil {
			s.log.Warn().Err(err).Str("path", candidate).Msg("Skipping corrupt backup")
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("all backups of %s failed verification", name)
}
