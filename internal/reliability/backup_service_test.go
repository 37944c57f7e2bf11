package reliability

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/ledgercore/internal/database"
)

func newTestDatabases(t *testing.T, dir string) map[string]*database.DB {
	t.Helper()
	dbs := make(map[string]*database.DB)
	for _, name := range []string{"ledger", "projection"} {
		db, err := database.New(database.Config{
			Path:    filepath.Join(dir, name+".db"),
			Profile: database.ProfileStandard,
			Name:    name,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, db.Migrate())
		dbs[name] = db
	}
	return dbs
}

func TestHourlyBackupCreatesVerifiedCopy(t *testing.T) {
	dir := t.TempDir()
	dbs := newTestDatabases(t, dir)
	svc := NewBackupService(dbs, filepath.Join(dir, "backups"), zerolog.Nop())

	_, err := dbs["ledger"].Exec(
		`INSERT INTO acc_event
			(id, aggregate_id, version, tenant_id, event_type, schema_version,
			 occurred_at, correlation_id, causation_id, idempotency_key, payload)
		 VALUES ('e1', 'chart-of-accounts-t1', 1, 't1', 'AccountCreated', 1,
			 '2026-08-24T00:00:00Z', '', '', NULL, '{}')`)
	require.NoError(t, err)

	require.NoError(t, svc.HourlyBackup())

	// The most recent backup restores and contains the row
	path, err := svc.RestoreFromBackup("ledger")
	require.NoError(t, err)

	restored, err := database.New(database.Config{Path: path, Profile: database.ProfileStandard, Name: "restored"})
	require.NoError(t, err)
	defer restored.Close()

	var count int
	require.NoError(t, restored.QueryRow(`SELECT COUNT(*) FROM acc_event`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDailyBackupCoversAllDatabases(t *testing.T) {
	dir := t.TempDir()
	dbs := newTestDatabases(t, dir)
	svc := NewBackupService(dbs, filepath.Join(dir, "backups"), zerolog.Nop())

	require.NoError(t, svc.DailyBackup())

	for _, name := range svc.DatabaseNames() {
		path, err := svc.RestoreFromBackup(name)
		require.NoError(t, err, name)
		assert.FileExists(t, path)
	}
}

func TestRestoreFromBackupMissing(t *testing.T) {
	dir := t.TempDir()
	svc := NewBackupService(newTestDatabases(t, dir), filepath.Join(dir, "backups"), zerolog.Nop())

	_, err := svc.RestoreFromBackup("ledger")
	assert.Error(t, err)
}
