// Package outbox implements the transactional outbox: rows inserted in the
// same transaction as their events, drained by a background dispatcher with
// retry and backoff.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/database"
	"github.com/finvault/ledgercore/internal/events"
)

// Row statuses. PROCESSING rows are leased by a dispatcher; processed_at is
// the lease timestamp until the row is PUBLISHED.
const (
	StatusReady      = "READY"
	StatusProcessing = "PROCESSING"
	StatusPublished  = "PUBLISHED"
)

// Backoff bounds for failed publishes: min(60s, 2s·retry) + jitter[0,500ms).
const (
	backoffStep = 2 * time.Second
	backoffCap  = 60 * time.Second
	jitterSpan  = 500 * time.Millisecond
)

// Row is one pending publication.
type Row struct {
	ID            string
	TenantID      string
	Topic         string
	Key           string
	EventType     string
	Payload       []byte
	Status        string
	RetryCount    int
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	ErrorReason   string
}

// Repository persists outbox rows in the ledger database, next to the events
// they publish.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates an outbox repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "outbox").Logger(),
	}
}

// InsertTx inserts one READY row per event inside the caller's transaction.
// This is the co-transactional half of the outbox contract: the rows commit
// or roll back with the event append.
func (r *Repository) InsertTx(tx *sql.Tx, envelopes []events.Envelope) error {
	for _, ev := range envelopes {
		payload, err := ev.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize event %s for outbox: %w", ev.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO outbox_event (id, tenant_id, topic, key, event_type, payload, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), ev.TenantID, events.TopicFor(ev.EventType()), ev.AggregateID,
			ev.EventType(), string(payload), StatusReady, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox row for event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Lease atomically claims up to limit due READY rows, oldest first, and
// returns them as PROCESSING. SQLite's single-writer transaction makes the
// select-and-update atomic without row locks.
func (r *Repository) Lease(ctx context.Context, limit int) ([]Row, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_event SET status = ?, processed_at = ?
		WHERE id IN (
			SELECT id FROM outbox_event
			WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY created_at ASC
			LIMIT ?
		)
		RETURNING id, tenant_id, topic, key, event_type, payload, status,
			retry_count, next_attempt_at, created_at, processed_at, error_reason`,
		StatusProcessing, now, StatusReady, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lease outbox rows: %w", err)
	}
	defer rows.Close()

	var leased []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		leased = append(leased, row)
	}
	return leased, rows.Err()
}

// MarkPublished finalizes a leased row after a successful publish.
func (r *Repository) MarkPublished(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_event SET status = ?, processed_at = ?, error_reason = NULL WHERE id = ?`,
		StatusPublished, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row %s published: %w", id, err)
	}
	return nil
}

// ScheduleRetry returns a leased row to READY with an incremented retry count
// and a backoff-delayed next attempt.
func (r *Repository) ScheduleRetry(ctx context.Context, row Row, reason string) error {
	retry := row.RetryCount + 1
	next := time.Now().UTC().Add(Backoff(retry))
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_event SET status = ?, retry_count = ?, next_attempt_at = ?, error_reason = ? WHERE id = ?`,
		StatusReady, retry, next.Format(time.RFC3339Nano), reason, row.ID)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for outbox row %s: %w", row.ID, err)
	}
	r.log.Warn().
		Str("outbox_id", row.ID).
		Str("topic", row.Topic).
		Int("retry_count", retry).
		Time("next_attempt_at", next).
		Str("reason", reason).
		Msg("Publish failed, retry scheduled")
	return nil
}

// ReclaimStale returns PROCESSING rows whose lease outlived leaseTimeout to
// READY. Covers dispatchers that died mid-batch.
func (r *Repository) ReclaimStale(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-leaseTimeout).Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_event SET status = ? WHERE status = ? AND processed_at < ?`,
		StatusReady, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale outbox leases: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Warn().Int64("reclaimed", n).Msg("Reclaimed stale outbox leases")
	}
	return n, nil
}

// CleanupPublished deletes PUBLISHED rows older than the retention window.
func (r *Repository) CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_event WHERE status = ? AND processed_at < ?`,
		StatusPublished, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up published outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus returns row counts per status, for the status endpoint.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox_event GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox rows: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetByID returns one row, for tests and inspection.
func (r *Repository) GetByID(ctx context.Context, id string) (Row, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, topic, key, event_type, payload, status,
			retry_count, next_attempt_at, created_at, processed_at, error_reason
		FROM outbox_event WHERE id = ?`, id)
	return scanRow(row)
}

// Backoff computes the retry delay for the given attempt number.
func Backoff(retry int) time.Duration {
	d := backoffStep * time.Duration(retry)
	if d > backoffCap {
		d = backoffCap
	}
	return d + time.Duration(rand.Int63n(int64(jitterSpan)))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(s rowScanner) (Row, error) {
	var row Row
	var payload, createdAt string
	var nextAttemptAt, processedAt, errorReason sql.NullString

	err := s.Scan(&row.ID, &row.TenantID, &row.Topic, &row.Key, &row.EventType,
		&payload, &row.Status, &row.RetryCount, &nextAttemptAt, &createdAt,
		&processedAt, &errorReason)
	if err != nil {
		return Row{}, err
	}

	row.Payload = []byte(payload)
	row.ErrorReason = errorReason.String
	if row.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Row{}, fmt.Errorf("corrupt created_at on outbox row %s: %w", row.ID, err)
	}
	if nextAttemptAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextAttemptAt.String)
		if err != nil {
			return Row{}, fmt.Errorf("corrupt next_attempt_at on outbox row %s: %w", row.ID, err)
		}
		row.NextAttemptAt = &t
	}
	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err != nil {
			return Row{}, fmt.Errorf("corrupt processed_at on outbox row %s: %w", row.ID, err)
		}
		row.ProcessedAt = &t
	}
	return row, nil
}
