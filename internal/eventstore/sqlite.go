package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/database"
	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
)

// SQLiteStore persists events in the ledger database's acc_event table.
// SQLite's single-writer model means appends to the same stream serialize at
// the database; the UNIQUE (aggregate_id, version) constraint is the backstop
// for the read-check-insert race across connections.
type SQLiteStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSQLiteStore creates an event store backed by the ledger database.
func NewSQLiteStore(db *database.DB, log zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		log: log.With().Str("repo", "eventstore").Logger(),
	}
}

// errIdempotentReplay signals inside a transaction that the idempotency key
// raced with a concurrent append of the same request.
var errIdempotentReplay = errors.New("idempotent replay")

// Append commits the request's events in their own transaction.
func (s *SQLiteStore) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	return s.AppendInTransaction(ctx, req, nil)
}

// AppendInTransaction commits the events and runs fn in the same transaction.
func (s *SQLiteStore) AppendInTransaction(ctx context.Context, req AppendRequest, fn func(tx *sql.Tx) error) (AppendResult, error) {
	if err := validateRequest(req); err != nil {
		return AppendResult{}, err
	}

	var res AppendResult
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		if req.IdempotencyKey != "" {
			var seen int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM acc_event WHERE tenant_id = ? AND idempotency_key = ?`,
				req.TenantID, req.IdempotencyKey,
			).Scan(&seen)
			if err != nil {
				return fmt.Errorf("idempotency lookup failed: %w", err)
			}
			if seen > 0 {
				res.Replayed = true
				return s.scanHead(ctx, tx, req.AggregateID, &res.NewVersion)
			}
		}

		var owner sql.NullString
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0), MAX(tenant_id) FROM acc_event WHERE aggregate_id = ?`,
			req.AggregateID,
		).Scan(&current, &owner)
		if err != nil {
			return fmt.Errorf("stream head lookup failed: %w", err)
		}
		if owner.Valid && owner.String != req.TenantID {
			return domain.ErrTenantMismatch
		}
		if current != req.ExpectedVersion {
			return domain.ErrConcurrencyConflict
		}

		for i, ev := range req.Events {
			version := req.ExpectedVersion + i + 1
			if ev.Version != version {
				return fmt.Errorf("event %d has version %d, want %d", i, ev.Version, version)
			}

			payload, err := ev.Serialize()
			if err != nil {
				return fmt.Errorf("failed to serialize event %s: %w", ev.ID, err)
			}

			// The idempotency key rides on the first event of the batch.
			var key interface{}
			if i == 0 && req.IdempotencyKey != "" {
				key = req.IdempotencyKey
			}

			_, err = tx.ExecContext(ctx,
				`INSERT INTO acc_event
					(id, aggregate_id, version, tenant_id, event_type, schema_version,
					 occurred_at, correlation_id, causation_id, idempotency_key, payload)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.ID.String(), ev.AggregateID, version, ev.TenantID, ev.EventType(),
				ev.SchemaVersion, ev.OccurredAt.Format(timeFormat), ev.CorrelationID,
				ev.CausationID, key, string(payload),
			)
			if err != nil {
				return classifyInsertError(err)
			}
		}

		res.NewVersion = req.ExpectedVersion + len(req.Events)
		if fn != nil {
			return fn(tx)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, errIdempotentReplay) {
			// Lost the race to a concurrent append of the same request. The
			// winner's commit is this request's outcome.
			head, headErr := s.CurrentVersion(ctx, req.TenantID, req.AggregateID)
			if headErr != nil {
				return AppendResult{}, headErr
			}
			return AppendResult{NewVersion: head, Replayed: true}, nil
		}
		return AppendResult{}, err
	}

	if res.Replayed {
		s.log.Debug().
			Str("aggregate_id", req.AggregateID).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Idempotent replay, no events appended")
	}
	return res, nil
}

// ReadStream returns the stream's events in version order.
func (s *SQLiteStore) ReadStream(ctx context.Context, tenantID, aggregateID string) ([]events.Envelope, error) {
	return s.ReadStreamFrom(ctx, tenantID, aggregateID, 1)
}

// ReadStreamFrom returns the stream's events with version >= fromVersion.
func (s *SQLiteStore) ReadStreamFrom(ctx context.Context, tenantID, aggregateID string, fromVersion int) ([]events.Envelope, error) {
	if err := s.checkOwner(ctx, tenantID, aggregateID); err != nil {
		return nil, err
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM acc_event WHERE aggregate_id = ? AND version >= ? ORDER BY version`,
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var stream []events.Envelope
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev, err := events.Deserialize([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("corrupt event in stream %s: %w", aggregateID, err)
		}
		stream = append(stream, ev)
	}
	return stream, rows.Err()
}

// CurrentVersion returns the stream head, 0 for an unknown stream.
func (s *SQLiteStore) CurrentVersion(ctx context.Context, tenantID, aggregateID string) (int, error) {
	if err := s.checkOwner(ctx, tenantID, aggregateID); err != nil {
		return 0, err
	}

	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM acc_event WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream head %s: %w", aggregateID, err)
	}
	return version, nil
}

// HasIdempotencyKey reports whether the (tenant, key) pair was already used.
func (s *SQLiteStore) HasIdempotencyKey(ctx context.Context, tenantID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var seen int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acc_event WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return seen > 0, nil
}

func (s *SQLiteStore) checkOwner(ctx context.Context, tenantID, aggregateID string) error {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(tenant_id) FROM acc_event WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&owner)
	if err != nil {
		return fmt.Errorf("stream owner lookup failed: %w", err)
	}
	if owner.Valid && owner.String != tenantID {
		return domain.ErrTenantMismatch
	}
	return nil
}

func (s *SQLiteStore) scanHead(ctx context.Context, tx *sql.Tx, aggregateID string, out *int) error {
	return tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM acc_event WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(out)
}

const timeFormat = "2006-01-02T15:04:05.999999999Z07:00" // RFC3339Nano

func validateRequest(req AppendRequest) error {
	if len(req.Events) == 0 {
		return fmt.Errorf("append request has no events")
	}
	if req.ExpectedVersion < 0 {
		return fmt.Errorf("expected version must be >= 0, got %d", req.ExpectedVersion)
	}
	for i, ev := range req.Events {
		if ev.AggregateID != req.AggregateID {
			return fmt.Errorf("event %d targets stream %q, request targets %q", i, ev.AggregateID, req.AggregateID)
		}
		if ev.TenantID != req.TenantID {
			return domain.ErrTenantMismatch
		}
	}
	return nil
}

// classifyInsertError maps SQLite constraint violations onto the sentinels
// callers branch on. modernc.org/sqlite exposes constraint details only in
// the error text.
func classifyInsertError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "idempotency") {
			return errIdempotentReplay
		}
		return domain.ErrConcurrencyConflict
	}
	return fmt.Errorf("failed to insert event: %w", err)
}
