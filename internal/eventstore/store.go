// Package eventstore persists domain events as per-aggregate ordered streams
// with optimistic concurrency, tenant isolation and idempotent appends.
package eventstore

import (
	"context"
	"database/sql"

	"github.com/finvault/ledgercore/internal/events"
)

// AppendRequest describes one atomic append to a single stream.
type AppendRequest struct {
	AggregateID string
	TenantID    string

	// ExpectedVersion is the stream version the caller observed. 0 means the
	// caller expects a brand-new stream. A mismatch fails the whole append
	// with domain.ErrConcurrencyConflict.
	ExpectedVersion int

	// IdempotencyKey, when non-empty, makes the append at-most-once per
	// (tenant, key). A repeat append with a seen key inserts nothing and
	// reports Replayed.
	IdempotencyKey string

	Events []events.Envelope
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	// NewVersion is the stream head after the append (unchanged on replay).
	NewVersion int

	// Replayed is true when the idempotency key was already recorded and no
	// rows were inserted. Callers skip side effects (outbox inserts) then.
	Replayed bool
}

// Store is the event store port. Implementations guarantee that events within
// a request are committed atomically and versioned contiguously.
type Store interface {
	// Append commits the request's events at versions
	// ExpectedVersion+1..ExpectedVersion+n.
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)

	// AppendInTransaction commits the events and then runs fn inside the same
	// transaction, so co-transactional writes (the outbox) share the commit.
	// fn is skipped on idempotent replay. Implementations without a SQL
	// backend invoke fn with a nil transaction.
	AppendInTransaction(ctx context.Context, req AppendRequest, fn func(tx *sql.Tx) error) (AppendResult, error)

	// ReadStream returns the stream's events in version order. A stream owned
	// by another tenant yields domain.ErrTenantMismatch; an unknown stream
	// yields an empty slice.
	ReadStream(ctx context.Context, tenantID, aggregateID string) ([]events.Envelope, error)

	// ReadStreamFrom is ReadStream starting at fromVersion (inclusive), for
	// callers that already hold a prefix of the stream. fromVersion <= 1 reads
	// the whole stream; a fromVersion past the head yields an empty slice.
	ReadStreamFrom(ctx context.Context, tenantID, aggregateID string, fromVersion int) ([]events.Envelope, error)

	// CurrentVersion returns the stream head, 0 for an unknown stream.
	CurrentVersion(ctx context.Context, tenantID, aggregateID string) (int, error)

	// HasIdempotencyKey reports whether an append under this (tenant, key) was
	// already committed. Command handlers check this before replaying a command
	// whose effects would trip aggregate guards.
	HasIdempotencyKey(ctx context.Context, tenantID, key string) (bool, error)
}
