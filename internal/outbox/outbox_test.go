package outbox

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/ledgercore/internal/bus"
	"github.com/finvault/ledgercore/internal/database"
	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
)

type outboxFixture struct {
	db   *database.DB
	repo *Repository
}

func newFixture(t *testing.T) *outboxFixture {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	return &outboxFixture{db: db, repo: NewRepository(db, zerolog.Nop())}
}

func (f *outboxFixture) insert(t *testing.T, envs ...events.Envelope) {
	t.Helper()
	require.NoError(t, database.WithTransaction(f.db.Conn(), func(tx *sql.Tx) error {
		return f.repo.InsertTx(tx, envs)
	}))
}

// makeDue rewinds next_attempt_at so retried rows are leasable immediately.
func (f *outboxFixture) makeDue(t *testing.T) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	_, err := f.db.Exec(`UPDATE outbox_event SET next_attempt_at = ? WHERE next_attempt_at IS NOT NULL`, past)
	require.NoError(t, err)
}

func testEvent(tenantID string, version int) events.Envelope {
	return events.New("chart-of-accounts-"+tenantID, tenantID, version, &events.AccountCreated{
		Code:           "1000",
		Name:           "Cash",
		AccountType:    domain.AccountTypeAsset,
		SpecialType:    domain.SpecialNone,
		PostingAllowed: true,
	})
}

// flakyPublisher fails the first n publishes, then succeeds, recording every
// delivered message.
type flakyPublisher struct {
	failures  int
	attempts  int
	delivered []bus.Message
}

func (p *flakyPublisher) Publish(ctx context.Context, msg bus.Message) error {
	p.attempts++
	if p.attempts <= p.failures {
		return errors.New("bus unavailable")
	}
	p.delivered = append(p.delivered, msg)
	return nil
}

func TestInsertAndLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := testEvent("tenant-a", 1)
	f.insert(t, ev)

	rows, err := f.repo.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, StatusProcessing, row.Status)
	assert.Equal(t, "accounting.account.created", row.Topic)
	assert.Equal(t, ev.AggregateID, row.Key)
	assert.Equal(t, "tenant-a", row.TenantID)
	assert.Equal(t, events.TypeAccountCreated, row.EventType)

	expected, err := ev.Serialize()
	require.NoError(t, err)
	assert.Equal(t, expected, row.Payload, "outbox payload must match the committed event byte-for-byte")

	// A second lease finds nothing: the row is held
	rows, err = f.repo.Lease(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLeaseOrdersByCreation(t *testing.T) {
	f := newFixture(t)
	first := testEvent("tenant-a", 1)
	f.insert(t, first)
	time.Sleep(5 * time.Millisecond)
	second := testEvent("tenant-a", 2)
	f.insert(t, second)

	rows, err := f.repo.Lease(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, !rows[0].CreatedAt.After(rows[1].CreatedAt))
}

func TestDispatcherRetryThenPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := testEvent("tenant-a", 1)
	f.insert(t, ev)

	pub := &flakyPublisher{failures: 2}
	d := NewDispatcher(f.repo, pub, DispatcherConfig{BatchSize: 10}, zerolog.Nop())

	// First two cycles fail and schedule retries
	for attempt := 1; attempt <= 2; attempt++ {
		assert.Equal(t, 0, d.Drain(ctx))

		rows, err := f.db.Query(`SELECT id FROM outbox_event WHERE status = ?`, StatusReady)
		require.NoError(t, err)
		var id string
		require.True(t, rows.Next())
		require.NoError(t, rows.Scan(&id))
		require.NoError(t, rows.Close())

		row, err := f.repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, row.RetryCount)
		assert.Equal(t, "bus unavailable", row.ErrorReason)
		require.NotNil(t, row.NextAttemptAt)
		assert.True(t, row.NextAttemptAt.After(time.Now().UTC()), "retry must be delayed")

		f.makeDue(t)
	}

	// Third cycle succeeds
	assert.Equal(t, 1, d.Drain(ctx))
	require.Len(t, pub.delivered, 1)

	expected, err := ev.Serialize()
	require.NoError(t, err)
	assert.Equal(t, expected, []byte(pub.delivered[0].Payload), "published payload must be byte-identical")
	assert.Equal(t, "tenant-a", pub.delivered[0].Headers[bus.HeaderTenantID])
	assert.Equal(t, events.TypeAccountCreated, pub.delivered[0].Headers[bus.HeaderEventType])

	counts, err := f.repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusPublished])
	assert.Zero(t, counts[StatusReady])
}

func TestReclaimStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, testEvent("tenant-a", 1))

	rows, err := f.repo.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Fresh lease is not reclaimed
	n, err := f.repo.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Expired lease returns to READY
	n, err = f.repo.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err = f.repo.Lease(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCleanupPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, testEvent("tenant-a", 1))

	rows, err := f.repo.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, f.repo.MarkPublished(ctx, rows[0].ID))

	// Inside retention: kept
	n, err := f.repo.CleanupPublished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Outside retention: deleted
	n, err = f.repo.CleanupPublished(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBackoffBounds(t *testing.T) {
	for retry, wantBase := range map[int]time.Duration{
		1:   2 * time.Second,
		5:   10 * time.Second,
		30:  60 * time.Second,
		100: 60 * time.Second, // capped
	} {
		d := Backoff(retry)
		assert.GreaterOrEqual(t, d, wantBase, "retry %d", retry)
		assert.Less(t, d, wantBase+500*time.Millisecond, "retry %d", retry)
	}
}
