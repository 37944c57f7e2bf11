package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/ledgercore/internal/database"
	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
	"github.com/finvault/ledgercore/internal/eventstore"
	"github.com/finvault/ledgercore/internal/modules/chart"
	"github.com/finvault/ledgercore/internal/modules/journal"
	"github.com/finvault/ledgercore/internal/outbox"
	"github.com/finvault/ledgercore/internal/resilience"
)

type serviceFixture struct {
	svc     *AccountingService
	store   eventstore.Store
	outbox  *outbox.Repository
	reader  *chart.AccountRepository
	periods *journal.PeriodService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dir := t.TempDir()

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerDB.Close() })
	require.NoError(t, ledgerDB.Migrate())

	projDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "projection.db"),
		Profile: database.ProfileStandard,
		Name:    "projection",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = projDB.Close() })
	require.NoError(t, projDB.Migrate())

	log := zerolog.Nop()
	store := eventstore.NewSQLiteStore(ledgerDB, log)
	outboxRepo := outbox.NewRepository(ledgerDB, log)
	accounts := chart.NewAccountRepository(projDB.Conn(), log)
	periods := journal.NewPeriodService(log)
	rates := NewConverter(&stubRateSource{rates: map[string]float64{
		"USD:EUR": 0.5,
	}}, "EUR", time.Minute, log)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), log)

	return &serviceFixture{
		svc:     NewAccountingService(store, outboxRepo, accounts, periods, rates, breakers, log),
		store:   store,
		outbox:  outboxRepo,
		reader:  accounts,
		periods: periods,
	}
}

func (f *serviceFixture) createAccount(t *testing.T, tenantID, code string, accType domain.AccountType) {
	t.Helper()
	require.NoError(t, f.svc.CreateAccount(context.Background(), CreateAccountCommand{
		TenantID:       tenantID,
		Code:           code,
		Name:           code + " account",
		Type:           accType,
		PostingAllowed: true,
	}))
}

func eurLine(code string, debit, credit int64) EntryLine {
	return EntryLine{AccountCode: code, DebitCents: debit, CreditCents: credit, Currency: "EUR"}
}

func TestCreateAccountPersistsEventOutboxAndReadModel(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "4000", domain.AccountTypeRevenue)

	version, err := f.store.CurrentVersion(ctx, "tenant-a", chart.StreamID("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	acc, err := f.reader.GetByCode(ctx, "tenant-a", "1000")
	require.NoError(t, err)
	assert.Equal(t, "1000 account", acc.Name)
	assert.Equal(t, domain.AccountTypeAsset, acc.Type)

	counts, err := f.outbox.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[outbox.StatusReady])
}

func TestCreateAccountIdempotentReplay(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	cmd := CreateAccountCommand{
		TenantID:       "tenant-a",
		IdempotencyKey: "create-1000",
		Code:           "1000",
		Name:           "Cash",
		Type:           domain.AccountTypeAsset,
		PostingAllowed: true,
	}

	require.NoError(t, f.svc.CreateAccount(ctx, cmd))
	require.NoError(t, f.svc.CreateAccount(ctx, cmd))

	version, err := f.store.CurrentVersion(ctx, "tenant-a", chart.StreamID("tenant-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	counts, err := f.outbox.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[outbox.StatusReady])
}

func TestCreateAccountDuplicateCode(t *testing.T) {
	f := newServiceFixture(t)
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)

	err := f.svc.CreateAccount(context.Background(), CreateAccountCommand{
		TenantID:       "tenant-a",
		Code:           "1000",
		Name:           "Cash again",
		Type:           domain.AccountTypeAsset,
		PostingAllowed: true,
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicateCode, domain.ErrorCode(err))
}

func TestPostJournalEntryHappyPath(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "4000", domain.AccountTypeRevenue)

	postedAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.PostJournalEntry(ctx, PostJournalEntryCommand{
		TenantID:  "tenant-a",
		EntryID:   "JE1",
		Reference: "INV-001",
		PostedBy:  "alice",
		PostedAt:  postedAt,
		Lines: []EntryLine{
			eurLine("1000", 10000, 0),
			eurLine("4000", 0, 10000),
		},
	}))

	version, err := f.store.CurrentVersion(ctx, "tenant-a", journal.StreamID("JE1"))
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// The posted event rides the outbox on the journal topic
	rows, err := f.outbox.Lease(ctx, 10)
	require.NoError(t, err)
	var posted *outbox.Row
	for i := range rows {
		if rows[i].Topic == "accounting.journal.posted" {
			posted = &rows[i]
		}
	}
	require.NotNil(t, posted)
	assert.Equal(t, "tenant-a", posted.TenantID)
	assert.Equal(t, journal.StreamID("JE1"), posted.Key)

	ev, err := events.Deserialize(posted.Payload)
	require.NoError(t, err)
	payload, ok := ev.Payload.(*events.JournalEntryPosted)
	require.True(t, ok)
	assert.Equal(t, "JE1", payload.EntryID)
	assert.Equal(t, "INV-001", payload.Reference)
	assert.Equal(t, "alice", payload.PostedBy)
	require.Len(t, payload.Lines, 2)
	assert.Equal(t, int64(10000), payload.Lines[0].DebitCents)
	assert.Equal(t, int64(10000), payload.Lines[1].CreditCents)
}

func TestPostJournalEntryUnknownAccountFailsFast(t *testing.T) {
	f := newServiceFixture(t)
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)

	err := f.svc.PostJournalEntry(context.Background(), PostJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "JE1",
		Lines: []EntryLine{
			eurLine("1000", 10000, 0),
			eurLine("9999", 0, 10000),
		},
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeAccountNotFound, domain.ErrorCode(err))

	// Nothing committed
	version, verr := f.store.CurrentVersion(context.Background(), "tenant-a", journal.StreamID("JE1"))
	require.NoError(t, verr)
	assert.Zero(t, version)
}

func TestPostJournalEntryValidation(t *testing.T) {
	f := newServiceFixture(t)
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "4000", domain.AccountTypeRevenue)

	// Unbalanced in the original currency
	err := f.svc.PostJournalEntry(context.Background(), PostJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "JE1",
		Lines: []EntryLine{
			eurLine("1000", 10000, 0),
			eurLine("4000", 0, 9000),
		},
	})
	assert.Equal(t, domain.CodeNotBalanced, domain.ErrorCode(err))

	// Missing currency
	err = f.svc.PostJournalEntry(context.Background(), PostJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "JE2",
		Lines: []EntryLine{
			{AccountCode: "1000", DebitCents: 100},
			eurLine("4000", 0, 100),
		},
	})
	assert.Equal(t, domain.CodeValidation, domain.ErrorCode(err))

	// Negative amount
	err = f.svc.PostJournalEntry(context.Background(), PostJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "JE3",
		Lines: []EntryLine{
			{AccountCode: "1000", DebitCents: -100, Currency: "EUR"},
			eurLine("4000", 0, -100),
		},
	})
	assert.Equal(t, domain.CodeValidation, domain.ErrorCode(err))
}

func TestPostJournalEntryConvertsCurrency(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "1001", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "4000", domain.AccountTypeRevenue)

	// USD at 0.5: both 101-cent debits round to 51, the 202-cent credit to
	// 101; the one-cent residue lands on the credit line
	usd := func(code string, debit, credit int64) EntryLine {
		return EntryLine{AccountCode: code, DebitCents: debit, CreditCents: credit, Currency: "USD"}
	}
	require.NoError(t, f.svc.PostJournalEntry(ctx, PostJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "JE1",
		PostedAt: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		Lines: []EntryLine{
			usd("1000", 101, 0),
			usd("1001", 101, 0),
			usd("4000", 0, 202),
		},
	}))

	stream, err := f.store.ReadStream(ctx, "tenant-a", journal.StreamID("JE1"))
	require.NoError(t, err)
	require.Len(t, stream, 1)
	payload := stream[0].Payload.(*events.JournalEntryPosted)
	require.Len(t, payload.Lines, 3)
	assert.Equal(t, int64(51), payload.Lines[0].DebitCents)
	assert.Equal(t, int64(51), payload.Lines[1].DebitCents)
	assert.Equal(t, int64(102), payload.Lines[2].CreditCents)
}

func TestPostJournalEntryClosedPeriod(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "4000", domain.AccountTypeRevenue)

	postedAt := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	f.periods.SetState("tenant-a", "2026-07", journal.PeriodClosed)

	cmd := PostJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "JE1",
		PostedAt: postedAt,
		Lines: []EntryLine{
			eurLine("1000", 100, 0),
			eurLine("4000", 0, 100),
		},
	}
	err := f.svc.PostJournalEntry(ctx, cmd)
	assert.Equal(t, domain.CodePeriodClosed, domain.ErrorCode(err))

	// Adjusting entries still land in a closed period
	cmd.Adjusting = true
	require.NoError(t, f.svc.PostJournalEntry(ctx, cmd))
}

func TestReverseJournalEntry(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "4000", domain.AccountTypeRevenue)

	postedAt := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.PostJournalEntry(ctx, PostJournalEntryCommand{
		TenantID:  "tenant-a",
		EntryID:   "JE1",
		Reference: "INV-001",
		PostedBy:  "alice",
		PostedAt:  postedAt,
		Lines: []EntryLine{
			eurLine("1000", 10000, 0),
			eurLine("4000", 0, 10000),
		},
	}))

	require.NoError(t, f.svc.ReverseJournalEntry(ctx, ReverseJournalEntryCommand{
		TenantID:     "tenant-a",
		EntryID:      "JE1",
		Reason:       "duplicate invoice",
		ReversedBy:   "bob",
		ReversalDate: postedAt.AddDate(0, 0, 1),
	}))

	stream, err := f.store.ReadStream(ctx, "tenant-a", journal.StreamID("REV-JE1"))
	require.NoError(t, err)
	require.Len(t, stream, 1)
	payload := stream[0].Payload.(*events.JournalEntryPosted)
	assert.Equal(t, "REV-JE1", payload.EntryID)
	assert.Equal(t, "REV-INV-001", payload.Reference)
	require.Len(t, payload.Lines, 2)
	assert.Equal(t, int64(10000), payload.Lines[0].CreditCents) // sides swapped
	assert.Equal(t, int64(10000), payload.Lines[1].DebitCents)

	// A second reversal is rejected
	err = f.svc.ReverseJournalEntry(ctx, ReverseJournalEntryCommand{
		TenantID:     "tenant-a",
		EntryID:      "JE1",
		Reason:       "again",
		ReversedBy:   "bob",
		ReversalDate: postedAt.AddDate(0, 0, 2),
	})
	assert.Equal(t, domain.CodeAlreadyReversed, domain.ErrorCode(err))
}

func TestReverseJournalEntryGuards(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	err := f.svc.ReverseJournalEntry(ctx, ReverseJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "NOPE",
		Reason:   "missing",
	})
	assert.Equal(t, domain.CodeEntryNotFound, domain.ErrorCode(err))

	// Reversal date before the posting date
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)
	f.createAccount(t, "tenant-a", "4000", domain.AccountTypeRevenue)
	postedAt := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.PostJournalEntry(ctx, PostJournalEntryCommand{
		TenantID: "tenant-a",
		EntryID:  "JE1",
		PostedAt: postedAt,
		Lines: []EntryLine{
			eurLine("1000", 100, 0),
			eurLine("4000", 0, 100),
		},
	}))
	err = f.svc.ReverseJournalEntry(ctx, ReverseJournalEntryCommand{
		TenantID:     "tenant-a",
		EntryID:      "JE1",
		Reason:       "backdated",
		ReversalDate: postedAt.AddDate(0, 0, -1),
	})
	assert.Equal(t, domain.CodeInvalidReversalDate, domain.ErrorCode(err))
}

func TestTenantsIsolatedAcrossCommands(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.createAccount(t, "tenant-a", "1000", domain.AccountTypeAsset)

	// Tenant B cannot see tenant A's account in its read model
	_, err := f.reader.GetByCode(ctx, "tenant-b", "1000")
	assert.Equal(t, domain.CodeAccountNotFound, domain.ErrorCode(err))

	// Nor post against it
	err = f.svc.PostJournalEntry(ctx, PostJournalEntryCommand{
		TenantID: "tenant-b",
		EntryID:  "JE1",
		Lines: []EntryLine{
			eurLine("1000", 100, 0),
			eurLine("1000", 0, 100),
		},
	})
	assert.Equal(t, domain.CodeAccountNotFound, domain.ErrorCode(err))
}
