// Package services holds the orchestrators that tie aggregates, the event
// store, the outbox and external collaborators into transactional commands.
package services

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/eventstore"
	"github.com/finvault/ledgercore/internal/modules/chart"
	"github.com/finvault/ledgercore/internal/modules/journal"
	"github.com/finvault/ledgercore/internal/outbox"
	"github.com/finvault/ledgercore/internal/resilience"
)

// conflictRetries is how often a command reloads and reapplies after losing an
// optimistic-concurrency race.
const conflictRetries = 3

// AccountingService is the command-side orchestrator. Every public operation
// runs behind a named circuit breaker and commits events plus outbox rows in
// one transaction.
type AccountingService struct {
	store    eventstore.Store
	outbox   *outbox.Repository
	accounts *chart.AccountRepository
	periods  journal.PeriodChecker
	rates    *Converter
	breakers *resilience.Registry
	log      zerolog.Logger
}

// NewAccountingService wires the orchestrator.
func NewAccountingService(
	store eventstore.Store,
	outboxRepo *outbox.Repository,
	accounts *chart.AccountRepository,
	periods journal.PeriodChecker,
	rates *Converter,
	breakers *resilience.Registry,
	log zerolog.Logger,
) *AccountingService {
	return &AccountingService{
		store:    store,
		outbox:   outboxRepo,
		accounts: accounts,
		periods:  periods,
		rates:    rates,
		breakers: breakers,
		log:      log.With().Str("service", "accounting").Logger(),
	}
}

// CreateAccountCommand creates one account in a tenant's chart.
type CreateAccountCommand struct {
	TenantID       string
	IdempotencyKey string

	Code           string
	Name           string
	Type           domain.AccountType
	ParentCode     string
	SpecialType    domain.SpecialAccountType
	PostingAllowed bool
	Companions     domain.CompanionLinks
}

// CreateAccount loads the tenant's chart, applies the command and commits the
// resulting events together with their outbox rows. The read model is updated
// after the commit; a replayed idempotency key is a silent success.
func (s *AccountingService) CreateAccount(ctx context.Context, cmd CreateAccountCommand) error {
	return s.breakers.Execute("create_account", func() error {
		return s.withConflictRetry(ctx, func() error {
			return s.createAccount(ctx, cmd)
		})
	})
}

func (s *AccountingService) createAccount(ctx context.Context, cmd CreateAccountCommand) error {
	// A replayed command would trip the duplicate-code guard on the reloaded
	// chart, so the idempotency check runs before the aggregate sees it
	if replayed, err := s.replayed(ctx, cmd.TenantID, cmd.IdempotencyKey); err != nil || replayed {
		return err
	}

	stream, err := s.store.ReadStream(ctx, cmd.TenantID, chart.StreamID(cmd.TenantID))
	if err != nil {
		return err
	}
	c, err := chart.Load(cmd.TenantID, stream)
	if err != nil {
		return err
	}

	if err := c.CreateAccount(chart.CreateAccountParams{
		Code:           cmd.Code,
		Name:           cmd.Name,
		Type:           cmd.Type,
		ParentCode:     cmd.ParentCode,
		SpecialType:    cmd.SpecialType,
		PostingAllowed: cmd.PostingAllowed,
		Companions:     cmd.Companions,
	}); err != nil {
		return err
	}

	pending := c.Uncommitted()
	res, err := s.store.AppendInTransaction(ctx, eventstore.AppendRequest{
		AggregateID:     c.AggregateID(),
		TenantID:        cmd.TenantID,
		ExpectedVersion: c.CommittedVersion(),
		IdempotencyKey:  cmd.IdempotencyKey,
		Events:          pending,
	}, func(tx *sql.Tx) error {
		return s.outbox.InsertTx(tx, pending)
	})
	if err != nil {
		return err
	}
	c.MarkCommitted()
	if res.Replayed {
		s.log.Debug().
			Str("tenant_id", cmd.TenantID).
			Str("idempotency_key", cmd.IdempotencyKey).
			Msg("Create-account replayed, skipping side effects")
		return nil
	}

	acc, ok := c.Account(cmd.Code)
	if !ok {
		return domain.NewError(domain.CodeAccountNotFound, "account %s missing after create", cmd.Code)
	}
	if err := s.accounts.Upsert(ctx, acc); err != nil {
		// Events committed; the projection catches up from the bus
		s.log.Warn().Err(err).
			Str("tenant_id", cmd.TenantID).
			Str("account_code", acc.Code).
			Msg("Read-model upsert failed after commit")
	}

	s.log.Info().
		Str("tenant_id", cmd.TenantID).
		Str("account_code", acc.Code).
		Int("version", res.NewVersion).
		Msg("Account created")
	return nil
}

// EntryLine is one command-side journal line in its original currency.
type EntryLine struct {
	AccountCode string
	Description string
	DebitCents  int64
	CreditCents int64
	Currency    string
	Reference   string
}

// PostJournalEntryCommand posts one balanced journal entry.
type PostJournalEntryCommand struct {
	TenantID       string
	EntryID        string
	IdempotencyKey string

	Lines       []EntryLine
	Reference   string
	Description string
	PostedBy    string
	PostedAt    time.Time
	Adjusting   bool
}

// PostJournalEntry validates accounts and currencies, converts every line to
// the base currency, then approves and posts the entry, committing the posted
// event and its outbox row atomically.
func (s *AccountingService) PostJournalEntry(ctx context.Context, cmd PostJournalEntryCommand) error {
	return s.breakers.Execute("post_journal_entry", func() error {
		return s.withConflictRetry(ctx, func() error {
			return s.postJournalEntry(ctx, cmd)
		})
	})
}

func (s *AccountingService) postJournalEntry(ctx context.Context, cmd PostJournalEntryCommand) error {
	if replayed, err := s.replayed(ctx, cmd.TenantID, cmd.IdempotencyKey); err != nil || replayed {
		return err
	}
	if len(cmd.Lines) == 0 {
		return domain.NewError(domain.CodeValidation, "entry has no lines")
	}

	// One bulk read-model lookup, then fail fast on the first unknown account
	codes := make([]string, 0, len(cmd.Lines))
	for _, l := range cmd.Lines {
		codes = append(codes, l.AccountCode)
	}
	known, err := s.accounts.GetByCodes(ctx, cmd.TenantID, codes)
	if err != nil {
		return err
	}
	var origDebits, origCredits int64
	for i, l := range cmd.Lines {
		code := domain.NormalizeAccountCode(l.AccountCode)
		if _, ok := known[code]; !ok {
			return domain.NewError(domain.CodeAccountNotFound, "account %s does not exist", code)
		}
		if l.Currency == "" {
			return domain.NewError(domain.CodeValidation, "line %d has no currency", i)
		}
		if l.DebitCents < 0 || l.CreditCents < 0 {
			return domain.NewError(domain.CodeValidation, "line %d has a negative amount", i)
		}
		origDebits += l.DebitCents
		origCredits += l.CreditCents
	}
	if origDebits != origCredits {
		return domain.NewError(domain.CodeNotBalanced,
			"original-currency debits %d do not balance credits %d", origDebits, origCredits)
	}

	lines, err := s.convertLines(ctx, cmd)
	if err != nil {
		return err
	}

	entry, err := journal.NewJournalEntry(cmd.EntryID, cmd.TenantID, lines, cmd.Reference, cmd.Description)
	if err != nil {
		return err
	}
	if err := entry.Approve(); err != nil {
		return err
	}
	if err := entry.Post(journal.PostParams{
		PostedBy:  cmd.PostedBy,
		PostedAt:  cmd.PostedAt,
		Adjusting: cmd.Adjusting,
	}, s.periods); err != nil {
		return err
	}

	return s.commitEntry(ctx, entry, cmd.IdempotencyKey)
}

// convertLines converts each command line to the base currency and absorbs
// any rounding residue.
func (s *AccountingService) convertLines(ctx context.Context, cmd PostJournalEntryCommand) ([]journal.Line, error) {
	day := cmd.PostedAt
	if day.IsZero() {
		day = time.Now().UTC()
	}
	base := s.rates.BaseCurrency()

	converted := make([]journal.Line, len(cmd.Lines))
	needsRebalance := false
	for i, l := range cmd.Lines {
		debit, err := s.rates.ConvertCents(ctx, l.DebitCents, l.Currency, base, day)
		if err != nil {
			return nil, err
		}
		credit, err := s.rates.ConvertCents(ctx, l.CreditCents, l.Currency, base, day)
		if err != nil {
			return nil, err
		}
		if l.Currency != base {
			needsRebalance = true
		}
		converted[i] = journal.Line{
			AccountCode: l.AccountCode,
			Description: l.Description,
			Debit:       domain.NewMoney(debit),
			Credit:      domain.NewMoney(credit),
			Reference:   l.Reference,
		}
	}
	if !needsRebalance {
		return converted, nil
	}
	return s.rates.Redistribute(converted)
}

// ReverseJournalEntryCommand reverses a posted entry.
type ReverseJournalEntryCommand struct {
	TenantID       string
	EntryID        string
	IdempotencyKey string

	Reason       string
	ReversedBy   string
	ReversalDate time.Time
}

// ReverseJournalEntry loads the original entry, posts the opposite-sided
// reversal on its own stream and then marks the original reversed.
func (s *AccountingService) ReverseJournalEntry(ctx context.Context, cmd ReverseJournalEntryCommand) error {
	return s.breakers.Execute("reverse_journal_entry", func() error {
		return s.withConflictRetry(ctx, func() error {
			return s.reverseJournalEntry(ctx, cmd)
		})
	})
}

func (s *AccountingService) reverseJournalEntry(ctx context.Context, cmd ReverseJournalEntryCommand) error {
	if replayed, err := s.replayed(ctx, cmd.TenantID, cmd.IdempotencyKey); err != nil || replayed {
		return err
	}

	stream, err := s.store.ReadStream(ctx, cmd.TenantID, journal.StreamID(cmd.EntryID))
	if err != nil {
		return err
	}
	if len(stream) == 0 {
		return domain.NewError(domain.CodeEntryNotFound, "journal entry %s does not exist", cmd.EntryID)
	}
	original, err := journal.Load(cmd.EntryID, cmd.TenantID, stream)
	if err != nil {
		return err
	}

	// Re-reversal guard: a reversal that already posted has its own stream
	revStream, err := s.store.ReadStream(ctx, cmd.TenantID, journal.StreamID(journal.ReversalIDPrefix+cmd.EntryID))
	if err != nil {
		return err
	}
	if len(revStream) > 0 {
		return domain.NewError(domain.CodeAlreadyReversed, "entry %s is already reversed", cmd.EntryID)
	}

	when := cmd.ReversalDate
	if when.IsZero() {
		when = time.Now().UTC()
	}
	reversal, err := original.BuildReversal(journal.ReversalParams{
		ReversalDate: when,
		Reason:       cmd.Reason,
		ReversedBy:   cmd.ReversedBy,
	}, s.periods)
	if err != nil {
		return err
	}
	if err := reversal.Approve(); err != nil {
		return err
	}
	if err := reversal.Post(journal.PostParams{PostedBy: cmd.ReversedBy, PostedAt: when}, s.periods); err != nil {
		return err
	}

	if err := s.commitEntry(ctx, reversal, cmd.IdempotencyKey); err != nil {
		return err
	}
	if err := original.MarkReversed(); err != nil {
		return err
	}

	s.log.Info().
		Str("tenant_id", cmd.TenantID).
		Str("entry_id", cmd.EntryID).
		Str("reversal_id", reversal.ID()).
		Msg("Journal entry reversed")
	return nil
}

// commitEntry appends an entry's pending events plus their outbox rows.
func (s *AccountingService) commitEntry(ctx context.Context, entry *journal.JournalEntry, idempotencyKey string) error {
	pending := entry.Uncommitted()
	res, err := s.store.AppendInTransaction(ctx, eventstore.AppendRequest{
		AggregateID:     entry.AggregateID(),
		TenantID:        entry.TenantID(),
		ExpectedVersion: entry.CommittedVersion(),
		IdempotencyKey:  idempotencyKey,
		Events:          pending,
	}, func(tx *sql.Tx) error {
		return s.outbox.InsertTx(tx, pending)
	})
	if err != nil {
		return err
	}
	entry.MarkCommitted()
	if res.Replayed {
		s.log.Debug().
			Str("tenant_id", entry.TenantID()).
			Str("entry_id", entry.ID()).
			Msg("Journal append replayed, skipping side effects")
		return nil
	}

	s.log.Info().
		Str("tenant_id", entry.TenantID()).
		Str("entry_id", entry.ID()).
		Int("version", res.NewVersion).
		Msg("Journal entry posted")
	return nil
}

// replayed reports whether a command's idempotency key was already committed.
func (s *AccountingService) replayed(ctx context.Context, tenantID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	seen, err := s.store.HasIdempotencyKey(ctx, tenantID, key)
	if err != nil {
		return false, err
	}
	if seen {
		s.log.Debug().
			Str("tenant_id", tenantID).
			Str("idempotency_key", key).
			Msg("Command replayed, skipping")
	}
	return seen, nil
}

// withConflictRetry reruns op after optimistic-concurrency losses, with a
// short jittered pause so competing writers interleave.
func (s *AccountingService) withConflictRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(rand.Intn(50)+10) * time.Millisecond):
			}
			s.log.Debug().Int("attempt", attempt).Msg("Retrying after concurrency conflict")
		}
		err = op()
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}
