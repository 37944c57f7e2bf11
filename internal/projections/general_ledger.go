// Package projections builds read models from the event stream. The general
// ledger keeps per-tenant account balances, balance history and period
// snapshots in memory, checkpointed to the cache database.
package projections

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/bus"
	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
)

// historyCap bounds the per-account balance history; the oldest entries drop.
const historyCap = 1000

// seenCap bounds the dedupe window of applied event ids. The oldest ids fall
// out; a redelivery older than the window would re-apply, but the outbox
// retry horizon is hours while the window holds days of traffic.
const seenCap = 10000

type balanceKey struct {
	TenantID    string
	AccountCode string
}

// BalanceEntry is one point of an account's balance history.
type BalanceEntry struct {
	AsOf         time.Time
	BalanceCents int64
}

type accountState struct {
	Name         string
	Type         domain.AccountType
	IsActive     bool
	BalanceCents int64
}

// TrialBalance sums positive balances into debits and negative balances into
// credits. The float totals are the reporting view; cents are authoritative.
type TrialBalance struct {
	TotalDebits  float64 `json:"totalDebits"`
	TotalCredits float64 `json:"totalCredits"`
	DebitCents   int64   `json:"debitCents,string"`
	CreditCents  int64   `json:"creditCents,string"`
	IsBalanced   bool    `json:"isBalanced"`
}

// IntegrityIssue flags one account whose balance sign contradicts its type.
type IntegrityIssue struct {
	AccountCode  string             `json:"accountCode"`
	AccountType  domain.AccountType `json:"accountType"`
	BalanceCents int64              `json:"balanceCents,string"`
	Problem      string             `json:"problem"`
}

// IntegrityReport lists sign offenders for a tenant.
type IntegrityReport struct {
	Healthy bool             `json:"healthy"`
	Issues  []IntegrityIssue `json:"issues"`
}

// GeneralLedger is the balance projection. The bus delivers events
// at-least-once, so Apply dedupes by event id before mutating anything.
type GeneralLedger struct {
	mu       sync.RWMutex
	accounts map[balanceKey]*accountState
	history  map[balanceKey][]BalanceEntry
	periods  map[string]map[balanceKey]int64 // YYYY-MM -> key -> last balance

	// seen/seenOrder form a bounded FIFO dedupe window over applied event ids.
	seen      map[string]struct{}
	seenOrder []string

	log zerolog.Logger
}

// NewGeneralLedger creates an empty projection.
func NewGeneralLedger(log zerolog.Logger) *GeneralLedger {
	return &GeneralLedger{
		accounts: make(map[balanceKey]*accountState),
		history:  make(map[balanceKey][]BalanceEntry),
		periods:  make(map[string]map[balanceKey]int64),
		seen:     make(map[string]struct{}),
		log:      log.With().Str("service", "gl_projection").Logger(),
	}
}

// HandleMessage consumes one bus message. Corrupt payloads are logged and
// dropped; the bus will not deliver anything better on retry.
func (g *GeneralLedger) HandleMessage(msg bus.Message) {
	ev, err := events.Deserialize(msg.Payload)
	if err != nil {
		g.log.Error().Err(err).Str("topic", msg.Topic).Msg("Dropping undecodable event")
		return
	}
	g.Apply(ev)
}

// Apply applies one event. Repeat deliveries of the same event id are no-ops.
func (g *GeneralLedger) Apply(ev events.Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ev.ID.String()
	if _, dup := g.seen[id]; dup {
		return
	}

	switch p := ev.Payload.(type) {
	case *events.AccountCreated:
		g.seed(ev.TenantID, p.Code, p.Name, p.AccountType)
	case *events.AccountBalanceUpdated:
		// Seeds the read model; balances themselves derive from postings
		g.seed(ev.TenantID, p.AccountCode, p.AccountName, p.AccountType)
	case *events.AccountStateUpdated:
		g.seed(ev.TenantID, p.AccountCode, p.AccountName, p.AccountType)
		g.accounts[balanceKey{ev.TenantID, p.AccountCode}].IsActive = p.IsActive
	case *events.JournalEntryPosted:
		if !g.applyPosting(ev, p) {
			return // not consumed; a later delivery may find the accounts
		}
	default:
		// Other event types carry nothing this projection needs
	}

	g.remember(id)
}

// remember records an applied event id, dropping the oldest once the window
// overflows.
func (g *GeneralLedger) remember(id string) {
	g.seen[id] = struct{}{}
	g.seenOrder = append(g.seenOrder, id)
	if len(g.seenOrder) > seenCap {
		delete(g.seen, g.seenOrder[0])
		g.seenOrder = g.seenOrder[1:]
	}
}

func (g *GeneralLedger) seed(tenantID, code, name string, accType domain.AccountType) {
	key := balanceKey{tenantID, code}
	if acc, ok := g.accounts[key]; ok {
		if name != "" {
			acc.Name = name
		}
		if accType != "" {
			acc.Type = accType
		}
		return
	}
	g.accounts[key] = &accountState{Name: name, Type: accType, IsActive: true}
}

// applyPosting applies every line of a posted entry, or nothing at all when
// any referenced account is unknown (a race between chart updates and
// postings; the entry is retried on redelivery).
func (g *GeneralLedger) applyPosting(ev events.Envelope, p *events.JournalEntryPosted) bool {
	for _, line := range p.Lines {
		if _, ok := g.accounts[balanceKey{ev.TenantID, line.AccountCode}]; !ok {
			g.log.Warn().
				Str("tenant_id", ev.TenantID).
				Str("entry_id", p.EntryID).
				Str("account_code", line.AccountCode).
				Msg("Skipping posted entry referencing unknown account")
			return false
		}
	}

	period := p.PostedAt.UTC().Format("2006-01")
	for _, line := range p.Lines {
		key := balanceKey{ev.TenantID, line.AccountCode}
		acc := g.accounts[key]
		acc.BalanceCents += line.DebitCents - line.CreditCents

		hist := append(g.history[key], BalanceEntry{AsOf: p.PostedAt, BalanceCents: acc.BalanceCents})
		if len(hist) > historyCap {
			hist = hist[len(hist)-historyCap:]
		}
		g.history[key] = hist

		if g.periods[period] == nil {
			g.periods[period] = make(map[balanceKey]int64)
		}
		g.periods[period][key] = acc.BalanceCents
	}
	return true
}

// GetBalance returns the account's balance in cents. With asOf set it returns
// the most recent history entry at or before that time.
func (g *GeneralLedger) GetBalance(tenantID, accountCode string, asOf *time.Time) (int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	key := balanceKey{tenantID, domain.NormalizeAccountCode(accountCode)}
	acc, ok := g.accounts[key]
	if !ok {
		return 0, false
	}
	if asOf == nil {
		return acc.BalanceCents, true
	}

	hist := g.history[key]
	for i := len(hist) - 1; i >= 0; i-- {
		if !hist[i].AsOf.After(*asOf) {
			return hist[i].BalanceCents, true
		}
	}
	return 0, true // account existed but had no postings yet at asOf
}

// Balances returns every account balance for a tenant, keyed by code.
func (g *GeneralLedger) Balances(tenantID string) map[string]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]int64)
	for key, acc := range g.accounts {
		if key.TenantID == tenantID {
			out[key.AccountCode] = acc.BalanceCents
		}
	}
	return out
}

// PeriodBalance returns the last balance observed for an account within a
// YYYY-MM period.
func (g *GeneralLedger) PeriodBalance(tenantID, accountCode, period string) (int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	balances, ok := g.periods[period]
	if !ok {
		return 0, false
	}
	cents, ok := balances[balanceKey{tenantID, domain.NormalizeAccountCode(accountCode)}]
	return cents, ok
}

// History returns a copy of an account's balance history.
func (g *GeneralLedger) History(tenantID, accountCode string) []BalanceEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	hist := g.history[balanceKey{tenantID, domain.NormalizeAccountCode(accountCode)}]
	out := make([]BalanceEntry, len(hist))
	copy(out, hist)
	return out
}

// ComputeTrialBalance sums the tenant's balances into debit and credit totals.
func (g *GeneralLedger) ComputeTrialBalance(tenantID string) TrialBalance {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var debits, credits int64
	for key, acc := range g.accounts {
		if key.TenantID != tenantID {
			continue
		}
		if acc.BalanceCents >= 0 {
			debits += acc.BalanceCents
		} else {
			credits += -acc.BalanceCents
		}
	}

	diff := debits - credits
	if diff < 0 {
		diff = -diff
	}
	return TrialBalance{
		TotalDebits:  float64(debits) / 100,
		TotalCredits: float64(credits) / 100,
		DebitCents:   debits,
		CreditCents:  credits,
		IsBalanced:   diff < 1, // strictly less than one cent
	}
}

// CheckIntegrity flags accounts whose balance sign contradicts their type:
// Asset/Expense negative, Liability/Equity/Revenue positive.
func (g *GeneralLedger) CheckIntegrity(tenantID string) IntegrityReport {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var issues []IntegrityIssue
	for key, acc := range g.accounts {
		if key.TenantID != tenantID {
			continue
		}
		var problem string
		switch acc.Type {
		case domain.AccountTypeAsset, domain.AccountTypeExpense:
			if acc.BalanceCents < 0 {
				problem = "negative balance on debit-normal account"
			}
		case domain.AccountTypeLiability, domain.AccountTypeEquity, domain.AccountTypeRevenue:
			if acc.BalanceCents > 0 {
				problem = "positive balance on credit-normal account"
			}
		}
		if problem != "" {
			issues = append(issues, IntegrityIssue{
				AccountCode:  key.AccountCode,
				AccountType:  acc.Type,
				BalanceCents: acc.BalanceCents,
				Problem:      problem,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].AccountCode < issues[j].AccountCode })
	return IntegrityReport{Healthy: len(issues) == 0, Issues: issues}
}
