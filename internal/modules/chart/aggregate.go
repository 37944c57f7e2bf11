// Package chart implements the chart-of-accounts: the event-sourced aggregate
// that owns account structure per tenant, and the SQL read model repositories
// built from its events.
package chart

import (
	"strings"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
)

// StreamPrefix is the aggregate-id prefix for chart streams. One stream per
// tenant holds that tenant's whole chart.
const StreamPrefix = "chart-of-accounts-"

// StreamID returns the chart stream id for a tenant.
func StreamID(tenantID string) string {
	return StreamPrefix + tenantID
}

// parentWalkLimit bounds upward hierarchy walks. The depth invariant keeps
// real charts far below this; the limit only guards against corrupt state.
const parentWalkLimit = 64

// ChartOfAccounts is the per-tenant account-structure aggregate. All mutations
// emit events into the uncommitted buffer; callers persist the buffer and then
// MarkCommitted.
type ChartOfAccounts struct {
	tenantID    string
	version     int
	accounts    map[string]*domain.Account
	uncommitted []events.Envelope
}

// NewChartOfAccounts creates an empty chart for a tenant.
func NewChartOfAccounts(tenantID string) *ChartOfAccounts {
	return &ChartOfAccounts{
		tenantID: tenantID,
		accounts: make(map[string]*domain.Account),
	}
}

// Load rebuilds a chart from its event stream. Unrecognized payload types are
// skipped so old streams survive schema growth.
func Load(tenantID string, stream []events.Envelope) (*ChartOfAccounts, error) {
	c := NewChartOfAccounts(tenantID)
	for _, ev := range stream {
		if ev.TenantID != tenantID {
			return nil, domain.ErrTenantMismatch
		}
		c.apply(ev)
		c.version = ev.Version
	}
	return c, nil
}

// TenantID returns the owning tenant.
func (c *ChartOfAccounts) TenantID() string { return c.tenantID }

// AggregateID returns the stream id.
func (c *ChartOfAccounts) AggregateID() string { return StreamID(c.tenantID) }

// Version returns the committed stream version plus any uncommitted events.
func (c *ChartOfAccounts) Version() int { return c.version }

// CommittedVersion returns the version before uncommitted events.
func (c *ChartOfAccounts) CommittedVersion() int { return c.version - len(c.uncommitted) }

// Uncommitted returns the events emitted since the last MarkCommitted.
func (c *ChartOfAccounts) Uncommitted() []events.Envelope { return c.uncommitted }

// MarkCommitted clears the uncommitted buffer after a successful append.
func (c *ChartOfAccounts) MarkCommitted() { c.uncommitted = nil }

// Account returns a copy of the account with the given code.
func (c *ChartOfAccounts) Account(code string) (domain.Account, bool) {
	acc, ok := c.accounts[domain.NormalizeAccountCode(code)]
	if !ok {
		return domain.Account{}, false
	}
	return *acc, true
}

// Accounts returns copies of all accounts in the chart.
func (c *ChartOfAccounts) Accounts() []domain.Account {
	out := make([]domain.Account, 0, len(c.accounts))
	for _, acc := range c.accounts {
		out = append(out, *acc)
	}
	return out
}

// CreateAccountParams describes a new account.
type CreateAccountParams struct {
	Code           string
	Name           string
	Type           domain.AccountType
	ParentCode     string
	SpecialType    domain.SpecialAccountType
	PostingAllowed bool
	Companions     domain.CompanionLinks
}

// CreateAccount validates and emits AccountCreated.
func (c *ChartOfAccounts) CreateAccount(p CreateAccountParams) error {
	code := domain.NormalizeAccountCode(p.Code)
	if err := domain.ValidateAccountCode(code); err != nil {
		return err
	}
	if p.Name == "" {
		return domain.NewError(domain.CodeValidation, "account name is required")
	}
	if !p.Type.Valid() {
		return domain.NewError(domain.CodeValidation, "invalid account type %q", p.Type)
	}
	if _, exists := c.accounts[code]; exists {
		return domain.NewError(domain.CodeDuplicateCode, "account %s already exists", code)
	}

	parent := domain.NormalizeAccountCode(p.ParentCode)
	if parent != "" {
		pa, ok := c.accounts[parent]
		if !ok {
			return domain.NewError(domain.CodeParentNotFound, "parent account %s does not exist", parent)
		}
		if !pa.IsActive {
			return domain.NewError(domain.CodeAccountInactive, "parent account %s is inactive", parent)
		}
		if pa.Type != p.Type {
			return domain.NewError(domain.CodeTypeMismatch, "account %s type %s does not match parent %s type %s", code, p.Type, parent, pa.Type)
		}
		if c.depth(parent)+1 > domain.MaxHierarchyDepth {
			return domain.NewError(domain.CodeMaxDepthExceeded, "account %s would exceed hierarchy depth %d", code, domain.MaxHierarchyDepth)
		}
	}

	if err := c.checkCompanions(p.Companions); err != nil {
		return err
	}

	special := p.SpecialType
	if special == "" {
		special = domain.SpecialNone
	}

	c.emit(&events.AccountCreated{
		Code:           code,
		Name:           p.Name,
		AccountType:    p.Type,
		ParentCode:     parent,
		SpecialType:    special,
		PostingAllowed: p.PostingAllowed,
		Companions:     p.Companions,
	})
	return nil
}

// UpdateBalance emits AccountBalanceUpdated setting the absolute balance.
// Only active, posting-allowed leaf accounts may carry balances.
func (c *ChartOfAccounts) UpdateBalance(code string, balance domain.Money) error {
	acc, err := c.lookup(code)
	if err != nil {
		return err
	}
	if !acc.IsActive {
		return domain.NewError(domain.CodeAccountInactive, "account %s is inactive", acc.Code)
	}
	if c.hasChildren(acc.Code) {
		return domain.NewError(domain.CodeHeaderAccount, "header account %s may not receive postings", acc.Code)
	}
	if !acc.PostingAllowed {
		return domain.NewError(domain.CodePostingNotAllowed, "posting to account %s is not allowed", acc.Code)
	}
	c.emit(&events.AccountBalanceUpdated{
		AccountCode:  acc.Code,
		AccountName:  acc.Name,
		AccountType:  acc.Type,
		BalanceCents: balance.Cents(),
	})
	return nil
}

// SetActive activates or deactivates an account. Unchanged state is a no-op.
// Deactivation requires all children to already be inactive.
func (c *ChartOfAccounts) SetActive(code string, active bool) error {
	acc, err := c.lookup(code)
	if err != nil {
		return err
	}
	if acc.IsActive == active {
		return nil
	}
	if !active {
		for _, child := range c.accounts {
			if child.ParentCode == acc.Code && child.IsActive {
				return domain.NewError(domain.CodeHasActiveChildren, "account %s has active child %s", acc.Code, child.Code)
			}
		}
	}
	c.emit(&events.AccountStateUpdated{
		AccountCode: acc.Code,
		AccountName: acc.Name,
		AccountType: acc.Type,
		IsActive:    active,
	})
	return nil
}

// ChangeParent re-parents an account, guarding type, depth and cycles.
func (c *ChartOfAccounts) ChangeParent(code, newParentCode string) error {
	acc, err := c.lookup(code)
	if err != nil {
		return err
	}
	newParent := domain.NormalizeAccountCode(newParentCode)
	if newParent == acc.ParentCode {
		return nil
	}

	if newParent != "" {
		pa, ok := c.accounts[newParent]
		if !ok {
			return domain.NewError(domain.CodeParentNotFound, "parent account %s does not exist", newParent)
		}
		if !pa.IsActive {
			return domain.NewError(domain.CodeAccountInactive, "parent account %s is inactive", newParent)
		}
		if pa.Type != acc.Type {
			return domain.NewError(domain.CodeTypeMismatch, "account %s type %s does not match parent %s type %s", acc.Code, acc.Type, newParent, pa.Type)
		}
		// Walk up from the new parent: reaching the account means a cycle
		cur := newParent
		for hops := 0; cur != ""; hops++ {
			if hops > parentWalkLimit {
				return domain.NewError(domain.CodeCycleDetected, "hierarchy walk above %s exceeded %d hops", newParent, parentWalkLimit)
			}
			if cur == acc.Code {
				return domain.NewError(domain.CodeCycleDetected, "moving %s under %s creates a cycle", acc.Code, newParent)
			}
			p, ok := c.accounts[cur]
			if !ok {
				break
			}
			cur = p.ParentCode
		}
		if c.depth(newParent)+c.height(acc.Code) > domain.MaxHierarchyDepth {
			return domain.NewError(domain.CodeMaxDepthExceeded, "moving %s under %s exceeds hierarchy depth %d", acc.Code, newParent, domain.MaxHierarchyDepth)
		}
	}

	c.emit(&events.AccountParentChanged{
		AccountCode:   acc.Code,
		OldParentCode: acc.ParentCode,
		NewParentCode: newParent,
	})
	return nil
}

// SetPostingPolicy flips postingAllowed. System accounts are immutable.
func (c *ChartOfAccounts) SetPostingPolicy(code string, allowed bool) error {
	acc, err := c.lookup(code)
	if err != nil {
		return err
	}
	if strings.HasPrefix(acc.Code, domain.SystemAccountPrefix) {
		return domain.NewError(domain.CodePostingNotAllowed, "posting policy of system account %s is immutable", acc.Code)
	}
	if acc.PostingAllowed == allowed {
		return nil
	}
	c.emit(&events.AccountPostingPolicyChanged{
		AccountCode:    acc.Code,
		PostingAllowed: allowed,
	})
	return nil
}

// SetCompanionLinks wires companion accounts, checking pair consistency and
// that every referenced account exists.
func (c *ChartOfAccounts) SetCompanionLinks(code string, links domain.CompanionLinks) error {
	acc, err := c.lookup(code)
	if err != nil {
		return err
	}
	if err := c.checkCompanions(links); err != nil {
		return err
	}
	c.emit(&events.AccountCompanionLinksSet{
		AccountCode: acc.Code,
		Companions:  links,
	})
	return nil
}

func (c *ChartOfAccounts) lookup(code string) (*domain.Account, error) {
	acc, ok := c.accounts[domain.NormalizeAccountCode(code)]
	if !ok {
		return nil, domain.NewError(domain.CodeAccountNotFound, "account %s does not exist", domain.NormalizeAccountCode(code))
	}
	return acc, nil
}

// checkCompanions validates the depreciation pair rule, that referenced
// accounts exist, and that they carry the matching special role.
func (c *ChartOfAccounts) checkCompanions(links domain.CompanionLinks) error {
	if links.IsZero() {
		return nil
	}
	if (links.AccumulatedDepreciationCode == "") != (links.DepreciationExpenseCode == "") {
		return domain.NewError(domain.CodeCompanionInconsistent,
			"accumulated-depreciation and depreciation-expense companions must be set together")
	}

	check := func(ref string, want domain.SpecialAccountType) error {
		if ref == "" {
			return nil
		}
		acc, ok := c.accounts[domain.NormalizeAccountCode(ref)]
		if !ok {
			return domain.NewError(domain.CodeCompanionInconsistent, "companion account %s does not exist", ref)
		}
		if want != domain.SpecialNone && acc.SpecialType != want {
			return domain.NewError(domain.CodeCompanionInconsistent,
				"companion account %s has special type %s, want %s", acc.Code, acc.SpecialType, want)
		}
		return nil
	}

	if err := check(links.AccumulatedDepreciationCode, domain.SpecialAccumulatedDepreciation); err != nil {
		return err
	}
	if err := check(links.DepreciationExpenseCode, domain.SpecialDepreciationExpense); err != nil {
		return err
	}
	return check(links.AllowanceAccountCode, domain.SpecialNone)
}

func (c *ChartOfAccounts) hasChildren(code string) bool {
	for _, acc := range c.accounts {
		if acc.ParentCode == code {
			return true
		}
	}
	return false
}

// depth returns the 1-based depth of an account (root = 1).
func (c *ChartOfAccounts) depth(code string) int {
	d := 0
	cur := code
	for hops := 0; cur != "" && hops <= parentWalkLimit; hops++ {
		acc, ok := c.accounts[cur]
		if !ok {
			break
		}
		d++
		cur = acc.ParentCode
	}
	return d
}

// height returns the height of the subtree rooted at code (leaf = 1).
func (c *ChartOfAccounts) height(code string) int {
	max := 1
	for _, acc := range c.accounts {
		if acc.ParentCode == code {
			if h := c.height(acc.Code) + 1; h > max {
				max = h
			}
		}
	}
	return max
}

func (c *ChartOfAccounts) emit(payload events.Payload) {
	c.version++
	ev := events.New(c.AggregateID(), c.tenantID, c.version, payload)
	c.uncommitted = append(c.uncommitted, ev)
	c.apply(ev)
}

// apply mutates state from an event. It never fails: invalid transitions are
// rejected before emit, and replay tolerates anything that was once valid.
func (c *ChartOfAccounts) apply(ev events.Envelope) {
	switch p := ev.Payload.(type) {
	case *events.AccountCreated:
		c.accounts[p.Code] = &domain.Account{
			Code:           p.Code,
			Name:           p.Name,
			Type:           p.AccountType,
			ParentCode:     p.ParentCode,
			TenantID:       c.tenantID,
			Balance:        domain.NewMoney(0),
			IsActive:       true,
			SpecialType:    p.SpecialType,
			PostingAllowed: p.PostingAllowed,
			Companions:     p.Companions,
			CreatedAt:      ev.OccurredAt,
			UpdatedAt:      ev.OccurredAt,
		}
	case *events.AccountBalanceUpdated:
		if acc, ok := c.accounts[p.AccountCode]; ok {
			acc.Balance = domain.NewMoney(p.BalanceCents)
			acc.UpdatedAt = ev.OccurredAt
		}
	case *events.AccountStateUpdated:
		if acc, ok := c.accounts[p.AccountCode]; ok {
			acc.IsActive = p.IsActive
			acc.UpdatedAt = ev.OccurredAt
		}
	case *events.AccountParentChanged:
		if acc, ok := c.accounts[p.AccountCode]; ok {
			acc.ParentCode = p.NewParentCode
			acc.UpdatedAt = ev.OccurredAt
		}
	case *events.AccountPostingPolicyChanged:
		if acc, ok := c.accounts[p.AccountCode]; ok {
			acc.PostingAllowed = p.PostingAllowed
			acc.UpdatedAt = ev.OccurredAt
		}
	case *events.AccountCompanionLinksSet:
		if acc, ok := c.accounts[p.AccountCode]; ok {
			acc.Companions = p.Companions
			acc.UpdatedAt = ev.OccurredAt
		}
	}
}
