package domain

import (
	"regexp"
	"strings"
	"time"
)

// AccountType classifies an account for balance-sign and reporting purposes.
type AccountType string

const (
	AccountTypeAsset     AccountType = "Asset"
	AccountTypeLiability AccountType = "Liability"
	AccountTypeEquity    AccountType = "Equity"
	AccountTypeRevenue   AccountType = "Revenue"
	AccountTypeExpense   AccountType = "Expense"
)

// Valid reports whether t is one of the five account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// SpecialAccountType marks accounts with a reserved accounting role.
type SpecialAccountType string

const (
	SpecialNone                      SpecialAccountType = "None"
	SpecialAccumulatedDepreciation   SpecialAccountType = "AccumulatedDepreciation"
	SpecialDepreciationExpense       SpecialAccountType = "DepreciationExpense"
	SpecialGoodwill                  SpecialAccountType = "Goodwill"
	SpecialNciEquity                 SpecialAccountType = "NciEquity"
	SpecialCtaEquity                 SpecialAccountType = "CtaEquity"
	SpecialClearing                  SpecialAccountType = "Clearing"
	SpecialFxGain                    SpecialAccountType = "FxGain"
	SpecialFxLoss                    SpecialAccountType = "FxLoss"
	SpecialIntercoReceivable         SpecialAccountType = "IntercoReceivable"
	SpecialIntercoPayable            SpecialAccountType = "IntercoPayable"
	SpecialEliminationReserve        SpecialAccountType = "EliminationReserve"
	SpecialUnrealizedProfitInventory SpecialAccountType = "UnrealizedProfitInventory"
)

// CompanionLinks pairs an account with its accounting companions, e.g. a
// depreciable asset with its accumulated-depreciation and depreciation-expense
// accounts. The two depreciation codes must be set together or not at all.
type CompanionLinks struct {
	AccumulatedDepreciationCode string `json:"accumulatedDepreciationCode,omitempty"`
	DepreciationExpenseCode     string `json:"depreciationExpenseCode,omitempty"`
	AllowanceAccountCode        string `json:"allowanceAccountCode,omitempty"`
}

// IsZero reports whether no companion link is set.
func (c CompanionLinks) IsZero() bool {
	return c.AccumulatedDepreciationCode == "" && c.DepreciationExpenseCode == "" && c.AllowanceAccountCode == ""
}

// Account is the chart-of-accounts entry. Balance is authoritative in cents.
type Account struct {
	Code           string
	Name           string
	Type           AccountType
	ParentCode     string
	TenantID       string
	Balance        Money
	IsActive       bool
	SpecialType    SpecialAccountType
	PostingAllowed bool
	Companions     CompanionLinks
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var accountCodeRe = regexp.MustCompile(`^[A-Z0-9._-]{1,64}$`)

// NormalizeAccountCode upper-cases and trims a code. Codes are
// case-insensitive; the normalized form is the canonical one.
func NormalizeAccountCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateAccountCode checks the normalized code against the allowed alphabet.
func ValidateAccountCode(code string) error {
	if !accountCodeRe.MatchString(NormalizeAccountCode(code)) {
		return NewError(CodeValidation, "account code %q must be 1-64 chars of [A-Z0-9._-]", code)
	}
	return nil
}

// MaxHierarchyDepth caps the account tree height.
const MaxHierarchyDepth = 5

// SystemAccountPrefix marks accounts whose posting policy is immutable.
const SystemAccountPrefix = "SYSTEM-"
