package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/finvault/ledgercore/internal/domain"
)

// Stable event type strings. These are wire contracts; never rename.
const (
	TypeAccountCreated              = "AccountCreated"
	TypeAccountBalanceUpdated       = "AccountBalanceUpdated"
	TypeAccountStateUpdated         = "AccountStateUpdated"
	TypeAccountParentChanged        = "AccountParentChanged"
	TypeAccountPostingPolicyChanged = "AccountPostingPolicyChanged"
	TypeAccountCompanionLinksSet    = "AccountCompanionLinksSet"
	TypeJournalEntryPosted          = "JournalEntryPosted"
)

// newPayload returns a zero payload value for the given event type, or an
// error for unknown types. Unknown types are fatal on deserialization; only
// aggregate replay skips them.
func newPayload(eventType string) (Payload, error) {
	switch eventType {
	case TypeAccountCreated:
		return &AccountCreated{}, nil
	case TypeAccountBalanceUpdated:
		return &AccountBalanceUpdated{}, nil
	case TypeAccountStateUpdated:
		return &AccountStateUpdated{}, nil
	case TypeAccountParentChanged:
		return &AccountParentChanged{}, nil
	case TypeAccountPostingPolicyChanged:
		return &AccountPostingPolicyChanged{}, nil
	case TypeAccountCompanionLinksSet:
		return &AccountCompanionLinksSet{}, nil
	case TypeJournalEntryPosted:
		return &JournalEntryPosted{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}

// AccountCreated records a new account in the chart.
type AccountCreated struct {
	Code           string                    `json:"code"`
	Name           string                    `json:"name"`
	AccountType    domain.AccountType        `json:"accountType"`
	ParentCode     string                    `json:"parentCode,omitempty"`
	SpecialType    domain.SpecialAccountType `json:"specialType"`
	PostingAllowed bool                      `json:"postingAllowed"`
	Companions     domain.CompanionLinks     `json:"companions,omitempty"`
}

// EventType returns the event type for AccountCreated
func (p *AccountCreated) EventType() string { return TypeAccountCreated }

func (p *AccountCreated) validate() error {
	if !p.AccountType.Valid() {
		return fmt.Errorf("invalid account type %q", p.AccountType)
	}
	return domain.ValidateAccountCode(p.Code)
}

// AccountBalanceUpdated records a posting-driven balance change. Name and
// type ride along so read models can be seeded without a chart lookup.
type AccountBalanceUpdated struct {
	AccountCode  string             `json:"accountCode"`
	AccountName  string             `json:"accountName,omitempty"`
	AccountType  domain.AccountType `json:"accountType,omitempty"`
	BalanceCents int64              `json:"balanceCents"`
}

// EventType returns the event type for AccountBalanceUpdated
func (p *AccountBalanceUpdated) EventType() string { return TypeAccountBalanceUpdated }

// AccountStateUpdated records activation or deactivation of an account.
type AccountStateUpdated struct {
	AccountCode string             `json:"accountCode"`
	AccountName string             `json:"accountName,omitempty"`
	AccountType domain.AccountType `json:"accountType,omitempty"`
	IsActive    bool               `json:"isActive"`
}

// EventType returns the event type for AccountStateUpdated
func (p *AccountStateUpdated) EventType() string { return TypeAccountStateUpdated }

// AccountParentChanged records a re-parenting in the hierarchy.
type AccountParentChanged struct {
	AccountCode   string `json:"accountCode"`
	OldParentCode string `json:"oldParentCode,omitempty"`
	NewParentCode string `json:"newParentCode,omitempty"`
}

// EventType returns the event type for AccountParentChanged
func (p *AccountParentChanged) EventType() string { return TypeAccountParentChanged }

// AccountPostingPolicyChanged records a change to postingAllowed.
type AccountPostingPolicyChanged struct {
	AccountCode    string `json:"accountCode"`
	PostingAllowed bool   `json:"postingAllowed"`
}

// EventType returns the event type for AccountPostingPolicyChanged
func (p *AccountPostingPolicyChanged) EventType() string { return TypeAccountPostingPolicyChanged }

// AccountCompanionLinksSet records companion-account wiring.
type AccountCompanionLinksSet struct {
	AccountCode string                `json:"accountCode"`
	Companions  domain.CompanionLinks `json:"companions"`
}

// EventType returns the event type for AccountCompanionLinksSet
func (p *AccountCompanionLinksSet) EventType() string { return TypeAccountCompanionLinksSet }

// PostedLine is one enriched line of a posted journal entry. On the wire each
// amount is carried twice: a numeric major-unit view for human consumers and
// a precision-safe "*Cents" string. Readers prefer cents when both are
// present.
type PostedLine struct {
	AccountCode string
	Description string
	DebitCents  int64
	CreditCents int64
	Reference   string
}

type wirePostedLine struct {
	AccountCode string  `json:"accountCode"`
	Description string  `json:"description,omitempty"`
	Debit       float64 `json:"debit"`
	Credit      float64 `json:"credit"`
	DebitCents  string  `json:"debitCents,omitempty"`
	CreditCents string  `json:"creditCents,omitempty"`
	Reference   string  `json:"reference,omitempty"`
}

// MarshalJSON emits both the numeric and the cents representation.
func (l PostedLine) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePostedLine{
		AccountCode: l.AccountCode,
		Description: l.Description,
		Debit:       float64(l.DebitCents) / 100,
		Credit:      float64(l.CreditCents) / 100,
		DebitCents:  strconv.FormatInt(l.DebitCents, 10),
		CreditCents: strconv.FormatInt(l.CreditCents, 10),
		Reference:   l.Reference,
	})
}

// UnmarshalJSON prefers the cents strings and falls back to the numeric view.
func (l *PostedLine) UnmarshalJSON(data []byte) error {
	var w wirePostedLine
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	l.AccountCode = w.AccountCode
	l.Description = w.Description
	l.Reference = w.Reference

	var err error
	if w.DebitCents != "" {
		l.DebitCents, err = strconv.ParseInt(w.DebitCents, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed debitCents %q: %w", w.DebitCents, err)
		}
	} else {
		l.DebitCents = centsFromFloat(w.Debit)
	}
	if w.CreditCents != "" {
		l.CreditCents, err = strconv.ParseInt(w.CreditCents, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed creditCents %q: %w", w.CreditCents, err)
		}
	} else {
		l.CreditCents = centsFromFloat(w.Credit)
	}
	return nil
}

func centsFromFloat(major float64) int64 {
	if major >= 0 {
		return int64(major*100 + 0.5)
	}
	return -int64(-major*100 + 0.5)
}

// JournalEntryPosted is the minimal core posting event: enriched lines plus
// reference, description and attribution. Richer posting context (periods,
// tax lines, approvals) belongs in companion records, not here.
type JournalEntryPosted struct {
	EntryID     string       `json:"entryId"`
	Lines       []PostedLine `json:"entries"`
	Reference   string       `json:"reference,omitempty"`
	Description string       `json:"description,omitempty"`
	PostedBy    string       `json:"postedBy,omitempty"`
	PostedAt    time.Time    `json:"postedAt"`
}

// EventType returns the event type for JournalEntryPosted
func (p *JournalEntryPosted) EventType() string { return TypeJournalEntryPosted }

func (p *JournalEntryPosted) validate() error {
	for i, l := range p.Lines {
		if l.DebitCents < 0 || l.CreditCents < 0 {
			return fmt.Errorf("line %d has a negative amount", i)
		}
		if (l.DebitCents > 0) == (l.CreditCents > 0) {
			return fmt.Errorf("line %d must have exactly one positive side", i)
		}
	}
	return nil
}
