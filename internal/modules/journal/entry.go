// Package journal implements the journal-entry aggregate: the posting
// workflow state machine, line validation, reversal construction and the
// accounting-period gate.
package journal

import (
	"fmt"
	"regexp"
	"time"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
)

// StreamPrefix is the aggregate-id prefix for journal-entry streams.
const StreamPrefix = "journal-entry-"

// ReversalIDPrefix derives the reversal entry id from the original.
const ReversalIDPrefix = "REV-"

// StreamID returns the journal stream id for an entry.
func StreamID(entryID string) string {
	return StreamPrefix + entryID
}

// Status is the workflow state of a journal entry.
type Status string

const (
	StatusDraft    Status = "Draft"
	StatusApproved Status = "Approved"
	StatusPosted   Status = "Posted"
	StatusAdjusted Status = "Adjusted"
	StatusVoided   Status = "Voided"
	StatusReversed Status = "Reversed"
)

// transitions is the allowed-transition table. Self-loops are no-ops: the
// command succeeds without effect and without re-evaluating guards.
var transitions = map[Status]map[Status]bool{
	StatusDraft:    {StatusDraft: true, StatusApproved: true, StatusVoided: true},
	StatusApproved: {StatusApproved: true, StatusPosted: true, StatusDraft: true, StatusVoided: true},
	StatusPosted:   {StatusAdjusted: true, StatusReversed: true, StatusVoided: true},
	StatusAdjusted: {StatusAdjusted: true, StatusReversed: true, StatusVoided: true},
	// Voided and Reversed are terminal
}

const (
	minLines = 2
	maxLines = 100

	// maxLineAmountCents is 1,000,000 major units per line.
	maxLineAmountCents = int64(100_000_000)
)

var referenceRe = regexp.MustCompile(`^[A-Z0-9-]{3,20}$`)

// Line is one side of a double entry. Exactly one of debit/credit is
// positive; both are non-negative.
type Line struct {
	AccountCode string
	Description string
	Debit       domain.Money
	Credit      domain.Money
	Reference   string
}

func (l Line) validate(i int) error {
	if err := domain.ValidateAccountCode(l.AccountCode); err != nil {
		return err
	}
	if l.Debit.IsNegative() || l.Credit.IsNegative() {
		return domain.NewError(domain.CodeValidation, "line %d has a negative amount", i)
	}
	if l.Debit.IsPositive() == l.Credit.IsPositive() {
		return domain.NewError(domain.CodeValidation, "line %d must have exactly one positive side", i)
	}
	if l.Debit.Cents() > maxLineAmountCents || l.Credit.Cents() > maxLineAmountCents {
		return domain.NewError(domain.CodeValidation, "line %d exceeds the per-line amount limit", i)
	}
	return nil
}

// JournalEntry is the posting workflow aggregate. The only persisted event is
// JournalEntryPosted; pre-posting workflow state is transient.
type JournalEntry struct {
	id          string
	tenantID    string
	status      Status
	lines       []Line
	reference   string
	description string
	postedAt    time.Time
	postedBy    string
	version     int
	uncommitted []events.Envelope
}

// NewJournalEntry creates a draft entry. Line shape (XOR sides, limits) and
// the reference format are validated here; count and balance are checked by
// the approve/post guards.
func NewJournalEntry(id, tenantID string, lines []Line, reference, description string) (*JournalEntry, error) {
	if id == "" {
		return nil, domain.NewError(domain.CodeValidation, "journal entry id is required")
	}
	if reference != "" && !referenceRe.MatchString(reference) {
		return nil, domain.NewError(domain.CodeValidation, "reference %q must match [A-Z0-9-]{3,20}", reference)
	}
	normalized := make([]Line, len(lines))
	for i, l := range lines {
		if err := l.validate(i); err != nil {
			return nil, err
		}
		l.AccountCode = domain.NormalizeAccountCode(l.AccountCode)
		normalized[i] = l
	}
	return &JournalEntry{
		id:          id,
		tenantID:    tenantID,
		status:      StatusDraft,
		lines:       normalized,
		reference:   reference,
		description: description,
	}, nil
}

// Load rebuilds a posted entry from its stream. Only JournalEntryPosted
// carries state; anything else in the stream is ignored.
func Load(id, tenantID string, stream []events.Envelope) (*JournalEntry, error) {
	e := &JournalEntry{id: id, tenantID: tenantID, status: StatusDraft}
	for _, ev := range stream {
		if ev.TenantID != tenantID {
			return nil, domain.ErrTenantMismatch
		}
		e.version = ev.Version
		p, ok := ev.Payload.(*events.JournalEntryPosted)
		if !ok {
			continue
		}
		e.status = StatusPosted
		e.reference = p.Reference
		e.description = p.Description
		e.postedBy = p.PostedBy
		e.postedAt = p.PostedAt
		e.lines = make([]Line, len(p.Lines))
		for i, l := range p.Lines {
			e.lines[i] = Line{
				AccountCode: l.AccountCode,
				Description: l.Description,
				Debit:       domain.NewMoney(l.DebitCents),
				Credit:      domain.NewMoney(l.CreditCents),
				Reference:   l.Reference,
			}
		}
	}
	return e, nil
}

// ID returns the entry id.
func (e *JournalEntry) ID() string { return e.id }

// TenantID returns the owning tenant.
func (e *JournalEntry) TenantID() string { return e.tenantID }

// AggregateID returns the stream id.
func (e *JournalEntry) AggregateID() string { return StreamID(e.id) }

// Status returns the workflow state.
func (e *JournalEntry) Status() Status { return e.status }

// Lines returns the entry's lines.
func (e *JournalEntry) Lines() []Line { return e.lines }

// Reference returns the entry reference.
func (e *JournalEntry) Reference() string { return e.reference }

// Description returns the entry description.
func (e *JournalEntry) Description() string { return e.description }

// PostedAt returns the posting time (zero unless posted).
func (e *JournalEntry) PostedAt() time.Time { return e.postedAt }

// PostedBy returns who posted the entry.
func (e *JournalEntry) PostedBy() string { return e.postedBy }

// Version returns the stream version including uncommitted events.
func (e *JournalEntry) Version() int { return e.version }

// CommittedVersion returns the version before uncommitted events.
func (e *JournalEntry) CommittedVersion() int { return e.version - len(e.uncommitted) }

// Uncommitted returns events emitted since the last MarkCommitted.
func (e *JournalEntry) Uncommitted() []events.Envelope { return e.uncommitted }

// MarkCommitted clears the uncommitted buffer.
func (e *JournalEntry) MarkCommitted() { e.uncommitted = nil }

// Totals returns the debit and credit sums in minor units.
func (e *JournalEntry) Totals() (debits, credits domain.Money) {
	for _, l := range e.lines {
		debits = debits.Add(l.Debit)
		credits = credits.Add(l.Credit)
	}
	return debits, credits
}

// IsBalanced reports whether debits equal credits and the total is positive.
func (e *JournalEntry) IsBalanced() bool {
	d, c := e.Totals()
	return d.Compare(c) == 0 && d.IsPositive()
}

func (e *JournalEntry) transition(to Status, command string) (noop bool, err error) {
	allowed, ok := transitions[e.status]
	if !ok || !allowed[to] {
		return false, domain.NewError(domain.CodeInvalidTransition,
			"%s: cannot go from %s to %s", command, e.status, to)
	}
	return e.status == to, nil
}

func (e *JournalEntry) checkBalanced() error {
	if n := len(e.lines); n < minLines || n > maxLines {
		return domain.NewError(domain.CodeValidation, "entry must have %d-%d lines, has %d", minLines, maxLines, n)
	}
	if !e.IsBalanced() {
		d, c := e.Totals()
		return domain.NewError(domain.CodeNotBalanced, "debits %s do not balance credits %s", d, c)
	}
	return nil
}

// Approve moves the entry to Approved. No-op when already approved.
func (e *JournalEntry) Approve() error {
	noop, err := e.transition(StatusApproved, "approve")
	if err != nil || noop {
		return err
	}
	if err := e.checkBalanced(); err != nil {
		return err
	}
	e.status = StatusApproved
	return nil
}

// ReturnToDraft moves an approved entry back to Draft for editing.
func (e *JournalEntry) ReturnToDraft() error {
	noop, err := e.transition(StatusDraft, "return to draft")
	if err != nil || noop {
		return err
	}
	e.status = StatusDraft
	return nil
}

// PeriodChecker gates postings on the accounting period of the posting date.
type PeriodChecker interface {
	CheckPostable(tenantID string, at time.Time, adjusting bool) error
}

// PostParams carries posting attribution and period context.
type PostParams struct {
	PostedBy  string
	PostedAt  time.Time
	Adjusting bool
}

// Post moves an approved entry to Posted and emits JournalEntryPosted.
func (e *JournalEntry) Post(p PostParams, periods PeriodChecker) error {
	if e.status == StatusDraft {
		return domain.NewError(domain.CodeNotApproved, "entry %s has not been approved", e.id)
	}
	if _, err := e.transition(StatusPosted, "post"); err != nil {
		return err
	}
	if err := e.checkBalanced(); err != nil {
		return err
	}
	at := p.PostedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if periods != nil {
		if err := periods.CheckPostable(e.tenantID, at, p.Adjusting); err != nil {
			return err
		}
	}

	e.status = StatusPosted
	e.postedAt = at.UTC()
	e.postedBy = p.PostedBy
	e.emit(&events.JournalEntryPosted{
		EntryID:     e.id,
		Lines:       e.postedLines(),
		Reference:   e.reference,
		Description: e.description,
		PostedBy:    e.postedBy,
		PostedAt:    e.postedAt,
	})
	return nil
}

// Adjust marks a posted entry as adjusted. No-op when already adjusted.
func (e *JournalEntry) Adjust() error {
	if e.status != StatusPosted && e.status != StatusAdjusted {
		return domain.NewError(domain.CodeInvalidAdjustment, "entry %s is %s, only posted entries can be adjusted", e.id, e.status)
	}
	e.status = StatusAdjusted
	return nil
}

// Void cancels the entry from any non-terminal state.
func (e *JournalEntry) Void() error {
	if e.status == StatusVoided {
		return domain.NewError(domain.CodeAlreadyVoided, "entry %s is already voided", e.id)
	}
	if _, err := e.transition(StatusVoided, "void"); err != nil {
		return err
	}
	e.status = StatusVoided
	return nil
}

// ReversalParams carries reversal attribution and dates.
type ReversalParams struct {
	ReversalDate time.Time
	Reason       string
	ReversedBy   string
}

// BuildReversal validates the reversal guards and constructs the opposite
// entry: id REV-<id>, swapped debit/credit, reference prefixed REV-. The
// caller posts the reversal and then calls MarkReversed on this entry.
func (e *JournalEntry) BuildReversal(p ReversalParams, periods PeriodChecker) (*JournalEntry, error) {
	if e.status == StatusReversed {
		return nil, domain.NewError(domain.CodeAlreadyReversed, "entry %s is already reversed", e.id)
	}
	if e.status != StatusPosted && e.status != StatusAdjusted {
		return nil, domain.NewError(domain.CodeInvalidTransition,
			"reverse: cannot go from %s to %s", e.status, StatusReversed)
	}
	if p.ReversalDate.Before(e.postedAt) {
		return nil, domain.NewError(domain.CodeInvalidReversalDate,
			"reversal date %s precedes posting date %s",
			p.ReversalDate.Format(time.RFC3339), e.postedAt.Format(time.RFC3339))
	}
	if periods != nil {
		if err := periods.CheckPostable(e.tenantID, p.ReversalDate, false); err != nil {
			return nil, err
		}
	}

	swapped := make([]Line, len(e.lines))
	for i, l := range e.lines {
		swapped[i] = Line{
			AccountCode: l.AccountCode,
			Description: l.Description,
			Debit:       l.Credit,
			Credit:      l.Debit,
			Reference:   l.Reference,
		}
	}
	reference := ReversalIDPrefix + e.reference
	if e.reference == "" {
		reference = ReversalIDPrefix + e.id
	}
	description := fmt.Sprintf("Reversal of %s: %s", e.id, p.Reason)

	rev, err := NewJournalEntry(ReversalIDPrefix+e.id, e.tenantID, swapped, "", description)
	if err != nil {
		return nil, err
	}
	// The derived reference is system-built from the original's reference or
	// id and may exceed the inbound format, which gates caller-supplied
	// references only. Every posted entry must stay reversible.
	rev.reference = reference
	return rev, nil
}

// MarkReversed transitions the entry to Reversed after its reversal posted.
func (e *JournalEntry) MarkReversed() error {
	if e.status == StatusReversed {
		return domain.NewError(domain.CodeAlreadyReversed, "entry %s is already reversed", e.id)
	}
	if _, err := e.transition(StatusReversed, "reverse"); err != nil {
		return err
	}
	e.status = StatusReversed
	return nil
}

func (e *JournalEntry) postedLines() []events.PostedLine {
	out := make([]events.PostedLine, len(e.lines))
	for i, l := range e.lines {
		out[i] = events.PostedLine{
			AccountCode: l.AccountCode,
			Description: l.Description,
			DebitCents:  l.Debit.Cents(),
			CreditCents: l.Credit.Cents(),
			Reference:   l.Reference,
		}
	}
	return out
}

func (e *JournalEntry) emit(payload events.Payload) {
	e.version++
	ev := events.New(e.AggregateID(), e.tenantID, e.version, payload)
	e.uncommitted = append(e.uncommitted, ev)
}
