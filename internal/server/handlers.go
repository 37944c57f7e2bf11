package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/modules/journal"
	"github.com/finvault/ledgercore/internal/services"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for name, db := range s.cfg.Databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			s.respondError(w, http.StatusServiceUnavailable, "database "+name+" unhealthy")
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tenantID resolves the tenant from the query string or the X-Tenant-ID
// header. Every data route is tenant-scoped.
func tenantID(r *http.Request) string {
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		return tenant
	}
	return r.Header.Get("X-Tenant-ID")
}

func (s *Server) requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := tenantID(r)
	if tenant == "" {
		s.respondError(w, http.StatusBadRequest, "tenant is required (query ?tenant= or X-Tenant-ID header)")
		return "", false
	}
	return tenant, true
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	accounts, err := s.cfg.Accounts.List(r.Context(), tenant)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	acc, err := s.cfg.Accounts.GetByCode(r.Context(), tenant, chi.URLParam(r, "code"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acc)
}

type createAccountRequest struct {
	Code           string                    `json:"code"`
	Name           string                    `json:"name"`
	Type           domain.AccountType        `json:"type"`
	ParentCode     string                    `json:"parentCode,omitempty"`
	SpecialType    domain.SpecialAccountType `json:"specialType,omitempty"`
	PostingAllowed bool                      `json:"postingAllowed"`
	Companions     domain.CompanionLinks     `json:"companions,omitempty"`
	IdempotencyKey string                    `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err := s.cfg.Accounting.CreateAccount(r.Context(), services.CreateAccountCommand{
		TenantID:       tenant,
		IdempotencyKey: req.IdempotencyKey,
		Code:           req.Code,
		Name:           req.Name,
		Type:           req.Type,
		ParentCode:     req.ParentCode,
		SpecialType:    req.SpecialType,
		PostingAllowed: req.PostingAllowed,
		Companions:     req.Companions,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"code": domain.NormalizeAccountCode(req.Code)})
}

type journalLineRequest struct {
	AccountCode string `json:"accountCode"`
	Description string `json:"description,omitempty"`
	DebitCents  int64  `json:"debitCents"`
	CreditCents int64  `json:"creditCents"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference,omitempty"`
}

type postJournalEntryRequest struct {
	EntryID        string               `json:"entryId"`
	Lines          []journalLineRequest `json:"lines"`
	Reference      string               `json:"reference,omitempty"`
	Description    string               `json:"description,omitempty"`
	PostedBy       string               `json:"postedBy,omitempty"`
	PostedAt       time.Time            `json:"postedAt,omitempty"`
	Adjusting      bool                 `json:"adjusting,omitempty"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
}

func (s *Server) handlePostJournalEntry(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	var req postJournalEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	lines := make([]services.EntryLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = services.EntryLine{
			AccountCode: l.AccountCode,
			Description: l.Description,
			DebitCents:  l.DebitCents,
			CreditCents: l.CreditCents,
			Currency:    l.Currency,
			Reference:   l.Reference,
		}
	}

	err := s.cfg.Accounting.PostJournalEntry(r.Context(), services.PostJournalEntryCommand{
		TenantID:       tenant,
		EntryID:        req.EntryID,
		IdempotencyKey: req.IdempotencyKey,
		Lines:          lines,
		Reference:      req.Reference,
		Description:    req.Description,
		PostedBy:       req.PostedBy,
		PostedAt:       req.PostedAt,
		Adjusting:      req.Adjusting,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"entryId": req.EntryID})
}

type reverseJournalEntryRequest struct {
	Reason         string    `json:"reason"`
	ReversedBy     string    `json:"reversedBy,omitempty"`
	ReversalDate   time.Time `json:"reversalDate,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleReverseJournalEntry(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	var req reverseJournalEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	entryID := chi.URLParam(r, "id")
	err := s.cfg.Accounting.ReverseJournalEntry(r.Context(), services.ReverseJournalEntryCommand{
		TenantID:       tenant,
		EntryID:        entryID,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
		ReversedBy:     req.ReversedBy,
		ReversalDate:   req.ReversalDate,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"reversalId": journal.ReversalIDPrefix + entryID})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"balances": s.cfg.Ledger.Balances(tenant)})
}

func (s *Server) handleTrialBalance(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, s.cfg.Ledger.ComputeTrialBalance(tenant))
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, s.cfg.Ledger.CheckIntegrity(tenant))
}

func (s *Server) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	period := chi.URLParam(r, "period")
	s.respondJSON(w, http.StatusOK, map[string]string{
		"period": period,
		"state":  string(s.cfg.Periods.State(tenant, period)),
	})
}

type setPeriodRequest struct {
	State journal.PeriodState `json:"state"`
}

func (s *Server) handleSetPeriod(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requireTenant(w, r)
	if !ok {
		return
	}
	var req setPeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	switch req.State {
	case journal.PeriodOpen, journal.PeriodClosed, journal.PeriodLocked, journal.PeriodFinalized:
	default:
		s.respondError(w, http.StatusBadRequest, "unknown period state")
		return
	}
	s.cfg.Periods.SetState(tenant, chi.URLParam(r, "period"), req.State)
	s.respondJSON(w, http.StatusOK, map[string]string{"state": string(req.State)})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps domain outcomes onto HTTP statuses.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict):
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": "CONCURRENCY_CONFLICT"})
		return
	case errors.Is(err, domain.ErrTenantMismatch):
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": err.Error(), "code": "TENANT_MISMATCH"})
		return
	case errors.Is(err, domain.ErrCircuitOpen):
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error(), "code": "CIRCUIT_OPEN"})
		return
	}

	code := domain.ErrorCode(err)
	status := http.StatusUnprocessableEntity
	switch code {
	case "":
		status = http.StatusInternalServerError
		s.log.Error().Err(err).Msg("Unhandled error")
		s.respondError(w, status, "internal error")
		return
	case domain.CodeAccountNotFound, domain.CodeEntryNotFound, domain.CodeParentNotFound:
		status = http.StatusNotFound
	case domain.CodeDuplicateCode, domain.CodeAlreadyReversed:
		status = http.StatusConflict
	case domain.CodeValidation:
		status = http.StatusBadRequest
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}
