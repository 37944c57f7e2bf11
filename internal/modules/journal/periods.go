package journal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/domain"
)

// PeriodState gates whether postings may land in a YYYY-MM period.
type PeriodState string

const (
	PeriodOpen      PeriodState = "OPEN"
	PeriodClosed    PeriodState = "CLOSED"
	PeriodLocked    PeriodState = "LOCKED"
	PeriodFinalized PeriodState = "FINALIZED"
)

// PeriodOf returns the YYYY-MM period key of a time, in UTC.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodService tracks accounting-period states per tenant. Unknown periods
// are OPEN. Closing/locking is an administrative action; the service only
// enforces the gate.
type PeriodService struct {
	mu     sync.RWMutex
	states map[string]map[string]PeriodState // tenant -> period -> state
	log    zerolog.Logger
}

// NewPeriodService creates a period service with all periods open.
func NewPeriodService(log zerolog.Logger) *PeriodService {
	return &PeriodService{
		states: make(map[string]map[string]PeriodState),
		log:    log.With().Str("service", "periods").Logger(),
	}
}

// SetState sets a period's state for a tenant.
func (s *PeriodService) SetState(tenantID, period string, state PeriodState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.states[tenantID]
	if !ok {
		tenant = make(map[string]PeriodState)
		s.states[tenantID] = tenant
	}
	tenant[period] = state
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("period", period).
		Str("state", string(state)).
		Msg("Accounting period state changed")
}

// State returns a period's state, OPEN when never set.
func (s *PeriodService) State(tenantID, period string) PeriodState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tenant, ok := s.states[tenantID]; ok {
		if state, ok := tenant[period]; ok {
			return state
		}
	}
	return PeriodOpen
}

// CheckPostable enforces the period gate for a posting date. CLOSED admits
// only adjusting entries; LOCKED and FINALIZED admit nothing.
func (s *PeriodService) CheckPostable(tenantID string, at time.Time, adjusting bool) error {
	period := PeriodOf(at)
	switch state := s.State(tenantID, period); state {
	case PeriodOpen:
		return nil
	case PeriodClosed:
		if adjusting {
			return nil
		}
		return domain.NewError(domain.CodePeriodClosed, "period %s is closed", period)
	default: // LOCKED, FINALIZED
		return domain.NewError(domain.CodePeriodClosed, "period %s is %s", period, state)
	}
}
