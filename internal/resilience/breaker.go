// Package resilience wraps circuit breakers around operations that touch
// shared infrastructure (projection updates, bus publishes, rate lookups).
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/finvault/ledgercore/internal/domain"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before Open
	RecoveryTimeout  time.Duration // Open duration before a HalfOpen probe
	SuccessThreshold uint32        // HalfOpen successes before Closed
	MonitoringPeriod time.Duration // Closed-state counter reset interval
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
		MonitoringPeriod: 60 * time.Second,
	}
}

// Registry holds one named circuit breaker per protected operation. Breakers
// are created lazily on first use and live for the process lifetime.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
	log      zerolog.Logger
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg BreakerConfig, log zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		log:      log.With().Str("component", "circuit_breaker").Logger(),
	}
}

// Execute runs op behind the named breaker. While the breaker is open the op
// is not attempted and domain.ErrCircuitOpen is returned.
func (r *Registry) Execute(name string, op func() error) error {
	_, err := r.breaker(name).Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrCircuitOpen
	}
	return err
}

// State returns the breaker's current state name, "closed" if never used.
func (r *Registry) State(name string) string {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// States returns the state of every breaker created so far.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State().String()
	}
	return states
}

func (r *Registry) breaker(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.cfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.MonitoringPeriod,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	r.breakers[name] = cb
	return cb
}
