package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/bus"
)

// DispatcherConfig tunes the background publish loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	LeaseTimeout time.Duration
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: 1 * time.Second,
		BatchSize:    100,
		LeaseTimeout: 5 * time.Minute,
	}
}

// Dispatcher drains the outbox: lease a batch, publish each row, mark
// published or schedule a retry. Multiple dispatchers are safe because
// leasing is a single atomic update; a crashed dispatcher's leases expire
// via ReclaimStale.
type Dispatcher struct {
	repo      *Repository
	publisher bus.Publisher
	cfg       DispatcherConfig
	log       zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a dispatcher; call Start to begin draining.
func NewDispatcher(repo *Repository, publisher bus.Publisher, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("job", "outbox_dispatcher").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the drain loop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
	d.log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("Outbox dispatcher started")
}

// Stop signals the loop and waits for the in-flight batch to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
	d.log.Info().Msg("Outbox dispatcher stopped")
}

// Drain runs one lease-publish cycle; exposed for tests and for flushing
// before shutdown. Returns the number of rows published.
func (d *Dispatcher) Drain(ctx context.Context) int {
	rows, err := d.repo.Lease(ctx, d.cfg.BatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to lease outbox batch")
		return 0
	}

	published := 0
	for _, row := range rows {
		if err := d.publishRow(ctx, row); err == nil {
			published++
		}
	}
	return published
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// publishRow publishes one leased row. The payload goes out byte-for-byte as
// committed; only headers are added.
func (d *Dispatcher) publishRow(ctx context.Context, row Row) error {
	err := d.publisher.Publish(ctx, bus.Message{
		Topic: row.Topic,
		Key:   row.Key,
		Headers: map[string]string{
			bus.HeaderTenantID:  row.TenantID,
			bus.HeaderEventType: row.EventType,
		},
		Payload: row.Payload,
	})
	if err != nil {
		if retryErr := d.repo.ScheduleRetry(ctx, row, err.Error()); retryErr != nil {
			d.log.Error().Err(retryErr).Str("outbox_id", row.ID).Msg("Failed to schedule retry")
		}
		return err
	}

	if err := d.repo.MarkPublished(ctx, row.ID); err != nil {
		// The publish went out; the row stays PROCESSING until the lease
		// expires and it is retried. Duplicate delivery is acceptable.
		d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("Failed to mark row published")
		return err
	}
	return nil
}
