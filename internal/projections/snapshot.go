package projections

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/finvault/ledgercore/internal/database"
	"github.com/finvault/ledgercore/internal/domain"
)

// glSnapshotName keys the general-ledger snapshot in the cache database.
const glSnapshotName = "general_ledger"

// Snapshot is the serializable state of the general-ledger projection.
// Restoring a snapshot and replaying events published after it reproduces
// the live state; the seen-id set rides along so replayed duplicates stay
// deduplicated.
type Snapshot struct {
	Accounts []SnapshotAccount `msgpack:"accounts"`
	History  []SnapshotHistory `msgpack:"history"`
	Periods  []SnapshotPeriod  `msgpack:"periods"`
	SeenIDs  []string          `msgpack:"seenIds"`
}

// SnapshotAccount is one projected account.
type SnapshotAccount struct {
	TenantID     string `msgpack:"tenantId"`
	Code         string `msgpack:"code"`
	Name         string `msgpack:"name"`
	Type         string `msgpack:"type"`
	IsActive     bool   `msgpack:"isActive"`
	BalanceCents int64  `msgpack:"balanceCents"`
}

// SnapshotHistory is one account's balance history.
type SnapshotHistory struct {
	TenantID string         `msgpack:"tenantId"`
	Code     string         `msgpack:"code"`
	Entries  []BalanceEntry `msgpack:"entries"`
}

// SnapshotPeriod is one period-end balance.
type SnapshotPeriod struct {
	Period       string `msgpack:"period"`
	TenantID     string `msgpack:"tenantId"`
	Code         string `msgpack:"code"`
	BalanceCents int64  `msgpack:"balanceCents"`
}

// Snapshot captures the projection state.
func (g *GeneralLedger) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s Snapshot
	for key, acc := range g.accounts {
		s.Accounts = append(s.Accounts, SnapshotAccount{
			TenantID:     key.TenantID,
			Code:         key.AccountCode,
			Name:         acc.Name,
			Type:         string(acc.Type),
			IsActive:     acc.IsActive,
			BalanceCents: acc.BalanceCents,
		})
	}
	for key, hist := range g.history {
		entries := make([]BalanceEntry, len(hist))
		copy(entries, hist)
		s.History = append(s.History, SnapshotHistory{
			TenantID: key.TenantID,
			Code:     key.AccountCode,
			Entries:  entries,
		})
	}
	for period, balances := range g.periods {
		for key, cents := range balances {
			s.Periods = append(s.Periods, SnapshotPeriod{
				Period:       period,
				TenantID:     key.TenantID,
				Code:         key.AccountCode,
				BalanceCents: cents,
			})
		}
	}
	s.SeenIDs = append(s.SeenIDs, g.seenOrder...)
	return s
}

// Restore replaces the projection state with a snapshot.
func (g *GeneralLedger) Restore(s Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.accounts = make(map[balanceKey]*accountState, len(s.Accounts))
	for _, acc := range s.Accounts {
		g.accounts[balanceKey{acc.TenantID, acc.Code}] = &accountState{
			Name:         acc.Name,
			Type:         domain.AccountType(acc.Type),
			IsActive:     acc.IsActive,
			BalanceCents: acc.BalanceCents,
		}
	}
	g.history = make(map[balanceKey][]BalanceEntry, len(s.History))
	for _, h := range s.History {
		g.history[balanceKey{h.TenantID, h.Code}] = h.Entries
	}
	g.periods = make(map[string]map[balanceKey]int64)
	for _, p := range s.Periods {
		if g.periods[p.Period] == nil {
			g.periods[p.Period] = make(map[balanceKey]int64)
		}
		g.periods[p.Period][balanceKey{p.TenantID, p.Code}] = p.BalanceCents
	}
	ids := s.SeenIDs
	if len(ids) > seenCap {
		ids = ids[len(ids)-seenCap:] // older snapshots may predate the window
	}
	g.seen = make(map[string]struct{}, len(ids))
	g.seenOrder = append([]string(nil), ids...)
	for _, id := range ids {
		g.seen[id] = struct{}{}
	}
}

// SnapshotStore persists msgpack-encoded snapshots in the cache database.
// Loss is harmless: the projection rebuilds from the event log.
type SnapshotStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSnapshotStore creates a snapshot store over the cache database.
func NewSnapshotStore(db *database.DB, log zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// SaveGeneralLedger checkpoints the projection.
func (s *SnapshotStore) SaveGeneralLedger(ctx context.Context, gl *GeneralLedger) error {
	data, err := msgpack.Marshal(gl.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshot (name, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		glSnapshotName, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.log.Debug().Int("bytes", len(data)).Msg("General-ledger snapshot saved")
	return nil
}

// LoadGeneralLedger restores the projection from the latest checkpoint.
// A missing snapshot is not an error; the projection starts empty.
func (s *SnapshotStore) LoadGeneralLedger(ctx context.Context, gl *GeneralLedger) (bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshot WHERE name = ?`, glSnapshotName).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("corrupt snapshot: %w", err)
	}
	gl.Restore(snap)
	return true, nil
}
