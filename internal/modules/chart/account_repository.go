package chart

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvault/ledgercore/internal/domain"
)

// AccountRepository is the chart-of-accounts read model over the projection
// database. It is rebuildable from the event log; the event store stays the
// source of truth.
type AccountRepository struct {
	projectionDB *sql.DB
	log          zerolog.Logger
}

// NewAccountRepository creates an account read-model repository.
func NewAccountRepository(projectionDB *sql.DB, log zerolog.Logger) *AccountRepository {
	return &AccountRepository{
		projectionDB: projectionDB,
		log:          log.With().Str("repo", "account").Logger(),
	}
}

const accountColumns = `code, tenant_id, name, account_type, parent_code,
	balance_cents, is_active, special_type, posting_allowed, companions,
	created_at, updated_at`

// Upsert writes an account row, replacing any existing row for the code.
func (r *AccountRepository) Upsert(ctx context.Context, acc domain.Account) error {
	companions, err := json.Marshal(acc.Companions)
	if err != nil {
		return fmt.Errorf("failed to marshal companions for %s: %w", acc.Code, err)
	}

	_, err = r.projectionDB.ExecContext(ctx, `
		INSERT INTO account (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, code) DO UPDATE SET
			name = excluded.name,
			account_type = excluded.account_type,
			parent_code = excluded.parent_code,
			balance_cents = excluded.balance_cents,
			is_active = excluded.is_active,
			special_type = excluded.special_type,
			posting_allowed = excluded.posting_allowed,
			companions = excluded.companions,
			updated_at = excluded.updated_at`,
		acc.Code, acc.TenantID, acc.Name, string(acc.Type), acc.ParentCode,
		acc.Balance.Cents(), boolToInt(acc.IsActive), string(acc.SpecialType),
		boolToInt(acc.PostingAllowed), string(companions),
		acc.CreatedAt.UTC().Format(time.RFC3339Nano), acc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", acc.Code, err)
	}
	return nil
}

// GetByCode returns a single account or CodeAccountNotFound.
func (r *AccountRepository) GetByCode(ctx context.Context, tenantID, code string) (domain.Account, error) {
	row := r.projectionDB.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM account WHERE tenant_id = ? AND code = ?`,
		tenantID, domain.NormalizeAccountCode(code))

	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return domain.Account{}, domain.NewError(domain.CodeAccountNotFound, "account %s does not exist", code)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("failed to get account %s: %w", code, err)
	}
	return acc, nil
}

// GetByCodes returns the accounts matching codes in a single query, keyed by
// code. Missing codes are simply absent from the map; callers decide whether
// that is an error.
func (r *AccountRepository) GetByCodes(ctx context.Context, tenantID string, codes []string) (map[string]domain.Account, error) {
	if len(codes) == 0 {
		return map[string]domain.Account{}, nil
	}

	placeholders := make([]string, len(codes))
	args := make([]interface{}, 0, len(codes)+1)
	args = append(args, tenantID)
	for i, code := range codes {
		placeholders[i] = "?"
		args = append(args, domain.NormalizeAccountCode(code))
	}

	rows, err := r.projectionDB.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM account WHERE tenant_id = ? AND code IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	result := make(map[string]domain.Account, len(codes))
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		result[acc.Code] = acc
	}
	return result, rows.Err()
}

// List returns all accounts for a tenant ordered by code.
func (r *AccountRepository) List(ctx context.Context, tenantID string) ([]domain.Account, error) {
	rows, err := r.projectionDB.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM account WHERE tenant_id = ? ORDER BY code`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// UpdateBalance sets the absolute balance of an account.
func (r *AccountRepository) UpdateBalance(ctx context.Context, tenantID, code string, balanceCents int64, at time.Time) error {
	res, err := r.projectionDB.ExecContext(ctx,
		`UPDATE account SET balance_cents = ?, updated_at = ? WHERE tenant_id = ? AND code = ?`,
		balanceCents, at.UTC().Format(time.RFC3339Nano), tenantID, domain.NormalizeAccountCode(code))
	if err != nil {
		return fmt.Errorf("failed to update balance for %s: %w", code, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.log.Warn().Str("account_code", code).Str("tenant_id", tenantID).
			Msg("Balance update for unknown account, skipping")
	}
	return nil
}

// SetActive flips the active flag of an account.
func (r *AccountRepository) SetActive(ctx context.Context, tenantID, code string, active bool, at time.Time) error {
	_, err := r.projectionDB.ExecContext(ctx,
		`UPDATE account SET is_active = ?, updated_at = ? WHERE tenant_id = ? AND code = ?`,
		boolToInt(active), at.UTC().Format(time.RFC3339Nano), tenantID, domain.NormalizeAccountCode(code))
	if err != nil {
		return fmt.Errorf("failed to update state for %s: %w", code, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (domain.Account, error) {
	var acc domain.Account
	var accountType, specialType, companions, createdAt, updatedAt string
	var balanceCents int64
	var isActive, postingAllowed int

	err := row.Scan(&acc.Code, &acc.TenantID, &acc.Name, &accountType, &acc.ParentCode,
		&balanceCents, &isActive, &specialType, &postingAllowed, &companions,
		&createdAt, &updatedAt)
	if err != nil {
		return domain.Account{}, err
	}

	acc.Type = domain.AccountType(accountType)
	acc.SpecialType = domain.SpecialAccountType(specialType)
	acc.Balance = domain.NewMoney(balanceCents)
	acc.IsActive = isActive != 0
	acc.PostingAllowed = postingAllowed != 0
	if err := json.Unmarshal([]byte(companions), &acc.Companions); err != nil {
		return domain.Account{}, fmt.Errorf("corrupt companions for %s: %w", acc.Code, err)
	}
	if acc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Account{}, fmt.Errorf("corrupt created_at for %s: %w", acc.Code, err)
	}
	if acc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return domain.Account{}, fmt.Errorf("corrupt updated_at for %s: %w", acc.Code, err)
	}
	return acc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
