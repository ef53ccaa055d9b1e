package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"DepositEngine/internal/state"
	"DepositEngine/internal/wallet"
)

// --- Asset configs ---

func (s *PostgresStore) GetAssetConfig(ctx context.Context, key state.AssetKey) (*state.AssetConfig, error) {
	var cfg state.AssetConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT currency, network, minimum_deposit, fee_percent, required_confirmations, decimals, active
		FROM intake.asset_configs
		WHERE currency = $1 AND network = $2`,
		key.Currency, key.Network,
	).Scan(&cfg.Currency, &cfg.Network, &cfg.MinimumDeposit, &cfg.FeePercent,
		&cfg.RequiredConfirmations, &cfg.Precision, &cfg.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrUnsupportedAsset
	}
	if err != nil {
		return nil, fmt.Errorf("get asset config %s: %w", key, err)
	}
	return &cfg, nil
}

// --- Wallet assignments ---

func (s *PostgresStore) UserAssignments(ctx context.Context, key state.AssetKey, userID string) ([]wallet.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT id, currency, network, COALESCE(user_id, ''), address, memo, created_at
		FROM intake.wallet_assignments
		WHERE currency = $1 AND network = $2 AND user_id = $3 AND active
		ORDER BY created_at, id`,
		key.Currency, key.Network, userID,
	)
}

func (s *PostgresStore) SharedAssignments(ctx context.Context, key state.AssetKey) ([]wallet.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT id, currency, network, '', address, memo, created_at
		FROM intake.wallet_assignments
		WHERE currency = $1 AND network = $2 AND user_id IS NULL AND active
		ORDER BY created_at, id`,
		key.Currency, key.Network,
	)
}

func (s *PostgresStore) queryAssignments(ctx context.Context, query string, args ...interface{}) ([]wallet.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []wallet.Assignment
	for rows.Next() {
		var a wallet.Assignment
		if err := rows.Scan(&a.ID, &a.Currency, &a.Network, &a.UserID, &a.Address, &a.Memo, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*state.Account, error) {
	var a state.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, minimum_funding
		FROM intake.accounts
		WHERE id = $1`,
		accountID,
	).Scan(&a.ID, &a.UserID, &a.Balance, &a.MinimumFunding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return &a, nil
}
