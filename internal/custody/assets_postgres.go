package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// PostgresAssets implements DevAssets using PostgreSQL. Token ownership
// lives in nft_owners (with the single approved operator), native value in
// native_balances.
type PostgresAssets struct {
	db *sql.DB
}

// NewPostgresAssets creates a PostgreSQL-backed asset ledger.
func NewPostgresAssets(db *sql.DB) *PostgresAssets {
	return &PostgresAssets{db: db}
}

var _ DevAssets = (*PostgresAssets)(nil)

func (a *PostgresAssets) OwnerOf(ctx context.Context, contract, tokenID string) (string, error) {
	var owner string
	err := a.db.QueryRowContext(ctx, `
		SELECT owner FROM nft_owners WHERE contract = $1 AND token_id = $2
	`, strings.ToLower(contract), tokenID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTokenNotFound
	}
	return owner, err
}

func (a *PostgresAssets) IsApproved(ctx context.Context, contract, tokenID, owner, operator string) (bool, error) {
	var ok bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM nft_owners
			WHERE contract = $1 AND token_id = $2 AND owner = $3 AND approved = $4
		)
	`, strings.ToLower(contract), tokenID, strings.ToLower(owner), strings.ToLower(operator)).Scan(&ok)
	return ok, err
}

func (a *PostgresAssets) TransferNFT(ctx context.Context, contract, tokenID, from, to, operator string) error {
	contract = strings.ToLower(contract)
	from, to, operator = strings.ToLower(from), strings.ToLower(to), strings.ToLower(operator)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	var approved sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT owner, approved FROM nft_owners
		WHERE contract = $1 AND token_id = $2
		FOR UPDATE
	`, contract, tokenID).Scan(&owner, &approved)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	if owner != from {
		return ErrNotTokenOwner
	}
	if operator != from && approved.String != operator {
		return ErrNotApproved
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE nft_owners SET owner = $1, approved = NULL, updated_at = NOW()
		WHERE contract = $2 AND token_id = $3
	`, to, contract, tokenID); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *PostgresAssets) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	var s string
	err := a.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM native_balances WHERE address = $1
	`, strings.ToLower(addr)).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseWei(s)
}

func (a *PostgresAssets) TransferValue(ctx context.Context, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount %v", amount)
	}
	from, to = strings.ToLower(from), strings.ToLower(to)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Debit only succeeds when the balance covers the amount.
	res, err := tx.ExecContext(ctx, `
		UPDATE native_balances SET balance = balance - $1::NUMERIC(78,0), updated_at = NOW()
		WHERE address = $2 AND balance >= $1::NUMERIC(78,0)
	`, amount.String(), from)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO native_balances (address, balance, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), NOW())
		ON CONFLICT (address) DO UPDATE
		SET balance = native_balances.balance + EXCLUDED.balance, updated_at = NOW()
	`, to, amount.String()); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *PostgresAssets) Mint(ctx context.Context, contract, tokenID, owner string) error {
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO nft_owners (contract, token_id, owner, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (contract, token_id) DO NOTHING
	`, strings.ToLower(contract), tokenID, strings.ToLower(owner))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("token %s/%s already minted", contract, tokenID)
	}
	return nil
}

func (a *PostgresAssets) Approve(ctx context.Context, contract, tokenID, owner, operator string) error {
	contract = strings.ToLower(contract)
	res, err := a.db.ExecContext(ctx, `
		UPDATE nft_owners SET approved = $1, updated_at = NOW()
		WHERE contract = $2 AND token_id = $3 AND owner = $4
	`, strings.ToLower(operator), contract, tokenID, strings.ToLower(owner))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := a.OwnerOf(ctx, contract, tokenID); err != nil {
			return err
		}
		return ErrNotTokenOwner
	}
	return nil
}

func (a *PostgresAssets) Fund(ctx context.Context, addr string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("fund amount must be positive")
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO native_balances (address, balance, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), NOW())
		ON CONFLICT (address) DO UPDATE
		SET balance = native_balances.balance + EXCLUDED.balance, updated_at = NOW()
	`, strings.ToLower(addr), amount.String())
	return err
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", s)
	}
	return v, nil
}
