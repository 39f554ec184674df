package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/deal"
)

// PostgresStore persists mirrored deals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed mirror store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// dealColumns is the SELECT column list for deals.
const dealColumns = `id, onchain_deal_id, deal_type, status,
	creator_address, counterparty_address, nft_contract_address, nft_token_id,
	swap_nft_contract, swap_token_id, price,
	creator_deposited, counterparty_deposited,
	escrow_contract_address, transaction_hash,
	counter_offer_price, counter_offer_by, counter_offer_at, counter_offer_status,
	created_at, updated_at, completed_at, cancelled_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) Create(ctx context.Context, d *Deal, act *Activity) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		dealArgs(d)...,
	)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	if act != nil {
		if err := insertActivity(ctx, tx, act); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE 1=1`
	var args []any
	if f.Address != "" {
		args = append(args, f.Address)
		query += fmt.Sprintf(" AND (creator_address = $%d OR counterparty_address = $%d)", len(args), len(args))
	}
	if f.Status != nil {
		args = append(args, f.Status.String())
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return p.query(ctx, query, args...)
}

func (p *PostgresStore) ListForAudit(ctx context.Context, since time.Time, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 1000
	}
	return p.query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE onchain_deal_id IS NOT NULL
		  AND (status NOT IN ('COMPLETED', 'CANCELLED') OR updated_at >= $1)
		ORDER BY onchain_deal_id
		LIMIT $2`, since, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Apply locks the deal row, claims the proof and writes the mutation in one
// transaction. The unique key on deal_proofs makes a concurrent duplicate
// lose the claim.
func (p *PostgresStore) Apply(ctx context.Context, id string, proof *Proof, fn MutateFunc) (*Deal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := scanDeal(tx.QueryRowContext(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, err
	}

	if proof != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deal_proofs (deal_id, kind, tx_hash, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (deal_id, kind, tx_hash) DO NOTHING`,
			proof.DealID, string(proof.Kind), proof.TxHash)
		if err != nil {
			return nil, fmt.Errorf("claim proof: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return d, ErrDuplicateProof
		}
	}

	acts, err := fn(d)
	if err != nil {
		return nil, err
	}

	var onchain sql.NullInt64
	if d.OnchainDealID != nil {
		onchain = sql.NullInt64{Int64: int64(*d.OnchainDealID), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE deals SET
			onchain_deal_id = $2, status = $3, counterparty_address = $4, price = $5,
			creator_deposited = $6, counterparty_deposited = $7,
			escrow_contract_address = $8, transaction_hash = $9,
			counter_offer_price = $10, counter_offer_by = $11,
			counter_offer_at = $12, counter_offer_status = $13,
			updated_at = $14, completed_at = $15, cancelled_at = $16
		WHERE id = $1`,
		d.ID, onchain, d.Status.String(), nullStr(d.CounterpartyAddress), nullStr(d.Price),
		d.CreatorDeposited, d.CounterpartyDeposited,
		nullStr(d.EscrowContractAddress), nullStr(d.TransactionHash),
		nullStr(d.CounterOfferPrice), nullStr(d.CounterOfferBy),
		nullTime(d.CounterOfferAt), nullStr(string(d.CounterOfferStatus)),
		d.UpdatedAt, nullTime(d.CompletedAt), nullTime(d.CancelledAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "deals_onchain_deal_id_key" {
		return nil, ErrLinkInUse
	}
	if err != nil {
		return nil, fmt.Errorf("update deal: %w", err)
	}
	for _, a := range acts {
		if err := insertActivity(ctx, tx, a); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) Activity(ctx context.Context, id string) ([]*Activity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_id, action, actor, tx_hash, from_status, to_status, price, note, created_at
		FROM deal_activity WHERE deal_id = $1 ORDER BY created_at, seq`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Activity
	for rows.Next() {
		var (
			a                   Activity
			action, from, to    string
			txHash, price, note sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.DealID, &action, &a.Actor, &txHash, &from, &to, &price, &note, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Action = Action(action)
		if a.FromStatus, err = deal.ParseStatus(from); err != nil {
			return nil, err
		}
		if a.ToStatus, err = deal.ParseStatus(to); err != nil {
			return nil, err
		}
		a.TxHash, a.Note = txHash.String, note.String
		a.Price = decimalString(price)
		result = append(result, &a)
	}
	return result, rows.Err()
}

func insertActivity(ctx context.Context, db execer, a *Activity) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO deal_activity (id, deal_id, action, actor, tx_hash, from_status, to_status, price, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.DealID, string(a.Action), a.Actor, nullStr(a.TxHash),
		a.FromStatus.String(), a.ToStatus.String(), nullStr(a.Price), nullStr(a.Note), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func dealArgs(d *Deal) []any {
	var onchain sql.NullInt64
	if d.OnchainDealID != nil {
		onchain = sql.NullInt64{Int64: int64(*d.OnchainDealID), Valid: true}
	}
	return []any{
		d.ID, onchain, string(d.Type), d.Status.String(),
		d.CreatorAddress, nullStr(d.CounterpartyAddress), d.NFTContractAddress, d.NFTTokenID,
		nullStr(d.SwapNFTContract), nullStr(d.SwapTokenID), nullStr(d.Price),
		d.CreatorDeposited, d.CounterpartyDeposited,
		nullStr(d.EscrowContractAddress), nullStr(d.TransactionHash),
		nullStr(d.CounterOfferPrice), nullStr(d.CounterOfferBy),
		nullTime(d.CounterOfferAt), nullStr(string(d.CounterOfferStatus)),
		d.CreatedAt, d.UpdatedAt, nullTime(d.CompletedAt), nullTime(d.CancelledAt), nullTime(d.ExpiresAt),
	}
}

func scanDeal(sc scanner) (*Deal, error) {
	var (
		d                                         Deal
		onchain                                   sql.NullInt64
		typ, status                               string
		counterparty, swapContract, swapToken     sql.NullString
		price, escrow, txHash                     sql.NullString
		coPrice, coBy, coStatus                   sql.NullString
		coAt, completedAt, cancelledAt, expiresAt sql.NullTime
	)
	err := sc.Scan(
		&d.ID, &onchain, &typ, &status,
		&d.CreatorAddress, &counterparty, &d.NFTContractAddress, &d.NFTTokenID,
		&swapContract, &swapToken, &price,
		&d.CreatorDeposited, &d.CounterpartyDeposited,
		&escrow, &txHash,
		&coPrice, &coBy, &coAt, &coStatus,
		&d.CreatedAt, &d.UpdatedAt, &completedAt, &cancelledAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	if onchain.Valid {
		id := uint64(onchain.Int64)
		d.OnchainDealID = &id
	}
	d.Type = deal.Type(typ)
	if d.Status, err = deal.ParseStatus(status); err != nil {
		return nil, err
	}
	d.CounterpartyAddress = counterparty.String
	d.SwapNFTContract, d.SwapTokenID = swapContract.String, swapToken.String
	d.Price = decimalString(price)
	d.EscrowContractAddress, d.TransactionHash = escrow.String, txHash.String
	d.CounterOfferPrice = decimalString(coPrice)
	d.CounterOfferBy = coBy.String
	d.CounterOfferStatus = deal.CounterOfferStatus(coStatus.String)
	d.CounterOfferAt = timePtr(coAt)
	d.CompletedAt = timePtr(completedAt)
	d.CancelledAt = timePtr(cancelledAt)
	d.ExpiresAt = timePtr(expiresAt)
	return &d, nil
}

// decimalString canonicalizes a NUMERIC column ("1.100000000000000000" -> "1.1").
func decimalString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	if s, err := amount.Normalize(ns.String); err == nil {
		return s
	}
	return ns.String
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
