package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/nftescrow/internal/deal"
)

// PostgresStore persists escrow instances and the registry counters in
// PostgreSQL. Deal ids come from the escrow_deal_id_seq sequence.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed custody store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const instanceColumns = `deal_id, escrow_address, deal_type, creator, counterparty,
		nft_contract, token_id, swap_nft_contract, swap_token_id,
		COALESCE(price::TEXT, ''), fee_bps, creator_deposited, counterparty_deposited,
		status, created_at, updated_at, expires_at, completed_at, cancelled_at`

func (p *PostgresStore) NextDealID(ctx context.Context) (uint64, error) {
	var id int64
	if err := p.db.QueryRowContext(ctx, `SELECT nextval('escrow_deal_id_seq')`).Scan(&id); err != nil {
		return 0, err
	}
	return uint64(id), nil //nolint:gosec // sequence starts at 1
}

func (p *PostgresStore) Create(ctx context.Context, inst *Instance) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_instances (
			deal_id, escrow_address, deal_type, creator, counterparty,
			nft_contract, token_id, swap_nft_contract, swap_token_id,
			price, fee_bps, creator_deposited, counterparty_deposited,
			status, created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10::NUMERIC(78,0), $11, $12, $13,
			$14, $15, $16, $17
		)`,
		int64(inst.DealID), inst.EscrowAddress, string(inst.Type), inst.Creator, inst.Counterparty, //nolint:gosec // sequential ids
		inst.NFTContract, inst.TokenID, inst.SwapNFTContract, inst.SwapTokenID,
		weiArg(inst.Price), inst.FeeBasisPoints, inst.CreatorDeposited, inst.CounterpartyDeposited,
		int16(inst.Status), inst.CreatedAt, inst.UpdatedAt, nullTime(inst.ExpiresAt),
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE platform_stats SET total_deals = total_deals + 1 WHERE id = 1
	`); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, dealID uint64) (*Instance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM escrow_instances WHERE deal_id = $1`,
		int64(dealID)) //nolint:gosec // sequential ids
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return inst, err
}

func (p *PostgresStore) Update(ctx context.Context, inst *Instance) error {
	return p.update(ctx, p.db, inst)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) update(ctx context.Context, db execer, inst *Instance) error {
	result, err := db.ExecContext(ctx, `
		UPDATE escrow_instances SET
			counterparty = $1, price = $2::NUMERIC(78,0),
			creator_deposited = $3, counterparty_deposited = $4,
			status = $5, updated_at = $6, completed_at = $7, cancelled_at = $8
		WHERE deal_id = $9 AND status < $10`,
		inst.Counterparty, weiArg(inst.Price),
		inst.CreatorDeposited, inst.CounterpartyDeposited,
		int16(inst.Status), inst.UpdatedAt, nullTime(inst.CompletedAt), nullTime(inst.CancelledAt),
		int64(inst.DealID), int16(deal.StatusCompleted), //nolint:gosec // sequential ids
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or already terminal; tell them apart.
		if _, getErr := p.Get(ctx, inst.DealID); getErr != nil {
			return getErr
		}
		return ErrAlreadyTerminal
	}
	return nil
}

func (p *PostgresStore) Finalize(ctx context.Context, inst *Instance, volume *big.Int) error {
	if !inst.Status.IsTerminal() {
		return fmt.Errorf("finalize with non-terminal status %s", inst.Status)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.update(ctx, tx, inst); err != nil {
		return err
	}

	if inst.Status == deal.StatusCompleted {
		vol := volume
		if vol == nil {
			vol = new(big.Int)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE platform_stats
			SET completed_deals = completed_deals + 1,
			    total_volume = total_volume + $1::NUMERIC(78,0)
			WHERE id = 1`, vol.String())
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE platform_stats SET cancelled_deals = cancelled_deals + 1 WHERE id = 1`)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string) ([]*Instance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM escrow_instances
		WHERE creator = $1 OR counterparty = $1
		ORDER BY deal_id ASC`, strings.ToLower(addr))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (*PlatformStats, error) {
	var s PlatformStats
	var vol string
	err := p.db.QueryRowContext(ctx, `
		SELECT total_deals, completed_deals, cancelled_deals, total_volume::TEXT
		FROM platform_stats WHERE id = 1
	`).Scan(&s.TotalDeals, &s.CompletedDeals, &s.CancelledDeals, &vol)
	if err != nil {
		return nil, err
	}
	if s.TotalVolume, err = parseWei(vol); err != nil {
		return nil, err
	}
	s.ActiveDeals = s.TotalDeals - s.CompletedDeals - s.CancelledDeals
	return &s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc scanner) (*Instance, error) {
	inst := &Instance{}
	var (
		id                                int64
		typ, price                        string
		status                            int16
		expiresAt, completedAt, cancelled sql.NullTime
	)
	err := sc.Scan(
		&id, &inst.EscrowAddress, &typ, &inst.Creator, &inst.Counterparty,
		&inst.NFTContract, &inst.TokenID, &inst.SwapNFTContract, &inst.SwapTokenID,
		&price, &inst.FeeBasisPoints, &inst.CreatorDeposited, &inst.CounterpartyDeposited,
		&status, &inst.CreatedAt, &inst.UpdatedAt, &expiresAt, &completedAt, &cancelled,
	)
	if err != nil {
		return nil, err
	}
	inst.DealID = uint64(id) //nolint:gosec // sequence starts at 1
	inst.Type = deal.Type(typ)
	inst.Status = deal.Status(status) //nolint:gosec // CHECK constraint bounds the value
	if price != "" {
		if inst.Price, err = parseWei(price); err != nil {
			return nil, err
		}
	}
	inst.ExpiresAt = timePtr(expiresAt)
	inst.CompletedAt = timePtr(completedAt)
	inst.CancelledAt = timePtr(cancelled)
	return inst, nil
}

func weiArg(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
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
