package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/nftescrow/internal/deal"
)

// PostgresJournal implements Journal using PostgreSQL.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal creates a new PostgreSQL-backed journal.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

var _ Journal = (*PostgresJournal)(nil)

const factColumns = `seq, deal_id, kind, actor, leg, COALESCE(amount::TEXT, ''), tx_hash, status, created_at`

func (j *PostgresJournal) Append(ctx context.Context, f *Fact) error {
	var amountArg any
	if f.Amount != "" {
		amountArg = f.Amount
	}
	err := j.db.QueryRowContext(ctx, `
		INSERT INTO custody_facts (deal_id, kind, actor, leg, amount, tx_hash, status, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7, COALESCE($8::TIMESTAMPTZ, NOW()))
		RETURNING seq, created_at
	`, int64(f.DealID), string(f.Kind), f.Actor, string(f.Leg), amountArg, //nolint:gosec // sequential ids
		strings.ToLower(f.TxHash), int16(f.Status), nullTime(f.CreatedAt),
	).Scan(&f.Seq, &f.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateFact
	}
	return err
}

func (j *PostgresJournal) ListByDeal(ctx context.Context, dealID uint64) ([]*Fact, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM custody_facts WHERE deal_id = $1 ORDER BY seq ASC
	`, int64(dealID)) //nolint:gosec // sequential ids
	if err != nil {
		return nil, err
	}
	return scanFacts(rows)
}

func (j *PostgresJournal) GetByTxHash(ctx context.Context, txHash string) (*Fact, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM custody_facts WHERE tx_hash = $1
	`, strings.ToLower(txHash))
	if err != nil {
		return nil, err
	}
	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, ErrFactNotFound
	}
	return facts[0], nil
}

func (j *PostgresJournal) Since(ctx context.Context, afterSeq int64, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM custody_facts WHERE seq > $1 ORDER BY seq ASC LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]*Fact, error) {
	defer func() { _ = rows.Close() }()

	var out []*Fact
	for rows.Next() {
		var (
			f      Fact
			dealID int64
			kind   string
			leg    string
			status int16
		)
		if err := rows.Scan(&f.Seq, &dealID, &kind, &f.Actor, &leg, &f.Amount, &f.TxHash, &status, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.DealID = uint64(dealID) //nolint:gosec // non-negative by schema
		f.Kind = Kind(kind)
		f.Leg = deal.Leg(leg)
		f.Status = deal.Status(status) //nolint:gosec // CHECK constraint bounds it
		out = append(out, &f)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
