package reconciliation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/nftescrow/internal/deal"
)

// PostgresStore persists discrepancies in deal_discrepancies.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed discrepancy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const discrepancyColumns = `id, deal_id, onchain_deal_id, fields, mirror_status, custody_status, detail,
	detected_at, last_seen_at, resolved_at, resolution, resolved_by`

func (p *PostgresStore) Upsert(ctx context.Context, d *Discrepancy) (*Discrepancy, bool, error) {
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return nil, false, err
	}

	// xmax is zero only for a freshly inserted row.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO deal_discrepancies
			(id, deal_id, onchain_deal_id, fields, mirror_status, custody_status, detail, detected_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (deal_id) WHERE resolved_at IS NULL DO UPDATE SET
			fields = EXCLUDED.fields,
			mirror_status = EXCLUDED.mirror_status,
			custody_status = EXCLUDED.custody_status,
			detail = EXCLUDED.detail,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING `+discrepancyColumns+`, (xmax = 0)
	`, d.ID, d.DealID, int64(d.OnchainDealID), fields, d.MirrorStatus.String(), d.CustodyStatus.String(),
		d.Detail, d.DetectedAt, d.LastSeenAt)

	var created bool
	stored, err := scanDiscrepancy(row, &created)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Discrepancy, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+discrepancyColumns+` FROM deal_discrepancies WHERE id = $1`, id)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDiscrepancyNotFound
	}
	return d, err
}

func (p *PostgresStore) OpenForDeal(ctx context.Context, dealID string) (*Discrepancy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+discrepancyColumns+` FROM deal_discrepancies
		WHERE deal_id = $1 AND resolved_at IS NULL
	`, dealID)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDiscrepancyNotFound
	}
	return d, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+discrepancyColumns+` FROM deal_discrepancies
		WHERE resolved_at IS NULL
		ORDER BY detected_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id, resolution, by string, at time.Time) (*Discrepancy, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE deal_discrepancies
		SET resolved_at = $2, resolution = $3, resolved_by = NULLIF($4, '')
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+discrepancyColumns, id, at, resolution, by)
	d, err := scanDiscrepancy(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyResolved
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDiscrepancy(s scanner, extra ...any) (*Discrepancy, error) {
	var (
		d             Discrepancy
		onchainID     int64
		fields        []byte
		mirrorStatus  string
		custodyStatus string
		resolvedAt    sql.NullTime
		resolution    sql.NullString
		resolvedBy    sql.NullString
	)
	dest := []any{
		&d.ID, &d.DealID, &onchainID, &fields, &mirrorStatus, &custodyStatus, &d.Detail,
		&d.DetectedAt, &d.LastSeenAt, &resolvedAt, &resolution, &resolvedBy,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	d.OnchainDealID = uint64(onchainID)
	if err := json.Unmarshal(fields, &d.Fields); err != nil {
		return nil, err
	}
	var err error
	if d.MirrorStatus, err = deal.ParseStatus(mirrorStatus); err != nil {
		return nil, err
	}
	if d.CustodyStatus, err = deal.ParseStatus(custodyStatus); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	return &d, nil
}
