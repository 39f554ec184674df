// Package reconciliation audits the off-chain deal mirror against custody.
//
// Custody is authoritative. The audit compares each linked mirror deal with
// a live custody read and records a Discrepancy whenever they disagree. It
// never rewrites the mirror; healing is a manual step owned by recovery.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/custody"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/idgen"
	"github.com/mbd888/nftescrow/internal/mirror"
	"github.com/mbd888/nftescrow/internal/traces"
)

var (
	ErrDiscrepancyNotFound = errors.New("discrepancy not found")
	ErrAlreadyResolved     = errors.New("discrepancy already resolved")
)

// Field names a mirror attribute that disagrees with custody.
type Field string

const (
	FieldMissing      Field = "missing" // custody has no such deal
	FieldStatus       Field = "status"
	FieldDeposits     Field = "deposits"
	FieldCounterparty Field = "counterparty"
	FieldPrice        Field = "price"
	FieldTerms        Field = "terms" // type, creator or assets
	FieldEscrow       Field = "escrow_address"
)

// Resolutions recorded when a discrepancy is closed.
const (
	ResolutionConverged = "converged" // a later audit found the two sides agreeing
	ResolutionResynced  = "resynced"
	ResolutionCancelled = "cancelled"
)

// Discrepancy is one open (or closed) disagreement between mirror and custody.
// At most one discrepancy per deal is open at a time.
type Discrepancy struct {
	ID            string      `json:"id"`
	DealID        string      `json:"dealId"`
	OnchainDealID uint64      `json:"onchainDealId"`
	Fields        []Field     `json:"fields"`
	MirrorStatus  deal.Status `json:"mirrorStatus"`
	CustodyStatus deal.Status `json:"custodyStatus"`
	Detail        string      `json:"detail"`
	DetectedAt    time.Time   `json:"detectedAt"`
	LastSeenAt    time.Time   `json:"lastSeenAt"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
	Resolution    string      `json:"resolution,omitempty"`
	ResolvedBy    string      `json:"resolvedBy,omitempty"`
}

// Open reports whether the discrepancy still needs attention.
func (d *Discrepancy) Open() bool { return d.ResolvedAt == nil }

// Store persists discrepancies.
type Store interface {
	// Upsert opens a discrepancy for the deal, or refreshes the one already
	// open, and returns the stored record. created is false on refresh.
	Upsert(ctx context.Context, d *Discrepancy) (stored *Discrepancy, created bool, err error)
	Get(ctx context.Context, id string) (*Discrepancy, error)
	OpenForDeal(ctx context.Context, dealID string) (*Discrepancy, error)
	ListOpen(ctx context.Context, limit int) ([]*Discrepancy, error)
	Resolve(ctx context.Context, id, resolution, by string, at time.Time) (*Discrepancy, error)
}

// DealSource lists mirror deals due for an audit.
type DealSource interface {
	ListForAudit(ctx context.Context, since time.Time, limit int) ([]*mirror.Deal, error)
}

// Report summarises one audit run.
type Report struct {
	Checked   int           `json:"checked"`
	Divergent int           `json:"divergent"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
	RanAt     time.Time     `json:"ranAt"`
}

// Service performs reconciliation between the mirror and custody.
type Service struct {
	deals    DealSource
	custody  mirror.CustodyReader
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	lookback time.Duration
	batch    int

	last atomic.Pointer[Report]
}

// NewService creates a reconciliation service.
func NewService(deals DealSource, custody mirror.CustodyReader, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deals:    deals,
		custody:  custody,
		store:    store,
		logger:   logger,
		now:      time.Now,
		lookback: 24 * time.Hour,
		batch:    1000,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLookback sets how far back terminal deals are still audited.
func (s *Service) WithLookback(d time.Duration) *Service {
	if d > 0 {
		s.lookback = d
	}
	return s
}

// Store returns the discrepancy store.
func (s *Service) Store() Store { return s.store }

// LastReport returns the most recent RunAll result, or nil before the first run.
func (s *Service) LastReport() *Report { return s.last.Load() }

// CheckDeal compares one linked mirror deal with custody. It returns the open
// discrepancy when they differ and nil when they agree.
func (s *Service) CheckDeal(ctx context.Context, d *mirror.Deal) (*Discrepancy, error) {
	if !d.Linked() {
		return nil, nil
	}
	onchainID := *d.OnchainDealID

	snap, err := s.custody.GetDealInfo(ctx, onchainID)
	if err != nil && !errors.Is(err, custody.ErrDealNotFound) {
		return nil, fmt.Errorf("custody read for deal %d: %w", onchainID, err)
	}

	fields, detail := compare(d, snap)
	now := s.now()

	if len(fields) == 0 {
		if err := s.converge(ctx, d.ID, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	disc := &Discrepancy{
		ID:            idgen.New(),
		DealID:        d.ID,
		OnchainDealID: onchainID,
		Fields:        fields,
		MirrorStatus:  d.Status,
		Detail:        detail,
		DetectedAt:    now,
		LastSeenAt:    now,
	}
	if snap != nil {
		disc.CustodyStatus = snap.Status
	}
	stored, created, err := s.store.Upsert(ctx, disc)
	if err != nil {
		return nil, fmt.Errorf("record discrepancy: %w", err)
	}
	if created {
		s.logger.Warn("mirror diverged from custody",
			"deal_id", d.ID, "onchain_deal_id", onchainID, "fields", fields, "detail", detail)
	}
	return stored, nil
}

// converge closes a stale open discrepancy once both sides agree again.
func (s *Service) converge(ctx context.Context, dealID string, now time.Time) error {
	open, err := s.store.OpenForDeal(ctx, dealID)
	if errors.Is(err, ErrDiscrepancyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.store.Resolve(ctx, open.ID, ResolutionConverged, "", now); err != nil && !errors.Is(err, ErrAlreadyResolved) {
		return err
	}
	s.logger.Info("mirror converged with custody", "deal_id", dealID, "discrepancy", open.ID)
	return nil
}

// RunAll audits every linked non-terminal deal plus terminal deals touched
// within the lookback window. Per-deal errors are counted, not fatal.
func (s *Service) RunAll(ctx context.Context) (_ *Report, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.run")
	defer func() { traces.End(span, err) }()

	start := time.Now()
	report := &Report{RanAt: s.now()}

	deals, err := s.deals.ListForAudit(ctx, report.RanAt.Add(-s.lookback), s.batch)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list deals for audit: %w", err)
	}

	for _, d := range deals {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		report.Checked++
		disc, err := s.CheckDeal(ctx, d)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			s.logger.Warn("reconciliation check failed", "deal_id", d.ID, "error", err)
			continue
		}
		if disc != nil {
			report.Divergent++
		}
	}

	report.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("reconcile.checked", report.Checked), attribute.Int("reconcile.divergent", report.Divergent))
	reconcileDivergentDeals.Set(float64(report.Divergent))
	reconcileLastRun.Set(float64(report.RanAt.Unix()))
	reconcileDuration.Observe(report.Duration.Seconds())
	s.last.Store(report)

	s.logger.Info("reconciliation run complete",
		"checked", report.Checked, "divergent", report.Divergent,
		"errors", report.Errors, "duration", report.Duration)
	return report, nil
}

// compare lists the fields on which the mirror disagrees with custody. The
// price is compared only once a deposit exists, because before that the
// mirror may record a renegotiated price that custody has not seen yet.
func compare(d *mirror.Deal, snap *custody.Snapshot) ([]Field, string) {
	if snap == nil {
		return []Field{FieldMissing}, fmt.Sprintf("custody has no deal %d", *d.OnchainDealID)
	}

	var (
		fields []Field
		notes  []string
	)
	if d.Type != snap.Type || !strings.EqualFold(d.CreatorAddress, snap.Creator) ||
		!strings.EqualFold(d.NFTContractAddress, snap.NFTContract) || d.NFTTokenID != snap.TokenID ||
		!strings.EqualFold(d.SwapNFTContract, snap.SwapNFTContract) || d.SwapTokenID != snap.SwapTokenID {
		fields = append(fields, FieldTerms)
		notes = append(notes, fmt.Sprintf("terms mirror=%s %s/%s custody=%s %s/%s",
			d.Type, d.NFTContractAddress, d.NFTTokenID, snap.Type, snap.NFTContract, snap.TokenID))
	}
	if !strings.EqualFold(d.EscrowContractAddress, snap.EscrowAddress) {
		fields = append(fields, FieldEscrow)
		notes = append(notes, fmt.Sprintf("escrow mirror=%s custody=%s", d.EscrowContractAddress, snap.EscrowAddress))
	}
	if d.Status != snap.Status {
		fields = append(fields, FieldStatus)
		notes = append(notes, fmt.Sprintf("status mirror=%s custody=%s", d.Status, snap.Status))
	}
	if d.CreatorDeposited != snap.CreatorDeposited || d.CounterpartyDeposited != snap.CounterpartyDeposited {
		fields = append(fields, FieldDeposits)
		notes = append(notes, fmt.Sprintf("deposits mirror=%t/%t custody=%t/%t",
			d.CreatorDeposited, d.CounterpartyDeposited, snap.CreatorDeposited, snap.CounterpartyDeposited))
	}
	if snap.Counterparty != "" && !strings.EqualFold(d.CounterpartyAddress, snap.Counterparty) {
		fields = append(fields, FieldCounterparty)
		notes = append(notes, fmt.Sprintf("counterparty mirror=%q custody=%q", d.CounterpartyAddress, snap.Counterparty))
	}
	if deal.IsPriced(d.Type) && (snap.CreatorDeposited || snap.CounterpartyDeposited) && !amount.Equal(d.Price, snap.Price) {
		fields = append(fields, FieldPrice)
		notes = append(notes, fmt.Sprintf("price mirror=%s custody=%s", d.Price, snap.Price))
	}
	return fields, strings.Join(notes, "; ")
}
