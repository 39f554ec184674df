// Package recovery implements the escape hatch for deals stuck with both legs
// deposited, plus the manual resync queue fed by the divergence audit.
//
// Either original party may cancel a LOCKED_IN_ESCROW deal. The refund target
// of every leg is derived from (deal type, depositor role) alone, using the
// same table custody settles with, and the custody receipt is checked against
// that derivation afterwards.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/nftescrow/internal/custody"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/logging"
	"github.com/mbd888/nftescrow/internal/metrics"
	"github.com/mbd888/nftescrow/internal/mirror"
	"github.com/mbd888/nftescrow/internal/reconciliation"
	"github.com/mbd888/nftescrow/internal/traces"
)

var (
	ErrNotStuck     = errors.New("deal is not locked in escrow")
	ErrCompleted    = errors.New("deal already completed; recovery is disabled")
	ErrUnauthorized = errors.New("only the deal's creator or counterparty may recover it")
)

// Custody is the authoritative side recovery acts on.
type Custody interface {
	GetDealInfo(ctx context.Context, dealID uint64) (*custody.Snapshot, error)
	CancelDeal(ctx context.Context, dealID uint64, caller string) (*custody.Receipt, error)
}

// Mirror is the off-chain projection recovery keeps in step.
type Mirror interface {
	Get(ctx context.Context, id string) (*mirror.Deal, error)
	RecordCancelled(ctx context.Context, id, actor, txHash string) (*mirror.Deal, bool, error)
	Resync(ctx context.Context, id, operator string) (*mirror.Deal, error)
}

// Refund is one leg going back to the party that deposited it.
type Refund struct {
	Leg       deal.Leg   `json:"leg"`
	Depositor deal.Party `json:"depositor"`
	Role      deal.Role  `json:"role"`
	To        string     `json:"to"`
}

// Result describes a completed recovery.
type Result struct {
	Deal                *mirror.Deal     `json:"deal"`
	Receipt             *custody.Receipt `json:"receipt"`
	Refunds             []Refund         `json:"refunds"`
	MirrorSynced        bool             `json:"mirrorSynced"`
	ResolvedDiscrepancy string           `json:"resolvedDiscrepancy,omitempty"`
}

// Service runs recovery and manual resync.
type Service struct {
	custody       Custody
	mirror        Mirror
	discrepancies reconciliation.Store
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a recovery service.
func NewService(c Custody, m Mirror, discrepancies reconciliation.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{custody: c, mirror: m, discrepancies: discrepancies, logger: logger, now: time.Now}
}

// PlanRefunds derives where each deposited leg goes on a recovery cancel.
// It reads nothing from custody holdings.
func PlanRefunds(t deal.Type, creator, counterparty string) []Refund {
	addr := map[deal.Party]string{deal.PartyCreator: creator, deal.PartyCounterparty: counterparty}
	var out []Refund
	for _, mv := range deal.RefundPlan(t, true, true) {
		out = append(out, Refund{
			Leg:       mv.Leg,
			Depositor: mv.To,
			Role:      deal.RoleOf(t, mv.To),
			To:        addr[mv.To],
		})
	}
	return out
}

// Recover cancels a stuck deal on behalf of one of its parties and records
// the cancellation in the mirror.
func (s *Service) Recover(ctx context.Context, mirrorDealID, caller string) (res *Result, err error) {
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "recovery.recover", traces.MirrorDealID(mirrorDealID), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	md, err := s.mirror.Get(ctx, mirrorDealID)
	if err != nil {
		return nil, err
	}
	if !md.Linked() {
		return nil, mirror.ErrNotLinked
	}
	onchainID := *md.OnchainDealID

	snap, err := s.custody.GetDealInfo(ctx, onchainID)
	if err != nil {
		return nil, fmt.Errorf("read custody deal %d: %w", onchainID, err)
	}
	switch snap.Status {
	case deal.StatusLockedInEscrow:
	case deal.StatusCompleted:
		return nil, ErrCompleted
	default:
		return nil, ErrNotStuck
	}
	if caller == "" || (caller != snap.Creator && caller != snap.Counterparty) {
		return nil, ErrUnauthorized
	}

	refunds := PlanRefunds(snap.Type, snap.Creator, snap.Counterparty)

	rcpt, err := s.custody.CancelDeal(ctx, onchainID, caller)
	if err != nil {
		return nil, err
	}
	metrics.RecoveryCancellationsTotal.Inc()
	s.checkReceipt(ctx, mirrorDealID, rcpt, refunds)

	res = &Result{Receipt: rcpt, Refunds: refunds, Deal: md}

	updated, _, err := s.mirror.RecordCancelled(ctx, mirrorDealID, caller, rcpt.TxHash)
	if err != nil {
		// Custody has already refunded; the audit keeps the divergence visible
		// until an operator resyncs.
		logging.Critical(ctx, s.logger, "recovery cancelled in custody but mirror update failed",
			"deal_id", mirrorDealID, "onchain_deal_id", onchainID, "tx", rcpt.TxHash, "error", err)
		return res, nil
	}
	res.Deal = updated
	res.MirrorSynced = true

	if id, err := s.resolveOpen(ctx, mirrorDealID, reconciliation.ResolutionCancelled, caller); err != nil {
		s.logger.Warn("failed to resolve discrepancy after recovery", "deal_id", mirrorDealID, "error", err)
	} else {
		res.ResolvedDiscrepancy = id
	}

	s.logger.Info("stuck deal recovered",
		"deal_id", mirrorDealID, "onchain_deal_id", onchainID, "by", caller, "refunds", len(refunds))
	return res, nil
}

// checkReceipt confirms custody refunded every leg to its depositor.
func (s *Service) checkReceipt(ctx context.Context, dealID string, rcpt *custody.Receipt, plan []Refund) {
	for _, r := range plan {
		found := false
		for _, t := range rcpt.Transfers {
			if t.Leg == r.Leg && !t.Fee {
				found = strings.EqualFold(t.To, r.To)
				break
			}
		}
		if !found {
			logging.Critical(ctx, s.logger, "recovery refund does not match depositor",
				"deal_id", dealID, "leg", r.Leg, "expected_to", r.To, "tx", rcpt.TxHash)
		}
	}
}

func (s *Service) resolveOpen(ctx context.Context, dealID, resolution, by string) (string, error) {
	if s.discrepancies == nil {
		return "", nil
	}
	open, err := s.discrepancies.OpenForDeal(ctx, dealID)
	if errors.Is(err, reconciliation.ErrDiscrepancyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := s.discrepancies.Resolve(ctx, open.ID, resolution, by, s.now()); err != nil {
		return "", err
	}
	return open.ID, nil
}

// ListDiscrepancies returns open discrepancies, oldest first.
func (s *Service) ListDiscrepancies(ctx context.Context, limit int) ([]*reconciliation.Discrepancy, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.discrepancies.ListOpen(ctx, limit)
}

// ResyncDiscrepancy re-derives the mirror deal behind an open discrepancy
// from custody and closes it.
func (s *Service) ResyncDiscrepancy(ctx context.Context, id, operator string) (*mirror.Deal, *reconciliation.Discrepancy, error) {
	disc, err := s.discrepancies.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !disc.Open() {
		return nil, nil, reconciliation.ErrAlreadyResolved
	}

	d, err := s.mirror.Resync(ctx, disc.DealID, operator)
	if err != nil {
		return nil, nil, err
	}
	closed, err := s.discrepancies.Resolve(ctx, id, reconciliation.ResolutionResynced, strings.ToLower(operator), s.now())
	if err != nil {
		return d, nil, err
	}
	return d, closed, nil
}
