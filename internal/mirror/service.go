package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/custody"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/idgen"
	"github.com/mbd888/nftescrow/internal/logging"
	"github.com/mbd888/nftescrow/internal/metrics"
	"github.com/mbd888/nftescrow/internal/traces"
)

// CreateRequest is the input to Create.
type CreateRequest struct {
	Type            string     `json:"type" binding:"required"`
	Counterparty    string     `json:"counterpartyAddress"`
	NFTContract     string     `json:"nftContractAddress" binding:"required"`
	NFTTokenID      string     `json:"nftTokenId" binding:"required"`
	SwapNFTContract string     `json:"swapNftContract"`
	SwapTokenID     string     `json:"swapTokenId"`
	Price           string     `json:"price"`
	ExpiresAt       *time.Time `json:"expiresAt"`
}

// Service owns the mirror's business rules.
type Service struct {
	store    Store
	verifier ProofVerifier
	custody  CustodyReader
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a mirror service. verifier and custody may be nil: without
// a verifier proofs are trusted, without a custody reader Resync is unavailable.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithVerifier enables proof verification.
func (s *Service) WithVerifier(v ProofVerifier) *Service {
	s.verifier = v
	return s
}

// WithCustody enables Resync.
func (s *Service) WithCustody(c CustodyReader) *Service {
	s.custody = c
	return s
}

// WithNotifier sets the side-effect fan-out.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates the request and stores a new PENDING deal.
func (s *Service) Create(ctx context.Context, creator string, req CreateRequest) (*Deal, error) {
	typ, err := deal.ParseType(req.Type)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	params := deal.CreateParams{
		Type:            typ,
		Creator:         creator,
		Counterparty:    req.Counterparty,
		NFTContract:     req.NFTContract,
		TokenID:         req.NFTTokenID,
		SwapNFTContract: req.SwapNFTContract,
		SwapTokenID:     req.SwapTokenID,
		ExpiresAt:       req.ExpiresAt,
	}
	if strings.TrimSpace(req.Price) != "" {
		wei, err := amount.ParsePositive(req.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: price: %v", deal.ErrInvalidParameters, err)
		}
		params.Price = wei
	}
	if err := params.Normalize(now); err != nil {
		return nil, err
	}

	d := &Deal{
		ID:                  idgen.New(),
		Type:                params.Type,
		Status:              deal.StatusPending,
		CreatorAddress:      params.Creator,
		CounterpartyAddress: params.Counterparty,
		NFTContractAddress:  params.NFTContract,
		NFTTokenID:          params.TokenID,
		SwapNFTContract:     params.SwapNFTContract,
		SwapTokenID:         params.SwapTokenID,
		ExpiresAt:           params.ExpiresAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if params.Price != nil {
		d.Price = amount.Format(params.Price)
	}
	act := s.activity(d, ActionCreated, creator, "", deal.StatusPending)
	act.Price = d.Price
	if err := s.store.Create(ctx, d, act); err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}

	s.logger.Info("mirror deal created", "id", d.ID, "type", d.Type, "creator", d.CreatorAddress)
	s.notify(ctx, &Event{Action: ActionCreated, Deal: d.Clone(), Actor: creator})
	return d, nil
}

// Get returns a deal by id.
func (s *Service) Get(ctx context.Context, id string) (*Deal, error) {
	return s.store.Get(ctx, id)
}

// ListByAddress returns deals where address is creator or counterparty,
// optionally filtered by status.
func (s *Service) ListByAddress(ctx context.Context, address string, status *deal.Status, limit int) ([]*Deal, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.List(ctx, Filter{Address: strings.ToLower(address), Status: status, Limit: limit})
}

// Activity returns the deal's history, oldest first.
func (s *Service) Activity(ctx context.Context, id string) ([]*Activity, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Activity(ctx, id)
}

// RecordLinkage binds the mirror deal to its custody instance. Only the
// creator links, only once, and only to a custody deal carrying the same
// terms. A custody deal backs at most one mirror deal.
func (s *Service) RecordLinkage(ctx context.Context, id, actor string, onchainID uint64, escrowAddress, txHash string) (*Deal, bool, error) {
	if !common.IsHexAddress(escrowAddress) {
		return nil, false, fmt.Errorf("%w: escrowContractAddress", deal.ErrInvalidParameters)
	}
	escrowAddress = strings.ToLower(escrowAddress)
	actor = strings.ToLower(actor)

	var snap *custody.Snapshot
	if s.custody != nil {
		var err error
		snap, err = s.custody.GetDealInfo(ctx, onchainID)
		if errors.Is(err, custody.ErrDealNotFound) {
			return nil, false, fmt.Errorf("%w: custody has no deal %d", ErrProofRejected, onchainID)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to read custody deal %d: %w", onchainID, err)
		}
	}

	return s.reconcile(ctx, id, ActionLinked, actor, txHash, &onchainID, func(d *Deal) ([]*Activity, error) {
		if actor != d.CreatorAddress {
			return nil, ErrUnauthorized
		}
		if d.Linked() {
			if *d.OnchainDealID == onchainID {
				// Same link resubmitted under another hash.
				return nil, ErrDuplicateProof
			}
			return nil, ErrAlreadyLinked
		}
		if snap != nil {
			if diff := termsDiff(d, snap, escrowAddress); len(diff) > 0 {
				return nil, fmt.Errorf("%w: custody deal %d differs in %s",
					ErrProofRejected, onchainID, strings.Join(diff, ", "))
			}
		}
		d.OnchainDealID = &onchainID
		d.EscrowContractAddress = escrowAddress
		d.TransactionHash = txHash
		act := s.activity(d, ActionLinked, actor, txHash, d.Status)
		act.Note = fmt.Sprintf("custody deal %d at %s", onchainID, escrowAddress)
		return []*Activity{act}, nil
	})
}

// termsDiff names the fixed terms on which d and the custody deal disagree.
// The counterparty of an open listing may already be bound in custody by
// its deposit.
func termsDiff(d *Deal, snap *custody.Snapshot, escrowAddress string) []string {
	var diff []string
	if d.Type != snap.Type {
		diff = append(diff, "type")
	}
	if !strings.EqualFold(d.CreatorAddress, snap.Creator) {
		diff = append(diff, "creator")
	}
	if !strings.EqualFold(d.CounterpartyAddress, snap.Counterparty) &&
		!(d.CounterpartyAddress == "" && snap.CounterpartyDeposited) {
		diff = append(diff, "counterparty")
	}
	if !strings.EqualFold(d.NFTContractAddress, snap.NFTContract) || d.NFTTokenID != snap.TokenID {
		diff = append(diff, "nft")
	}
	if !strings.EqualFold(d.SwapNFTContract, snap.SwapNFTContract) || d.SwapTokenID != snap.SwapTokenID {
		diff = append(diff, "swap nft")
	}
	if !strings.EqualFold(escrowAddress, snap.EscrowAddress) {
		diff = append(diff, "escrow address")
	}
	if deal.IsPriced(d.Type) && !amount.Equal(d.Price, snap.Price) {
		diff = append(diff, "price")
	}
	return diff
}

// RecordNFTDeposited reconciles an NFT deposit by actor.
func (s *Service) RecordNFTDeposited(ctx context.Context, id, actor, txHash string) (*Deal, bool, error) {
	return s.recordDeposit(ctx, id, ActionNFTDeposited, actor, txHash)
}

// RecordPaymentDeposited reconciles a payment deposit by actor.
func (s *Service) RecordPaymentDeposited(ctx context.Context, id, actor, txHash string) (*Deal, bool, error) {
	return s.recordDeposit(ctx, id, ActionPaymentDeposited, actor, txHash)
}

func (s *Service) recordDeposit(ctx context.Context, id string, action Action, actor, txHash string) (*Deal, bool, error) {
	actor = strings.ToLower(actor)
	return s.reconcile(ctx, id, action, actor, txHash, nil, func(d *Deal) ([]*Activity, error) {
		party := d.PartyOf(actor)
		if party == deal.PartyNone && d.CounterpartyAddress == "" && actor != "" {
			// First depositor of an open listing becomes the counterparty.
			party = deal.PartyCounterparty
		}
		if party == deal.PartyNone {
			return nil, ErrUnauthorized
		}
		leg := deal.LegOf(d.Type, party)
		if (action == ActionPaymentDeposited) != (leg == deal.LegPayment) {
			return nil, fmt.Errorf("%w: %s does not owe the %s leg", ErrUnauthorized, party, action)
		}

		creator, cp := d.CreatorDeposited, d.CounterpartyDeposited
		if party == deal.PartyCreator {
			creator = true
		} else {
			cp = true
		}
		if creator == d.CreatorDeposited && cp == d.CounterpartyDeposited {
			return nil, fmt.Errorf("%w: %s leg already recorded", ErrOutOfOrder, leg)
		}
		next := deal.StatusFor(d.Type, creator, cp)
		if !deal.CanAdvance(d.Status, next) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrOutOfOrder, d.Status, next)
		}

		from := d.Status
		if party == deal.PartyCounterparty && d.CounterpartyAddress == "" {
			d.CounterpartyAddress = actor
		}
		d.CreatorDeposited, d.CounterpartyDeposited = creator, cp
		d.Status = next
		d.TransactionHash = txHash
		d.clearCounterOffer()
		return []*Activity{s.activity(d, action, actor, txHash, from)}, nil
	})
}

// RecordCompleted reconciles settlement. Completion proves both legs were in
// custody, so both flags are set.
func (s *Service) RecordCompleted(ctx context.Context, id, actor, txHash string) (*Deal, bool, error) {
	actor = strings.ToLower(actor)
	return s.reconcile(ctx, id, ActionCompleted, actor, txHash, nil, func(d *Deal) ([]*Activity, error) {
		if !deal.CanAdvance(d.Status, deal.StatusCompleted) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrOutOfOrder, d.Status, deal.StatusCompleted)
		}
		from := d.Status
		now := s.now().UTC()
		d.Status = deal.StatusCompleted
		d.CreatorDeposited, d.CounterpartyDeposited = true, true
		d.TransactionHash = txHash
		d.CompletedAt = &now
		d.clearCounterOffer()
		return []*Activity{s.activity(d, ActionCompleted, actor, txHash, from)}, nil
	})
}

// RecordCancelled reconciles a cancellation by a participant.
func (s *Service) RecordCancelled(ctx context.Context, id, actor, txHash string) (*Deal, bool, error) {
	actor = strings.ToLower(actor)
	return s.reconcile(ctx, id, ActionCancelled, actor, txHash, nil, func(d *Deal) ([]*Activity, error) {
		if d.PartyOf(actor) == deal.PartyNone {
			return nil, ErrUnauthorized
		}
		if !deal.CanAdvance(d.Status, deal.StatusCancelled) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrOutOfOrder, d.Status, deal.StatusCancelled)
		}
		from := d.Status
		now := s.now().UTC()
		d.Status = deal.StatusCancelled
		d.CancelledAt = &now
		d.TransactionHash = txHash
		d.clearCounterOffer()
		return []*Activity{s.activity(d, ActionCancelled, actor, txHash, from)}, nil
	})
}

// reconcile verifies the proof and applies fn under the (deal, action, txHash)
// idempotency key. linkID is the custody id for a linkage proof, which the
// stored deal does not carry yet.
func (s *Service) reconcile(ctx context.Context, id string, action Action, actor, txHash string, linkID *uint64, fn MutateFunc) (*Deal, bool, error) {
	ctx = logging.WithDealID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "mirror."+string(action),
		traces.MirrorDealID(id), traces.Actor(actor), traces.TxHash(txHash))
	d, applied, err := s.doReconcile(ctx, id, action, actor, txHash, linkID, fn)
	traces.End(span, err)
	return d, applied, err
}

func (s *Service) doReconcile(ctx context.Context, id string, action Action, actor, txHash string, linkID *uint64, fn MutateFunc) (*Deal, bool, error) {
	if txHash == "" {
		return nil, false, fmt.Errorf("%w: transactionHash is required", deal.ErrInvalidParameters)
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	onchainID := linkID
	if onchainID == nil {
		if !current.Linked() {
			return nil, false, ErrNotLinked
		}
		onchainID = current.OnchainDealID
	}
	// Linkage is proved by the creation fact.
	kind := string(action)
	if action == ActionLinked {
		kind = string(ActionCreated)
	}
	if s.verifier != nil {
		if err := s.verifier.VerifyProof(ctx, *onchainID, kind, txHash, actor); err != nil {
			metrics.ReconciliationsTotal.WithLabelValues(string(action), "rejected").Inc()
			s.logger.Warn("proof rejected", "id", id, "action", action, "txHash", txHash, "error", err)
			return nil, false, fmt.Errorf("%w: %v", ErrProofRejected, err)
		}
	}

	updated, err := s.apply(ctx, id, &Proof{DealID: id, Kind: action, TxHash: txHash}, fn)
	switch {
	case errors.Is(err, ErrDuplicateProof):
		metrics.ReconciliationsTotal.WithLabelValues(string(action), "duplicate").Inc()
		if updated == nil {
			updated, err = s.store.Get(ctx, id)
			if err != nil {
				return nil, false, err
			}
		}
		return updated, false, nil
	case errors.Is(err, ErrOutOfOrder):
		metrics.ReconciliationsTotal.WithLabelValues(string(action), "out_of_order").Inc()
		metrics.MirrorInconsistenciesTotal.WithLabelValues(string(action)).Inc()
		s.logger.Warn("mirror inconsistency: out-of-order reconciliation",
			"id", id, "action", action, "status", current.Status, "txHash", txHash, "error", err)
		return nil, false, err
	case err != nil:
		metrics.ReconciliationsTotal.WithLabelValues(string(action), "rejected").Inc()
		return nil, false, err
	}

	metrics.ReconciliationsTotal.WithLabelValues(string(action), "applied").Inc()
	s.logger.Info("mirror reconciled", "id", id, "action", action, "status", updated.Status, "txHash", txHash)
	s.notify(ctx, &Event{Action: action, Deal: updated.Clone(), Actor: actor, TxHash: txHash})
	return updated, true, nil
}

// Resync re-derives lifecycle fields from a live custody read, bypassing the
// forward-only rule. It is the manual-intervention path.
func (s *Service) Resync(ctx context.Context, id, operator string) (*Deal, error) {
	if s.custody == nil {
		return nil, errors.New("resync unavailable: no custody reader configured")
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Linked() {
		return nil, ErrNotLinked
	}
	snap, err := s.custody.GetDealInfo(ctx, *current.OnchainDealID)
	if err != nil {
		return nil, fmt.Errorf("failed to read custody deal %d: %w", *current.OnchainDealID, err)
	}

	updated, err := s.apply(ctx, id, nil, func(d *Deal) ([]*Activity, error) {
		from := d.Status
		d.Status = snap.Status
		d.CreatorDeposited = snap.CreatorDeposited
		d.CounterpartyDeposited = snap.CounterpartyDeposited
		if snap.Counterparty != "" {
			d.CounterpartyAddress = snap.Counterparty
		}
		if snap.PriceWei != "" && deal.IsPriced(d.Type) {
			d.Price = snap.Price
		}
		d.CompletedAt = snap.CompletedAt
		d.CancelledAt = snap.CancelledAt
		if d.Status != deal.StatusPending || d.CreatorDeposited || d.CounterpartyDeposited {
			d.clearCounterOffer()
		}
		act := s.activity(d, ActionResynced, strings.ToLower(operator), "", from)
		act.Note = fmt.Sprintf("re-derived from custody deal %d", snap.DealID)
		return []*Activity{act}, nil
	})
	if err != nil {
		return nil, err
	}
	logging.Critical(ctx, s.logger, "mirror resynced from custody",
		"id", id, "onchainDealId", snap.DealID, "status", updated.Status, "operator", operator)
	s.notify(ctx, &Event{Action: ActionResynced, Deal: updated.Clone(), Actor: operator})
	return updated, nil
}

// apply runs fn through the store, stamping UpdatedAt on success.
func (s *Service) apply(ctx context.Context, id string, proof *Proof, fn MutateFunc) (*Deal, error) {
	return s.store.Apply(ctx, id, proof, func(d *Deal) ([]*Activity, error) {
		acts, err := fn(d)
		if err == nil {
			d.UpdatedAt = s.now().UTC()
		}
		return acts, err
	})
}

func (s *Service) activity(d *Deal, action Action, actor, txHash string, from deal.Status) *Activity {
	return &Activity{
		ID:         idgen.New(),
		DealID:     d.ID,
		Action:     action,
		Actor:      actor,
		TxHash:     txHash,
		FromStatus: from,
		ToStatus:   d.Status,
		CreatedAt:  s.now().UTC(),
	}
}

func (s *Service) notify(ctx context.Context, ev *Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, ev)
}
