package custody

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/ledger"
	"github.com/mbd888/nftescrow/internal/logging"
	"github.com/mbd888/nftescrow/internal/metrics"
	"github.com/mbd888/nftescrow/internal/syncutil"
	"github.com/mbd888/nftescrow/internal/traces"
)

// Config fixes the registry identity and fee schedule.
type Config struct {
	RegistryAddress string
	FeeRecipient    string
	FeeBasisPoints  int64
}

// Registry creates escrow instances and executes their operations.
type Registry struct {
	store   Store
	assets  Assets
	journal ledger.Journal
	cfg     Config
	locks   *syncutil.KeyedMutex
	logger  *slog.Logger
	now     func() time.Time
	nonce   atomic.Uint64
}

// NewRegistry creates a registry.
func NewRegistry(store Store, assets Assets, journal ledger.Journal, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.RegistryAddress = strings.ToLower(cfg.RegistryAddress)
	cfg.FeeRecipient = strings.ToLower(cfg.FeeRecipient)
	return &Registry{
		store:   store,
		assets:  assets,
		journal: journal,
		cfg:     cfg,
		locks:   syncutil.NewKeyedMutex(),
		logger:  logger.With("component", "custody"),
		now:     time.Now,
	}
}

// WithClock overrides the time source (tests).
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Journal exposes the fact journal for proof verification and replay.
func (r *Registry) Journal() ledger.Journal { return r.journal }

// EscrowAddressFor derives the isolated escrow address of a deal id.
func (r *Registry) EscrowAddressFor(dealID uint64) string {
	addr := crypto.CreateAddress(common.HexToAddress(r.cfg.RegistryAddress), dealID)
	return strings.ToLower(addr.Hex())
}

// CreateDeal validates p and opens a new escrow instance in PENDING.
func (r *Registry) CreateDeal(ctx context.Context, p deal.CreateParams) (inst *Instance, rcpt *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "custody.CreateDeal", traces.Actor(p.Creator))
	defer func() { traces.End(span, err); r.count("create", err) }()

	now := r.now()
	if err := p.Normalize(now); err != nil {
		return nil, nil, err
	}

	id, err := r.store.NextDealID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate deal id: %w", err)
	}
	span.SetAttributes(traces.DealID(id))

	inst = &Instance{
		DealID:          id,
		EscrowAddress:   r.EscrowAddressFor(id),
		Type:            p.Type,
		Creator:         p.Creator,
		Counterparty:    p.Counterparty,
		NFTContract:     p.NFTContract,
		TokenID:         p.TokenID,
		SwapNFTContract: p.SwapNFTContract,
		SwapTokenID:     p.SwapTokenID,
		Price:           p.Price,
		FeeBasisPoints:  r.cfg.FeeBasisPoints,
		Status:          deal.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       p.ExpiresAt,
	}
	if err := r.store.Create(ctx, inst); err != nil {
		return nil, nil, fmt.Errorf("failed to create escrow instance: %w", err)
	}
	metrics.DealsCreatedTotal.WithLabelValues(string(inst.Type)).Inc()

	fact := &ledger.Fact{DealID: id, Kind: ledger.KindCreated, Actor: inst.Creator}
	if inst.Price != nil {
		fact.Amount = inst.Price.String()
	}
	rcpt = r.commit(ctx, inst, fact, nil)

	r.logger.InfoContext(ctx, "deal created",
		"deal_id", id, "type", inst.Type, "creator", inst.Creator, "escrow", inst.EscrowAddress)
	return inst.clone(), rcpt, nil
}

// DepositNFT pulls the caller's NFT leg into the escrow address.
func (r *Registry) DepositNFT(ctx context.Context, dealID uint64, caller string) (*Receipt, error) {
	return r.deposit(ctx, "deposit_nft", dealID, caller, nil)
}

// DepositPayment pulls exactly the deal price from the buyer into the escrow address.
func (r *Registry) DepositPayment(ctx context.Context, dealID uint64, caller string, value *big.Int) (*Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	return r.deposit(ctx, "deposit_payment", dealID, caller, value)
}

// deposit implements both deposit calls; value is nil for the NFT path.
func (r *Registry) deposit(ctx context.Context, op string, dealID uint64, caller string, value *big.Int) (rcpt *Receipt, err error) {
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "custody."+op, traces.DealID(dealID), traces.Actor(caller))
	defer func() { traces.End(span, err); r.count(op, err) }()

	unlock, err := r.lock(ctx, dealID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := r.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if inst.Expired(r.now()) {
		return nil, ErrDealExpired
	}

	party, err := r.depositorParty(inst, caller, value != nil)
	if err != nil {
		return nil, err
	}
	if inst.Deposited(party) {
		return nil, ErrWrongState
	}
	leg := deal.LegOf(inst.Type, party)

	var (
		pull Transfer
		kind ledger.Kind
	)
	if value != nil {
		if value.Cmp(inst.Price) != 0 {
			return nil, ErrIncorrectAmount
		}
		bal, err := r.assets.BalanceOf(ctx, caller)
		if err != nil {
			return nil, err
		}
		if bal.Cmp(value) < 0 {
			return nil, ErrInsufficientFunds
		}
		pull = Transfer{Leg: leg, From: caller, To: inst.EscrowAddress, Amount: value.String()}
		kind = ledger.KindPaymentDeposited
	} else {
		contract, tokenID := inst.TokenFor(leg)
		if err := r.checkOwnedAndApproved(ctx, contract, tokenID, caller, inst.EscrowAddress); err != nil {
			return nil, err
		}
		pull = Transfer{Leg: leg, From: caller, To: inst.EscrowAddress, Contract: contract, TokenID: tokenID}
		kind = ledger.KindNFTDeposited
	}

	if err := r.move(ctx, pull, inst.EscrowAddress); err != nil {
		return nil, mapAssetErr(err)
	}

	updated := inst.clone()
	if party == deal.PartyCreator {
		updated.CreatorDeposited = true
	} else {
		updated.CounterpartyDeposited = true
		updated.Counterparty = caller
	}
	updated.Status = deal.StatusFor(updated.Type, updated.CreatorDeposited, updated.CounterpartyDeposited)
	updated.UpdatedAt = r.now()

	if err := r.store.Update(ctx, updated); err != nil {
		// The asset is in the escrow address but the flag is not recorded:
		// push it back so the instance never holds unaccounted assets.
		back := Transfer{Leg: pull.Leg, From: pull.To, To: pull.From, Contract: pull.Contract, TokenID: pull.TokenID, Amount: pull.Amount}
		if undoErr := r.move(ctx, back, inst.EscrowAddress); undoErr != nil {
			metrics.CustodyCriticalTotal.WithLabelValues(op).Inc()
			logging.Critical(ctx, r.logger, "deposit held in escrow but flag not persisted and return failed",
				"deal_id", dealID, "leg", leg, "depositor", caller, "persist_error", err, "return_error", undoErr)
			return nil, fmt.Errorf("failed to record deposit (requires manual resolution): %w", err)
		}
		return nil, fmt.Errorf("failed to record deposit, asset returned: %w", err)
	}

	fact := &ledger.Fact{DealID: dealID, Kind: kind, Actor: caller, Leg: leg}
	if value != nil {
		fact.Amount = value.String()
	}
	rcpt = r.commit(ctx, updated, fact, []Transfer{pull})

	r.logger.InfoContext(ctx, "deposit recorded",
		"deal_id", dealID, "leg", leg, "depositor", caller, "status", updated.Status)
	return rcpt, nil
}

// depositorParty resolves which side caller deposits for. An open listing
// binds the first non-creator depositor of the counterparty leg.
func (r *Registry) depositorParty(inst *Instance, caller string, payment bool) (deal.Party, error) {
	if !common.IsHexAddress(caller) {
		return deal.PartyNone, ErrWrongCaller
	}
	party := inst.PartyOf(caller)
	if party == deal.PartyNone && inst.Counterparty == "" {
		party = deal.PartyCounterparty
	}
	if party == deal.PartyNone {
		return deal.PartyNone, ErrWrongCaller
	}
	leg := deal.LegOf(inst.Type, party)
	if payment != (leg == deal.LegPayment) {
		return deal.PartyNone, ErrWrongCaller
	}
	return party, nil
}

func (r *Registry) checkOwnedAndApproved(ctx context.Context, contract, tokenID, owner, operator string) error {
	cur, err := r.assets.OwnerOf(ctx, contract, tokenID)
	if errors.Is(err, ErrTokenNotFound) {
		return ErrAssetNotOwnedOrApproved
	}
	if err != nil {
		return err
	}
	if cur != owner {
		return ErrAssetNotOwnedOrApproved
	}
	ok, err := r.assets.IsApproved(ctx, contract, tokenID, owner, operator)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAssetNotOwnedOrApproved
	}
	return nil
}

// CompleteDeal settles a fully deposited deal. Anyone may call it.
func (r *Registry) CompleteDeal(ctx context.Context, dealID uint64, caller string) (rcpt *Receipt, err error) {
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "custody.complete", traces.DealID(dealID), traces.Actor(caller))
	defer func() { traces.End(span, err); r.count("complete", err) }()

	unlock, err := r.lock(ctx, dealID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := r.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if !inst.CreatorDeposited || !inst.CounterpartyDeposited {
		return nil, ErrDealNotFullyDeposited
	}

	plan, fee := r.releaseTransfers(inst)
	updated := inst.clone()
	now := r.now()
	updated.Status = deal.StatusCompleted
	updated.CompletedAt = &now
	updated.UpdatedAt = now

	volume := new(big.Int)
	if inst.Price != nil {
		volume.Set(inst.Price)
	}
	if err := r.settle(ctx, "complete", inst, updated, plan, volume); err != nil {
		return nil, err
	}

	metrics.DealsTerminalTotal.WithLabelValues(updated.Status.String()).Inc()
	metrics.DealDuration.Observe(now.Sub(inst.CreatedAt).Seconds())
	if volume.Sign() > 0 {
		metrics.SettledVolume.Add(amount.Float(volume))
		metrics.FeesCollected.Add(amount.Float(fee))
	}

	fact := &ledger.Fact{DealID: dealID, Kind: ledger.KindCompleted, Actor: caller}
	if inst.Price != nil {
		fact.Amount = inst.Price.String()
	}
	rcpt = r.commit(ctx, updated, fact, plan)

	r.logger.InfoContext(ctx, "deal completed",
		"deal_id", dealID, "volume", volume.String(), "fee", fee.String())
	return rcpt, nil
}

// CancelDeal returns every deposited leg to its depositor. Only the creator
// or the bound counterparty may cancel.
func (r *Registry) CancelDeal(ctx context.Context, dealID uint64, caller string) (rcpt *Receipt, err error) {
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "custody.cancel", traces.DealID(dealID), traces.Actor(caller))
	defer func() { traces.End(span, err); r.count("cancel", err) }()

	unlock, err := r.lock(ctx, dealID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := r.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if inst.PartyOf(caller) == deal.PartyNone {
		return nil, ErrUnauthorized
	}
	if inst.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}

	plan := r.refundTransfers(inst)
	updated := inst.clone()
	now := r.now()
	updated.Status = deal.StatusCancelled
	updated.CancelledAt = &now
	updated.UpdatedAt = now

	if err := r.settle(ctx, "cancel", inst, updated, plan, nil); err != nil {
		return nil, err
	}
	metrics.DealsTerminalTotal.WithLabelValues(updated.Status.String()).Inc()

	rcpt = r.commit(ctx, updated, &ledger.Fact{DealID: dealID, Kind: ledger.KindCancelled, Actor: caller}, plan)

	r.logger.InfoContext(ctx, "deal cancelled",
		"deal_id", dealID, "by", caller, "refunds", len(plan))
	return rcpt, nil
}

// UpdateDealPrice changes the price before any deposit. Only the price
// setter may call it.
func (r *Registry) UpdateDealPrice(ctx context.Context, dealID uint64, caller string, newPrice *big.Int) (rcpt *Receipt, err error) {
	caller = strings.ToLower(caller)
	ctx, span := traces.StartSpan(ctx, "custody.update_price", traces.DealID(dealID), traces.Actor(caller))
	defer func() { traces.End(span, err); r.count("update_price", err) }()

	if newPrice == nil || newPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", deal.ErrInvalidParameters)
	}

	unlock, err := r.lock(ctx, dealID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := r.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if !deal.IsPriced(inst.Type) {
		return nil, fmt.Errorf("%w: %s deals carry no price", deal.ErrInvalidParameters, inst.Type)
	}
	if setter := deal.PriceSetter(inst.Type); inst.PartyOf(caller) != setter {
		return nil, ErrUnauthorized
	}
	if inst.Status != deal.StatusPending || inst.AnyDeposited() {
		return nil, ErrWrongState
	}

	updated := inst.clone()
	updated.Price = new(big.Int).Set(newPrice)
	updated.UpdatedAt = r.now()
	if err := r.store.Update(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to update price: %w", err)
	}

	rcpt = r.commit(ctx, updated, &ledger.Fact{
		DealID: dealID, Kind: ledger.KindPriceUpdated, Actor: caller, Amount: newPrice.String(),
	}, nil)
	return rcpt, nil
}

// releaseTransfers builds the completion movements: every leg crosses to
// the other party and the payment leg is split into proceeds and fee.
func (r *Registry) releaseTransfers(inst *Instance) ([]Transfer, *big.Int) {
	fee := new(big.Int)
	var out []Transfer
	for _, mv := range deal.ReleasePlan(inst.Type) {
		to := inst.AddressOf(mv.To)
		if mv.Leg.IsNFT() {
			contract, tokenID := inst.TokenFor(mv.Leg)
			out = append(out, Transfer{Leg: mv.Leg, From: inst.EscrowAddress, To: to, Contract: contract, TokenID: tokenID})
			continue
		}
		var net *big.Int
		fee, net = amount.FeeSplit(inst.Price, inst.FeeBasisPoints)
		out = append(out, Transfer{Leg: mv.Leg, From: inst.EscrowAddress, To: to, Amount: net.String()})
		if fee.Sign() > 0 {
			out = append(out, Transfer{Leg: mv.Leg, From: inst.EscrowAddress, To: r.cfg.FeeRecipient, Amount: fee.String(), Fee: true})
		}
	}
	return out, fee
}

// refundTransfers builds the cancellation movements from the deposit flags.
func (r *Registry) refundTransfers(inst *Instance) []Transfer {
	var out []Transfer
	for _, mv := range deal.RefundPlan(inst.Type, inst.CreatorDeposited, inst.CounterpartyDeposited) {
		to := inst.AddressOf(mv.To)
		if mv.Leg.IsNFT() {
			contract, tokenID := inst.TokenFor(mv.Leg)
			out = append(out, Transfer{Leg: mv.Leg, From: inst.EscrowAddress, To: to, Contract: contract, TokenID: tokenID})
			continue
		}
		out = append(out, Transfer{Leg: mv.Leg, From: inst.EscrowAddress, To: to, Amount: inst.Price.String()})
	}
	return out
}

// settle moves assets out of the escrow address and finalizes the instance.
// Holdings are verified first so a repeated settlement cannot pay twice.
func (r *Registry) settle(ctx context.Context, op string, inst, updated *Instance, plan []Transfer, volume *big.Int) error {
	if err := r.verifyHoldings(ctx, inst); err != nil {
		metrics.CustodyCriticalTotal.WithLabelValues(op).Inc()
		logging.Critical(ctx, r.logger, "escrow holdings do not match deposit flags",
			"deal_id", inst.DealID, "escrow", inst.EscrowAddress, "error", err)
		return err
	}

	for i, t := range plan {
		if err := r.move(ctx, t, inst.EscrowAddress); err != nil {
			metrics.CustodyCriticalTotal.WithLabelValues(op).Inc()
			logging.Critical(ctx, r.logger, "settlement interrupted after partial transfer",
				"deal_id", inst.DealID, "completed_transfers", i, "failed_leg", t.Leg, "to", t.To, "error", err)
			return fmt.Errorf("%w: transfer %d of %d: %v", ErrSettlementFailed, i+1, len(plan), err)
		}
	}

	if err := r.store.Finalize(ctx, updated, volume); err != nil {
		// Retry once: assets already moved, the terminal state must be persisted.
		if retryErr := r.store.Finalize(ctx, updated, volume); retryErr != nil {
			metrics.CustodyCriticalTotal.WithLabelValues(op).Inc()
			logging.Critical(ctx, r.logger, "assets released but terminal status not persisted",
				"deal_id", inst.DealID, "status", updated.Status, "error", retryErr)
			return fmt.Errorf("failed to finalize deal after settlement (requires manual resolution): %w", err)
		}
	}
	return nil
}

// verifyHoldings checks the escrow address still holds every deposited leg.
func (r *Registry) verifyHoldings(ctx context.Context, inst *Instance) error {
	for _, p := range []deal.Party{deal.PartyCreator, deal.PartyCounterparty} {
		if !inst.Deposited(p) {
			continue
		}
		leg := deal.LegOf(inst.Type, p)
		if leg.IsNFT() {
			contract, tokenID := inst.TokenFor(leg)
			owner, err := r.assets.OwnerOf(ctx, contract, tokenID)
			if err != nil && !errors.Is(err, ErrTokenNotFound) {
				return err
			}
			if owner != inst.EscrowAddress {
				return fmt.Errorf("%w: %s %s/%s owned by %q", ErrCustodyMismatch, leg, contract, tokenID, owner)
			}
			continue
		}
		bal, err := r.assets.BalanceOf(ctx, inst.EscrowAddress)
		if err != nil {
			return err
		}
		if bal.Cmp(inst.Price) < 0 {
			return fmt.Errorf("%w: escrow balance %s below price %s", ErrCustodyMismatch, bal, inst.Price)
		}
	}
	return nil
}

// move executes one transfer with operator as the acting address.
func (r *Registry) move(ctx context.Context, t Transfer, operator string) error {
	if t.Contract != "" {
		return r.assets.TransferNFT(ctx, t.Contract, t.TokenID, t.From, t.To, operator)
	}
	v, ok := new(big.Int).SetString(t.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid transfer amount %q", t.Amount)
	}
	return r.assets.TransferValue(ctx, t.From, t.To, v)
}

// commit journals the fact and builds the receipt. The
// state change is already durable; a journal failure leaves the receipt
// unprovable and is logged for the divergence audit to pick up.
func (r *Registry) commit(ctx context.Context, inst *Instance, f *ledger.Fact, transfers []Transfer) *Receipt {
	now := r.now()
	f.Status = inst.Status
	f.TxHash = r.txHash(inst.DealID, f.Kind, f.Actor, now)
	f.CreatedAt = now

	if err := r.journal.Append(ctx, f); err != nil {
		if retryErr := r.journal.Append(ctx, f); retryErr != nil && !errors.Is(retryErr, ledger.ErrDuplicateFact) {
			metrics.CustodyCriticalTotal.WithLabelValues("journal").Inc()
			logging.Critical(ctx, r.logger, "custody fact not journaled",
				"deal_id", inst.DealID, "kind", f.Kind, "tx_hash", f.TxHash, "error", retryErr)
		}
	}

	rcpt := &Receipt{
		TxHash:    f.TxHash,
		DealID:    inst.DealID,
		Action:    f.Kind,
		Actor:     f.Actor,
		Status:    inst.Status,
		Transfers: transfers,
		BlockTime: now,
	}
	return rcpt
}

func (r *Registry) txHash(dealID uint64, kind ledger.Kind, actor string, at time.Time) string {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], dealID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(at.UnixNano())) //nolint:gosec // monotonic enough for uniqueness
	binary.BigEndian.PutUint64(buf[16:24], r.nonce.Add(1))
	return crypto.Keccak256Hash(
		common.HexToAddress(r.cfg.RegistryAddress).Bytes(),
		buf[:],
		[]byte(kind),
		[]byte(actor),
	).Hex()
}

func (r *Registry) lock(ctx context.Context, dealID uint64) (func(), error) {
	return r.locks.LockContext(ctx, strconv.FormatUint(dealID, 10))
}

func (r *Registry) count(op string, err error) {
	metrics.CustodyOperationsTotal.WithLabelValues(op, ErrorCode(err)).Inc()
}

func mapAssetErr(err error) error {
	switch {
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrNotTokenOwner), errors.Is(err, ErrNotApproved):
		return fmt.Errorf("%w: %v", ErrAssetNotOwnedOrApproved, err)
	}
	return err
}

// Status returns the authoritative status of a deal.
func (r *Registry) Status(ctx context.Context, dealID uint64) (deal.Status, error) {
	inst, err := r.store.Get(ctx, dealID)
	if err != nil {
		return 0, err
	}
	return inst.Status, nil
}

// Get returns the raw instance.
func (r *Registry) Get(ctx context.Context, dealID uint64) (*Instance, error) {
	return r.store.Get(ctx, dealID)
}

// GetDealInfo returns the read-only snapshot of a deal.
func (r *Registry) GetDealInfo(ctx context.Context, dealID uint64) (*Snapshot, error) {
	inst, err := r.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

// GetUserDeals lists the ids of deals where addr is creator or counterparty.
func (r *Registry) GetUserDeals(ctx context.Context, addr string) ([]uint64, error) {
	insts, err := r.store.ListByParty(ctx, addr)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(insts))
	for _, inst := range insts {
		ids = append(ids, inst.DealID)
	}
	return ids, nil
}

// GetUserDealsInfo is GetUserDeals with snapshots.
func (r *Registry) GetUserDealsInfo(ctx context.Context, addr string) ([]*Snapshot, error) {
	insts, err := r.store.ListByParty(ctx, addr)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Snapshot())
	}
	return out, nil
}

// GetPlatformStats returns the registry counters.
func (r *Registry) GetPlatformStats(ctx context.Context) (*PlatformStats, error) {
	return r.store.Stats(ctx)
}

// Facts lists the journaled facts of one deal.
func (r *Registry) Facts(ctx context.Context, dealID uint64) ([]*ledger.Fact, error) {
	if _, err := r.store.Get(ctx, dealID); err != nil {
		return nil, err
	}
	return r.journal.ListByDeal(ctx, dealID)
}
