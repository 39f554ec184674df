package custody

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/ledger"
)

const (
	alice   = "0x1111111111111111111111111111111111111111"
	bob     = "0x2222222222222222222222222222222222222222"
	carol   = "0x3333333333333333333333333333333333333333"
	nftA    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	nftB    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	feeAddr = "0x000000000000000000000000000000000000fee5"
	regAddr = "0x00000000000000000000000000000000000e5c40"
)

type fixture struct {
	reg     *Registry
	store   *MemoryStore
	assets  *MemoryAssets
	journal *ledger.MemoryJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		assets:  NewMemoryAssets(),
		journal: ledger.NewMemoryJournal(),
	}
	f.reg = NewRegistry(f.store, f.assets, f.journal, Config{
		RegistryAddress: regAddr,
		FeeRecipient:    feeAddr,
		FeeBasisPoints:  250,
	}, nil)
	return f
}

func tokens(s string) *big.Int {
	v, err := amount.Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (f *fixture) mint(t *testing.T, contract, tokenID, owner string) {
	t.Helper()
	if err := f.assets.Mint(context.Background(), contract, tokenID, owner); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) fund(t *testing.T, addr, amt string) {
	t.Helper()
	if err := f.assets.Fund(context.Background(), addr, tokens(amt)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) approve(t *testing.T, contract, tokenID, owner string, inst *Instance) {
	t.Helper()
	if err := f.assets.Approve(context.Background(), contract, tokenID, owner, inst.EscrowAddress); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) owner(t *testing.T, contract, tokenID string) string {
	t.Helper()
	o, err := f.assets.OwnerOf(context.Background(), contract, tokenID)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func (f *fixture) balance(t *testing.T, addr string) string {
	t.Helper()
	b, err := f.assets.BalanceOf(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	return amount.Format(b)
}

func (f *fixture) createBuy(t *testing.T, price string) *Instance {
	t.Helper()
	inst, rcpt, err := f.reg.CreateDeal(context.Background(), deal.CreateParams{
		Type: deal.TypeBuy, Creator: alice, Counterparty: bob,
		NFTContract: nftA, TokenID: "7", Price: tokens(price),
	})
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if rcpt.TxHash == "" || rcpt.Action != ledger.KindCreated {
		t.Fatalf("unexpected receipt %+v", rcpt)
	}
	return inst
}

func TestCreateDeal_AssignsSequentialIDsAndIsolatedEscrows(t *testing.T) {
	f := newFixture(t)
	a := f.createBuy(t, "1")
	b := f.createBuy(t, "1")

	if a.DealID != 1 || b.DealID != 2 {
		t.Fatalf("expected ids 1,2 got %d,%d", a.DealID, b.DealID)
	}
	if a.EscrowAddress == b.EscrowAddress || a.EscrowAddress == regAddr {
		t.Fatal("each deal must get its own escrow address")
	}
	if a.EscrowAddress != f.reg.EscrowAddressFor(1) {
		t.Fatal("escrow address must be derivable from the deal id")
	}
	if a.Status != deal.StatusPending || a.FeeBasisPoints != 250 {
		t.Fatalf("unexpected instance %+v", a)
	}

	stats, _ := f.reg.GetPlatformStats(context.Background())
	if stats.TotalDeals != 2 || stats.ActiveDeals != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreateDeal_RejectsInvalidParameters(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.reg.CreateDeal(context.Background(), deal.CreateParams{
		Type: deal.TypeBuy, Creator: alice, NFTContract: nftA, TokenID: "7",
	})
	if !errors.Is(err, deal.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if ErrorCode(err) != "invalid_deal_parameters" {
		t.Fatalf("unexpected code %s", ErrorCode(err))
	}
	stats, _ := f.reg.GetPlatformStats(context.Background())
	if stats.TotalDeals != 0 {
		t.Fatal("rejected creation must not count")
	}
}

func TestBuyLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mint(t, nftA, "7", bob)
	f.fund(t, alice, "5")

	inst := f.createBuy(t, "2.0")
	f.approve(t, nftA, "7", bob, inst)

	rcpt, err := f.reg.DepositNFT(ctx, inst.DealID, bob)
	if err != nil {
		t.Fatalf("DepositNFT: %v", err)
	}
	if rcpt.Status != deal.StatusAwaitingBuyer {
		t.Fatalf("expected AWAITING_BUYER, got %s", rcpt.Status)
	}
	if f.owner(t, nftA, "7") != inst.EscrowAddress {
		t.Fatal("NFT should be held by the escrow address")
	}

	rcpt, err = f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("2"))
	if err != nil {
		t.Fatalf("DepositPayment: %v", err)
	}
	if rcpt.Status != deal.StatusLockedInEscrow {
		t.Fatalf("expected LOCKED_IN_ESCROW, got %s", rcpt.Status)
	}
	if f.balance(t, inst.EscrowAddress) != "2" {
		t.Fatalf("escrow should hold 2, has %s", f.balance(t, inst.EscrowAddress))
	}

	// Completion is permissionless.
	rcpt, err = f.reg.CompleteDeal(ctx, inst.DealID, carol)
	if err != nil {
		t.Fatalf("CompleteDeal: %v", err)
	}
	if rcpt.Status != deal.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", rcpt.Status)
	}

	if f.owner(t, nftA, "7") != alice {
		t.Fatal("buyer should own the NFT")
	}
	if got := f.balance(t, bob); got != "1.95" {
		t.Fatalf("seller should receive 1.95, got %s", got)
	}
	if got := f.balance(t, feeAddr); got != "0.05" {
		t.Fatalf("fee recipient should receive 0.05, got %s", got)
	}
	if got := f.balance(t, alice); got != "3" {
		t.Fatalf("buyer should have 3 left, got %s", got)
	}
	if got := f.balance(t, inst.EscrowAddress); got != "0" {
		t.Fatalf("escrow should be empty, has %s", got)
	}

	stats, _ := f.reg.GetPlatformStats(ctx)
	if stats.CompletedDeals != 1 || stats.ActiveDeals != 0 || stats.TotalVolume.Cmp(tokens("2")) != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	snap, _ := f.reg.GetDealInfo(ctx, inst.DealID)
	if snap.CompletedAt == nil || !snap.CreatorDeposited || !snap.CounterpartyDeposited {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestBuy_PaymentFirstAwaitsSeller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, alice, "1")
	inst := f.createBuy(t, "1")

	rcpt, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1"))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Status != deal.StatusAwaitingSeller {
		t.Fatalf("expected AWAITING_SELLER, got %s", rcpt.Status)
	}
}

func TestSellLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mint(t, nftA, "1", alice)
	f.fund(t, bob, "10")

	inst, _, err := f.reg.CreateDeal(ctx, deal.CreateParams{
		Type: deal.TypeSell, Creator: alice, Counterparty: bob,
		NFTContract: nftA, TokenID: "1", Price: tokens("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.approve(t, nftA, "1", alice, inst)

	if _, err := f.reg.DepositNFT(ctx, inst.DealID, alice); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.reg.Status(ctx, inst.DealID); st != deal.StatusAwaitingBuyer {
		t.Fatalf("expected AWAITING_BUYER, got %s", st)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, bob, tokens("10")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.CompleteDeal(ctx, inst.DealID, alice); err != nil {
		t.Fatal(err)
	}

	if f.owner(t, nftA, "1") != bob {
		t.Fatal("buyer (counterparty) should own the NFT")
	}
	if got := f.balance(t, alice); got != "9.75" {
		t.Fatalf("seller should get 9.75, got %s", got)
	}
	if got := f.balance(t, feeAddr); got != "0.25" {
		t.Fatalf("fee should be 0.25, got %s", got)
	}
}

func TestSwapLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mint(t, nftA, "1", alice)
	f.mint(t, nftB, "2", bob)

	inst, _, err := f.reg.CreateDeal(ctx, deal.CreateParams{
		Type: deal.TypeSwap, Creator: alice, Counterparty: bob,
		NFTContract: nftA, TokenID: "1", SwapNFTContract: nftB, SwapTokenID: "2",
	})
	if err != nil {
		t.Fatal(err)
	}
	f.approve(t, nftA, "1", alice, inst)
	f.approve(t, nftB, "2", bob, inst)

	rcpt, err := f.reg.DepositNFT(ctx, inst.DealID, alice)
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Status != deal.StatusPending {
		t.Fatalf("a swap with one leg in stays PENDING, got %s", rcpt.Status)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, bob, big.NewInt(1)); !errors.Is(err, ErrWrongCaller) {
		t.Fatalf("swap has no payment leg, expected ErrWrongCaller, got %v", err)
	}
	if _, err := f.reg.DepositNFT(ctx, inst.DealID, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.CompleteDeal(ctx, inst.DealID, bob); err != nil {
		t.Fatal(err)
	}

	if f.owner(t, nftA, "1") != bob || f.owner(t, nftB, "2") != alice {
		t.Fatal("tokens should have crossed")
	}
	stats, _ := f.reg.GetPlatformStats(ctx)
	if stats.CompletedDeals != 1 || stats.TotalVolume.Sign() != 0 {
		t.Fatalf("swaps add no volume: %+v", stats)
	}
	if got := f.balance(t, feeAddr); got != "0" {
		t.Fatalf("swaps pay no fee, got %s", got)
	}
}

func TestCancel_RefundsEachDepositorAndConservesValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mint(t, nftA, "7", bob)
	f.fund(t, alice, "3")
	before := f.assets.TotalValue()

	inst := f.createBuy(t, "3")
	f.approve(t, nftA, "7", bob, inst)
	if _, err := f.reg.DepositNFT(ctx, inst.DealID, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("3")); err != nil {
		t.Fatal(err)
	}

	if _, err := f.reg.CancelDeal(ctx, inst.DealID, carol); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for a stranger, got %v", err)
	}

	rcpt, err := f.reg.CancelDeal(ctx, inst.DealID, bob)
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Status != deal.StatusCancelled || len(rcpt.Transfers) != 2 {
		t.Fatalf("unexpected receipt %+v", rcpt)
	}
	if f.owner(t, nftA, "7") != bob {
		t.Fatal("NFT must return to its depositor")
	}
	if f.balance(t, alice) != "3" {
		t.Fatal("payment must return to the buyer")
	}
	if f.assets.TotalValue().Cmp(before) != 0 {
		t.Fatal("cancellation must conserve value")
	}

	stats, _ := f.reg.GetPlatformStats(ctx)
	if stats.CancelledDeals != 1 || stats.CompletedDeals != 0 || stats.TotalVolume.Sign() != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCancel_BeforeAnyDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.createBuy(t, "1")

	rcpt, err := f.reg.CancelDeal(ctx, inst.DealID, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(rcpt.Transfers) != 0 {
		t.Fatalf("nothing to refund, got %+v", rcpt.Transfers)
	}
}

func TestTerminalFinality(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mint(t, nftA, "7", bob)
	f.fund(t, alice, "2")
	inst := f.createBuy(t, "1")
	f.approve(t, nftA, "7", bob, inst)
	_, _ = f.reg.DepositNFT(ctx, inst.DealID, bob)
	_, _ = f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1"))
	if _, err := f.reg.CompleteDeal(ctx, inst.DealID, alice); err != nil {
		t.Fatal(err)
	}

	checks := map[string]error{}
	_, checks["complete"] = f.reg.CompleteDeal(ctx, inst.DealID, alice)
	_, checks["cancel"] = f.reg.CancelDeal(ctx, inst.DealID, alice)
	_, checks["deposit-payment"] = f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1"))
	_, checks["deposit-nft"] = f.reg.DepositNFT(ctx, inst.DealID, bob)
	_, checks["price"] = f.reg.UpdateDealPrice(ctx, inst.DealID, alice, tokens("2"))
	for op, err := range checks {
		if !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("%s after completion: expected ErrAlreadyTerminal, got %v", op, err)
		}
	}

	stats, _ := f.reg.GetPlatformStats(ctx)
	if stats.CompletedDeals != 1 || stats.CancelledDeals != 0 {
		t.Fatalf("counters must change exactly once: %+v", stats)
	}
	if f.balance(t, alice) != "1" {
		t.Fatal("no value may move after a terminal status")
	}
}

func TestDepositRejections(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := newFixture(t)
	f.reg.WithClock(func() time.Time { return now })
	f.mint(t, nftA, "7", bob)
	f.fund(t, alice, "1")
	inst := f.createBuy(t, "2")

	if _, err := f.reg.DepositNFT(ctx, inst.DealID, bob); !errors.Is(err, ErrAssetNotOwnedOrApproved) {
		t.Fatalf("unapproved: expected ErrAssetNotOwnedOrApproved, got %v", err)
	}
	if _, err := f.reg.DepositNFT(ctx, inst.DealID, alice); !errors.Is(err, ErrWrongCaller) {
		t.Fatalf("buyer depositing NFT: expected ErrWrongCaller, got %v", err)
	}
	if _, err := f.reg.DepositNFT(ctx, inst.DealID, carol); !errors.Is(err, ErrWrongCaller) {
		t.Fatalf("stranger: expected ErrWrongCaller, got %v", err)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, bob, tokens("2")); !errors.Is(err, ErrWrongCaller) {
		t.Fatalf("seller paying: expected ErrWrongCaller, got %v", err)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1.5")); !errors.Is(err, ErrIncorrectAmount) {
		t.Fatalf("underpay: expected ErrIncorrectAmount, got %v", err)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("2.5")); !errors.Is(err, ErrIncorrectAmount) {
		t.Fatalf("overpay: expected ErrIncorrectAmount, got %v", err)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("2")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := f.reg.CompleteDeal(ctx, inst.DealID, alice); !errors.Is(err, ErrDealNotFullyDeposited) {
		t.Fatalf("expected ErrDealNotFullyDeposited, got %v", err)
	}
	if _, err := f.reg.DepositNFT(ctx, 99, bob); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("expected ErrDealNotFound, got %v", err)
	}

	// Rejections leave nothing behind.
	if f.balance(t, alice) != "1" || f.owner(t, nftA, "7") != bob {
		t.Fatal("rejected deposits must not move assets")
	}
	facts, _ := f.reg.Facts(ctx, inst.DealID)
	if len(facts) != 1 {
		t.Fatalf("only the creation fact should exist, got %d", len(facts))
	}

	f.approve(t, nftA, "7", bob, inst)
	if _, err := f.reg.DepositNFT(ctx, inst.DealID, bob); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.DepositNFT(ctx, inst.DealID, bob); !errors.Is(err, ErrWrongState) {
		t.Fatalf("second deposit: expected ErrWrongState, got %v", err)
	}
}

func TestDeposit_ExpiredDeal(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := newFixture(t)
	f.reg.WithClock(func() time.Time { return now })
	f.fund(t, alice, "1")

	exp := now.Add(time.Hour)
	inst, _, err := f.reg.CreateDeal(ctx, deal.CreateParams{
		Type: deal.TypeBuy, Creator: alice, Counterparty: bob,
		NFTContract: nftA, TokenID: "7", Price: tokens("1"), ExpiresAt: &exp,
	})
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1")); !errors.Is(err, ErrDealExpired) {
		t.Fatalf("expected ErrDealExpired, got %v", err)
	}
	// Cancellation stays available after expiry.
	if _, err := f.reg.CancelDeal(ctx, inst.DealID, alice); err != nil {
		t.Fatalf("cancel after expiry: %v", err)
	}
}

func TestOpenListing_BindsFirstCounterpartyDepositor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mint(t, nftA, "1", alice)
	f.fund(t, carol, "4")

	inst, _, err := f.reg.CreateDeal(ctx, deal.CreateParams{
		Type: deal.TypeSell, Creator: alice, NFTContract: nftA, TokenID: "1", Price: tokens("4"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.CancelDeal(ctx, inst.DealID, carol); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unbound stranger cannot cancel, got %v", err)
	}

	if _, err := f.reg.DepositPayment(ctx, inst.DealID, carol, tokens("4")); err != nil {
		t.Fatal(err)
	}
	snap, _ := f.reg.GetDealInfo(ctx, inst.DealID)
	if snap.Counterparty != carol || snap.Status != deal.StatusAwaitingSeller {
		t.Fatalf("carol should be bound as buyer: %+v", snap)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, bob, tokens("4")); !errors.Is(err, ErrWrongCaller) {
		t.Fatalf("second buyer must be rejected, got %v", err)
	}

	ids, _ := f.reg.GetUserDeals(ctx, carol)
	if len(ids) != 1 || ids[0] != inst.DealID {
		t.Fatalf("carol's deals = %v", ids)
	}
}

func TestUpdateDealPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, alice, "5")
	inst := f.createBuy(t, "2")

	if _, err := f.reg.UpdateDealPrice(ctx, inst.DealID, bob, tokens("3")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("counterparty cannot set price, got %v", err)
	}
	rcpt, err := f.reg.UpdateDealPrice(ctx, inst.DealID, alice, tokens("3"))
	if err != nil {
		t.Fatal(err)
	}
	if rcpt.Action != ledger.KindPriceUpdated {
		t.Fatalf("unexpected action %s", rcpt.Action)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("2")); !errors.Is(err, ErrIncorrectAmount) {
		t.Fatalf("old price must no longer match, got %v", err)
	}
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("3")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.UpdateDealPrice(ctx, inst.DealID, alice, tokens("4")); !errors.Is(err, ErrWrongState) {
		t.Fatalf("price is frozen after a deposit, got %v", err)
	}
}

func TestJournalReplayMatchesCustody(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mint(t, nftA, "7", bob)
	f.fund(t, alice, "2")
	inst := f.createBuy(t, "1")
	f.approve(t, nftA, "7", bob, inst)
	_, _ = f.reg.UpdateDealPrice(ctx, inst.DealID, alice, tokens("2"))
	_, _ = f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("2"))
	rcpt, err := f.reg.DepositNFT(ctx, inst.DealID, bob)
	if err != nil {
		t.Fatal(err)
	}

	proj, err := ledger.ReplayDeal(ctx, f.journal, inst.Type, inst.DealID)
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := f.reg.GetDealInfo(ctx, inst.DealID)
	if proj.Status != snap.Status || proj.Price != snap.PriceWei || proj.LastTxHash != rcpt.TxHash {
		t.Fatalf("projection %+v disagrees with custody %+v", proj, snap)
	}

	v := ledger.NewVerifier(f.journal)
	if err := v.VerifyProof(ctx, inst.DealID, string(ledger.KindNFTDeposited), rcpt.TxHash, bob); err != nil {
		t.Fatalf("receipt should verify: %v", err)
	}
}

func TestConcurrentPaymentsSettleOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, alice, "10")
	inst := f.createBuy(t, "1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("exactly one deposit should win, got %d", succeeded)
	}
	if f.balance(t, alice) != "9" {
		t.Fatalf("only one payment may leave the buyer, balance %s", f.balance(t, alice))
	}
}

// flakyStore fails Update or Finalize a set number of times.
type flakyStore struct {
	*MemoryStore
	failUpdates   int
	failFinalizes int
}

var errInjected = errors.New("injected store failure")

func (s *flakyStore) Update(ctx context.Context, inst *Instance) error {
	if s.failUpdates > 0 {
		s.failUpdates--
		return errInjected
	}
	return s.MemoryStore.Update(ctx, inst)
}

func (s *flakyStore) Finalize(ctx context.Context, inst *Instance, volume *big.Int) error {
	if s.failFinalizes > 0 {
		s.failFinalizes--
		return errInjected
	}
	return s.MemoryStore.Finalize(ctx, inst, volume)
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyStore) {
	t.Helper()
	f := newFixture(t)
	fs := &flakyStore{MemoryStore: f.store}
	f.reg = NewRegistry(fs, f.assets, f.journal, Config{
		RegistryAddress: regAddr, FeeRecipient: feeAddr, FeeBasisPoints: 250,
	}, nil)
	return f, fs
}

func TestDeposit_PersistFailureReturnsAsset(t *testing.T) {
	ctx := context.Background()
	f, fs := newFlakyFixture(t)
	f.fund(t, alice, "1")
	inst := f.createBuy(t, "1")

	fs.failUpdates = 1
	if _, err := f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1")); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if f.balance(t, alice) != "1" || f.balance(t, inst.EscrowAddress) != "0" {
		t.Fatal("payment must be pushed back when the flag cannot be recorded")
	}
	if st, _ := f.reg.Status(ctx, inst.DealID); st != deal.StatusPending {
		t.Fatalf("status must be unchanged, got %s", st)
	}
}

func TestComplete_FinalizeRetriedOnce(t *testing.T) {
	ctx := context.Background()
	f, fs := newFlakyFixture(t)
	f.mint(t, nftA, "7", bob)
	f.fund(t, alice, "1")
	inst := f.createBuy(t, "1")
	f.approve(t, nftA, "7", bob, inst)
	_, _ = f.reg.DepositNFT(ctx, inst.DealID, bob)
	_, _ = f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1"))

	fs.failFinalizes = 1
	if _, err := f.reg.CompleteDeal(ctx, inst.DealID, alice); err != nil {
		t.Fatalf("one failure should be absorbed by the retry: %v", err)
	}
	if st, _ := f.reg.Status(ctx, inst.DealID); st != deal.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", st)
	}
}

func TestComplete_FinalizeFailureCannotPayTwice(t *testing.T) {
	ctx := context.Background()
	f, fs := newFlakyFixture(t)
	f.mint(t, nftA, "7", bob)
	f.fund(t, alice, "1")
	inst := f.createBuy(t, "1")
	f.approve(t, nftA, "7", bob, inst)
	_, _ = f.reg.DepositNFT(ctx, inst.DealID, bob)
	_, _ = f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1"))

	fs.failFinalizes = 2
	if _, err := f.reg.CompleteDeal(ctx, inst.DealID, alice); err == nil {
		t.Fatal("expected failure when finalize fails twice")
	}
	// Assets moved; the stale instance still says LOCKED.
	if st, _ := f.reg.Status(ctx, inst.DealID); st != deal.StatusLockedInEscrow {
		t.Fatalf("expected stale LOCKED_IN_ESCROW, got %s", st)
	}

	_, err := f.reg.CompleteDeal(ctx, inst.DealID, alice)
	if !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("second settlement must stop on the holdings check, got %v", err)
	}
	if got := f.balance(t, bob); got != "0.975" {
		t.Fatalf("seller paid exactly once, got %s", got)
	}
}
