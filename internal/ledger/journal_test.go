package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/nftescrow/internal/deal"
)

func fact(id uint64, kind Kind, leg deal.Leg, status deal.Status, hash string) *Fact {
	return &Fact{DealID: id, Kind: kind, Leg: leg, Status: status, TxHash: hash, Actor: "0xactor"}
}

func TestReplay_BuyLifecycle(t *testing.T) {
	facts := []*Fact{
		{DealID: 1, Kind: KindCreated, Amount: "2000000000000000000", Status: deal.StatusPending, TxHash: "0x01"},
		fact(1, KindNFTDeposited, deal.LegNFT, deal.StatusAwaitingBuyer, "0x02"),
		fact(1, KindPaymentDeposited, deal.LegPayment, deal.StatusLockedInEscrow, "0x03"),
		fact(1, KindCompleted, "", deal.StatusCompleted, "0x04"),
	}

	p, err := Replay(deal.TypeBuy, facts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != deal.StatusCompleted || !p.CreatorDeposited || !p.CounterpartyDeposited {
		t.Fatalf("unexpected projection %+v", p)
	}
	if p.Price != "2000000000000000000" || p.LastTxHash != "0x04" || p.Facts != 4 {
		t.Fatalf("unexpected projection %+v", p)
	}
}

func TestReplay_SwapStaysPendingUntilBoth(t *testing.T) {
	facts := []*Fact{
		fact(2, KindCreated, "", deal.StatusPending, "0x10"),
		fact(2, KindNFTDeposited, deal.LegNFT, deal.StatusPending, "0x11"),
	}
	p, err := Replay(deal.TypeSwap, facts)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != deal.StatusPending || !p.CreatorDeposited || p.CounterpartyDeposited {
		t.Fatalf("unexpected projection %+v", p)
	}
}

func TestReplay_RejectsFactsAfterTerminal(t *testing.T) {
	facts := []*Fact{
		fact(3, KindCreated, "", deal.StatusPending, "0x20"),
		fact(3, KindCancelled, "", deal.StatusCancelled, "0x21"),
		fact(3, KindNFTDeposited, deal.LegNFT, deal.StatusAwaitingBuyer, "0x22"),
	}
	p, err := Replay(deal.TypeSell, facts)
	if !errors.Is(err, ErrReplayOrder) {
		t.Fatalf("expected ErrReplayOrder, got %v", err)
	}
	if p.Status != deal.StatusCancelled {
		t.Fatalf("projection should stop at the last good fact, got %s", p.Status)
	}
}

func TestReplay_RejectsEarlyCompletion(t *testing.T) {
	facts := []*Fact{
		fact(4, KindCreated, "", deal.StatusPending, "0x30"),
		fact(4, KindCompleted, "", deal.StatusCompleted, "0x31"),
	}
	if _, err := Replay(deal.TypeBuy, facts); !errors.Is(err, ErrReplayOrder) {
		t.Fatalf("expected ErrReplayOrder, got %v", err)
	}
}

func TestReplay_DetectsRecordedStatusMismatch(t *testing.T) {
	facts := []*Fact{
		fact(5, KindCreated, "", deal.StatusPending, "0x40"),
		fact(5, KindNFTDeposited, deal.LegNFT, deal.StatusAwaitingSeller, "0x41"),
	}
	if _, err := Replay(deal.TypeSell, facts); !errors.Is(err, ErrReplayOrder) {
		t.Fatalf("expected ErrReplayOrder, got %v", err)
	}
}

func TestMemoryJournal_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()

	f1 := fact(1, KindCreated, "", deal.StatusPending, "0xAA")
	if err := j.Append(ctx, f1); err != nil {
		t.Fatal(err)
	}
	if f1.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", f1.Seq)
	}
	if err := j.Append(ctx, fact(2, KindCreated, "", deal.StatusPending, "0xbb")); err != nil {
		t.Fatal(err)
	}
	if err := j.Append(ctx, fact(1, KindNFTDeposited, deal.LegNFT, deal.StatusAwaitingBuyer, "0xcc")); err != nil {
		t.Fatal(err)
	}

	if err := j.Append(ctx, fact(1, KindCancelled, "", deal.StatusCancelled, "0xaa")); !errors.Is(err, ErrDuplicateFact) {
		t.Fatalf("expected ErrDuplicateFact for a reused hash, got %v", err)
	}

	facts, _ := j.ListByDeal(ctx, 1)
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts for deal 1, got %d", len(facts))
	}

	got, err := j.GetByTxHash(ctx, "0xaa")
	if err != nil || got.DealID != 1 {
		t.Fatalf("GetByTxHash = %+v, %v", got, err)
	}
	if _, err := j.GetByTxHash(ctx, "0xdd"); !errors.Is(err, ErrFactNotFound) {
		t.Fatalf("expected ErrFactNotFound, got %v", err)
	}

	since, _ := j.Since(ctx, 1, 1)
	if len(since) != 1 || since[0].Seq != 2 {
		t.Fatalf("Since(1, 1) = %+v", since)
	}
}

func TestReplayDeal(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	_ = j.Append(ctx, fact(9, KindCreated, "", deal.StatusPending, "0x90"))
	_ = j.Append(ctx, fact(9, KindPaymentDeposited, deal.LegPayment, deal.StatusAwaitingSeller, "0x91"))

	p, err := ReplayDeal(ctx, j, deal.TypeBuy, 9)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != deal.StatusAwaitingSeller || !p.CreatorDeposited {
		t.Fatalf("unexpected projection %+v", p)
	}

	empty, err := ReplayDeal(ctx, j, deal.TypeBuy, 77)
	if err != nil || empty.DealID != 77 || empty.Facts != 0 {
		t.Fatalf("unexpected empty projection %+v, %v", empty, err)
	}
}

func TestVerifier(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	_ = j.Append(ctx, fact(3, KindNFTDeposited, deal.LegNFT, deal.StatusAwaitingBuyer, "0xabc"))
	v := NewVerifier(j)

	if err := v.VerifyProof(ctx, 3, "nft_deposited", "0xABC", "0xACTOR"); err != nil {
		t.Fatalf("expected proof to verify, got %v", err)
	}
	if err := v.VerifyProof(ctx, 3, "completed", "0xabc", ""); !errors.Is(err, ErrProofMismatch) {
		t.Fatalf("expected ErrProofMismatch for wrong kind, got %v", err)
	}
	if err := v.VerifyProof(ctx, 4, "nft_deposited", "0xabc", ""); !errors.Is(err, ErrProofMismatch) {
		t.Fatalf("expected ErrProofMismatch for wrong deal, got %v", err)
	}
	if err := v.VerifyProof(ctx, 3, "nft_deposited", "0xfff", ""); !errors.Is(err, ErrFactNotFound) {
		t.Fatalf("expected ErrFactNotFound, got %v", err)
	}
	if err := v.VerifyProof(ctx, 3, "nft_deposited", "0xabc", "0xsomeoneelse"); !errors.Is(err, ErrProofMismatch) {
		t.Fatalf("expected ErrProofMismatch for wrong actor, got %v", err)
	}
}
