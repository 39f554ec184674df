// Package ledger is the append-only journal of custody facts. Every state
// change an escrow instance makes is recorded here with the transaction hash
// that proves it; the mirror is a projection that can be rebuilt by replaying
// these facts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/nftescrow/internal/deal"
)

var (
	ErrFactNotFound  = errors.New("fact not found")
	ErrDuplicateFact = errors.New("fact with this transaction hash already recorded")
	ErrProofMismatch = errors.New("transaction hash does not prove this action")
	ErrReplayOrder   = errors.New("fact does not follow from the replayed state")
)

// Kind names a custody action.
type Kind string

const (
	KindCreated          Kind = "created"
	KindNFTDeposited     Kind = "nft_deposited"
	KindPaymentDeposited Kind = "payment_deposited"
	KindCompleted        Kind = "completed"
	KindCancelled        Kind = "cancelled"
	KindPriceUpdated     Kind = "price_updated"
)

// Fact is one immutable custody event.
type Fact struct {
	Seq       int64       `json:"seq"`
	DealID    uint64      `json:"dealId"`
	Kind      Kind        `json:"kind"`
	Actor     string      `json:"actor"`
	Leg       deal.Leg    `json:"leg,omitempty"`
	Amount    string      `json:"amount,omitempty"` // wei, base 10
	TxHash    string      `json:"txHash"`
	Status    deal.Status `json:"status"` // status after this fact applied
	CreatedAt time.Time   `json:"createdAt"`
}

// Journal persists and queries facts.
type Journal interface {
	Append(ctx context.Context, f *Fact) error
	ListByDeal(ctx context.Context, dealID uint64) ([]*Fact, error)
	GetByTxHash(ctx context.Context, txHash string) (*Fact, error)
	Since(ctx context.Context, afterSeq int64, limit int) ([]*Fact, error)
}

// Projection is deal state rebuilt from facts alone.
type Projection struct {
	DealID                uint64      `json:"dealId"`
	Status                deal.Status `json:"status"`
	CreatorDeposited      bool        `json:"creatorDeposited"`
	CounterpartyDeposited bool        `json:"counterpartyDeposited"`
	Price                 string      `json:"price,omitempty"` // wei
	Counterparty          string      `json:"counterparty,omitempty"`
	LastTxHash            string      `json:"lastTxHash,omitempty"`
	Facts                 int         `json:"facts"`
}

// Replay folds facts (in sequence order) through the shared transition table.
// It stops at the first fact that cannot follow from the state so far.
func Replay(t deal.Type, facts []*Fact) (*Projection, error) {
	p := &Projection{Status: deal.StatusPending}
	for _, f := range facts {
		if p.DealID == 0 {
			p.DealID = f.DealID
		}
		if p.Status.IsTerminal() {
			return p, fmt.Errorf("%w: %s after %s (seq %d)", ErrReplayOrder, f.Kind, p.Status, f.Seq)
		}

		switch f.Kind {
		case KindCreated:
			p.Price = f.Amount
		case KindPriceUpdated:
			p.Price = f.Amount
		case KindNFTDeposited, KindPaymentDeposited:
			party, err := deal.PartyForLeg(t, f.Leg)
			if err != nil {
				return p, fmt.Errorf("%w: seq %d: %v", ErrReplayOrder, f.Seq, err)
			}
			if party == deal.PartyCreator {
				p.CreatorDeposited = true
			} else {
				p.CounterpartyDeposited = true
				p.Counterparty = f.Actor
			}
			p.Status = deal.StatusFor(t, p.CreatorDeposited, p.CounterpartyDeposited)
		case KindCompleted:
			if !p.CreatorDeposited || !p.CounterpartyDeposited {
				return p, fmt.Errorf("%w: completion before both deposits (seq %d)", ErrReplayOrder, f.Seq)
			}
			p.Status = deal.StatusCompleted
		case KindCancelled:
			p.Status = deal.StatusCancelled
		default:
			return p, fmt.Errorf("%w: unknown kind %q", ErrReplayOrder, f.Kind)
		}

		if f.Status != p.Status {
			return p, fmt.Errorf("%w: seq %d recorded %s, replay gives %s", ErrReplayOrder, f.Seq, f.Status, p.Status)
		}
		p.LastTxHash = f.TxHash
		p.Facts++
	}
	return p, nil
}

// ReplayDeal loads one deal's facts and replays them.
func ReplayDeal(ctx context.Context, j Journal, t deal.Type, dealID uint64) (*Projection, error) {
	facts, err := j.ListByDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	p, err := Replay(t, facts)
	if p != nil && p.DealID == 0 {
		p.DealID = dealID
	}
	return p, err
}

// Verifier checks caller-supplied proofs against the journal.
type Verifier struct {
	journal Journal
}

// NewVerifier creates a verifier over j.
func NewVerifier(j Journal) *Verifier {
	return &Verifier{journal: j}
}

// VerifyProof confirms txHash records action kind on dealID, performed by
// actor. An empty actor skips the actor check.
func (v *Verifier) VerifyProof(ctx context.Context, dealID uint64, kind, txHash, actor string) error {
	f, err := v.journal.GetByTxHash(ctx, txHash)
	if err != nil {
		return err
	}
	if f.DealID != dealID || string(f.Kind) != kind {
		return fmt.Errorf("%w: %s is %s on deal %d", ErrProofMismatch, txHash, f.Kind, f.DealID)
	}
	if actor != "" && !strings.EqualFold(f.Actor, actor) {
		return fmt.Errorf("%w: %s was sent by %s", ErrProofMismatch, txHash, f.Actor)
	}
	return nil
}
