// Package mirror is the off-chain projection of each deal: lifecycle status
// and deposit flags copied from custody, plus the negotiation state
// (counter-offers) custody does not track.
//
// The mirror never originates custody changes. Every lifecycle write is a
// reconciliation of an action already accepted by custody, carried by the
// transaction hash that proves it and keyed by (deal, action, txHash) so a
// resubmitted proof is a no-op.
package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/nftescrow/internal/custody"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/ledger"
)

var (
	ErrDealNotFound      = errors.New("deal not found")
	ErrUnauthorized      = errors.New("actor is not allowed to perform this action")
	ErrOutOfOrder        = errors.New("transition would move the deal backwards")
	ErrProofRejected     = errors.New("transaction hash does not prove this action")
	ErrNotLinked         = errors.New("deal is not linked to a custody instance")
	ErrAlreadyLinked     = errors.New("deal is already linked to a different custody instance")
	ErrLinkInUse         = errors.New("custody instance is already linked to another deal")
	ErrNotNegotiable     = errors.New("swap deals carry no price to negotiate")
	ErrNegotiationClosed = errors.New("price can only change while PENDING with no deposits")
	ErrNoCounterOffer    = errors.New("no pending counter-offer")
	ErrDuplicateProof    = errors.New("proof already applied")
)

// Action names an activity entry. Lifecycle actions share their names with
// the custody journal kinds they reconcile.
type Action string

const (
	ActionCreated              Action = Action(ledger.KindCreated)
	ActionNFTDeposited         Action = Action(ledger.KindNFTDeposited)
	ActionPaymentDeposited     Action = Action(ledger.KindPaymentDeposited)
	ActionCompleted            Action = Action(ledger.KindCompleted)
	ActionCancelled            Action = Action(ledger.KindCancelled)
	ActionPriceUpdated         Action = Action(ledger.KindPriceUpdated)
	ActionLinked               Action = "linked"
	ActionCounterOfferProposed Action = "counter_offer_proposed"
	ActionCounterOfferAccepted Action = "counter_offer_accepted"
	ActionCounterOfferDeclined Action = "counter_offer_declined"
	ActionResynced             Action = "resynced"
)

// Deal is the mirrored deal record.
type Deal struct {
	ID                    string                  `json:"id"`
	OnchainDealID         *uint64                 `json:"onchainDealId,omitempty"`
	Type                  deal.Type               `json:"type"`
	Status                deal.Status             `json:"status"`
	CreatorAddress        string                  `json:"creatorAddress"`
	CounterpartyAddress   string                  `json:"counterpartyAddress,omitempty"`
	NFTContractAddress    string                  `json:"nftContractAddress"`
	NFTTokenID            string                  `json:"nftTokenId"`
	SwapNFTContract       string                  `json:"swapNftContract,omitempty"`
	SwapTokenID           string                  `json:"swapTokenId,omitempty"`
	Price                 string                  `json:"price,omitempty"` // decimal token amount
	CreatorDeposited      bool                    `json:"creatorDeposited"`
	CounterpartyDeposited bool                    `json:"counterpartyDeposited"`
	EscrowContractAddress string                  `json:"escrowContractAddress,omitempty"`
	TransactionHash       string                  `json:"transactionHash,omitempty"`
	CounterOfferPrice     string                  `json:"counterOfferPrice,omitempty"`
	CounterOfferBy        string                  `json:"counterOfferBy,omitempty"`
	CounterOfferAt        *time.Time              `json:"counterOfferAt,omitempty"`
	CounterOfferStatus    deal.CounterOfferStatus `json:"counterOfferStatus,omitempty"`
	CreatedAt             time.Time               `json:"createdAt"`
	UpdatedAt             time.Time               `json:"updatedAt"`
	CompletedAt           *time.Time              `json:"completedAt,omitempty"`
	CancelledAt           *time.Time              `json:"cancelledAt,omitempty"`
	ExpiresAt             *time.Time              `json:"expiresAt,omitempty"`
}

// PartyOf returns which participant addr is.
func (d *Deal) PartyOf(addr string) deal.Party {
	switch {
	case addr == "":
		return deal.PartyNone
	case addr == d.CreatorAddress:
		return deal.PartyCreator
	case d.CounterpartyAddress != "" && addr == d.CounterpartyAddress:
		return deal.PartyCounterparty
	}
	return deal.PartyNone
}

// Linked reports whether the deal is bound to a custody instance.
func (d *Deal) Linked() bool { return d.OnchainDealID != nil }

func (d *Deal) clearCounterOffer() {
	d.CounterOfferPrice = ""
	d.CounterOfferBy = ""
	d.CounterOfferAt = nil
	d.CounterOfferStatus = ""
}

// Clone returns a deep copy.
func (d *Deal) Clone() *Deal {
	cp := *d
	if d.OnchainDealID != nil {
		id := *d.OnchainDealID
		cp.OnchainDealID = &id
	}
	return &cp
}

// Activity is one history entry.
type Activity struct {
	ID         string      `json:"id"`
	DealID     string      `json:"dealId"`
	Action     Action      `json:"action"`
	Actor      string      `json:"actor"`
	TxHash     string      `json:"transactionHash,omitempty"`
	FromStatus deal.Status `json:"fromStatus"`
	ToStatus   deal.Status `json:"toStatus"`
	Price      string      `json:"price,omitempty"`
	Note       string      `json:"note,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Proof is the idempotency key of a reconciliation write.
type Proof struct {
	DealID string
	Kind   Action
	TxHash string
}

// Filter narrows List.
type Filter struct {
	Address string
	Status  *deal.Status
	Limit   int
}

// MutateFunc changes d in place and returns the activity it produced.
type MutateFunc func(d *Deal) ([]*Activity, error)

// Store persists mirrored deals.
type Store interface {
	Create(ctx context.Context, d *Deal, act *Activity) error
	Get(ctx context.Context, id string) (*Deal, error)
	List(ctx context.Context, f Filter) ([]*Deal, error)
	// ListForAudit returns linked deals that are non-terminal or were
	// updated at or after since.
	ListForAudit(ctx context.Context, since time.Time, limit int) ([]*Deal, error)
	// Apply loads the deal under a per-deal lock, claims proof (if non-nil)
	// and runs fn, persisting the result and its activity in one unit of
	// work. A proof already claimed returns the unchanged deal and
	// ErrDuplicateProof without calling fn. Linking to a custody id another
	// deal holds fails with ErrLinkInUse. An error from fn leaves nothing
	// behind, including the claim.
	Apply(ctx context.Context, id string, proof *Proof, fn MutateFunc) (*Deal, error)
	Activity(ctx context.Context, id string) ([]*Activity, error)
}

// ProofVerifier confirms a transaction hash proves kind on a custody deal and
// was sent by actor.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, onchainDealID uint64, kind, txHash, actor string) error
}

// CustodyReader reads the authoritative instance.
type CustodyReader interface {
	GetDealInfo(ctx context.Context, dealID uint64) (*custody.Snapshot, error)
}

// Event is a side effect emitted after an applied write.
type Event struct {
	Action Action `json:"action"`
	Deal   *Deal  `json:"deal"`
	Actor  string `json:"actor"`
	TxHash string `json:"transactionHash,omitempty"`
}

// Notifier fans events out (webhooks, websocket hub).
type Notifier interface {
	Notify(ctx context.Context, ev *Event)
}

// Notifiers fans one event out to each notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev *Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}
