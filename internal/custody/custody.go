// Package custody is the authoritative side of a deal: one isolated escrow
// instance per deal id, each holding exactly the assets deposited into it,
// plus the registry that mints deal ids and answers aggregate queries.
//
// Flow for a BUY deal:
//  1. Creator (buyer) calls CreateDeal -> instance with a fresh escrow address
//  2. Counterparty (seller) DepositNFT -> token pulled into the escrow address
//  3. Creator DepositPayment (exact price) -> value pulled into the escrow address
//  4. Anyone CompleteDeal -> token to buyer, price-fee to seller, fee to recipient
//
// CancelDeal returns every deposited leg to the party that deposited it.
package custody

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/ledger"
)

// Rejections. Each aborts the call with no partial effect.
var (
	ErrDealNotFound            = errors.New("deal not found")
	ErrWrongCaller             = errors.New("caller does not owe this deposit")
	ErrWrongState              = errors.New("deal is not in a state that allows this operation")
	ErrIncorrectAmount         = errors.New("payment must equal the deal price exactly")
	ErrAssetNotOwnedOrApproved = errors.New("token not owned by caller or escrow not approved")
	ErrDealExpired             = errors.New("deal has expired")
	ErrDealNotFullyDeposited   = errors.New("both legs must be deposited before completion")
	ErrAlreadyTerminal         = errors.New("deal is already completed or cancelled")
	ErrUnauthorized            = errors.New("caller is not a participant allowed to do this")
	ErrInsufficientFunds       = errors.New("insufficient balance for payment")
)

// Failures after validation passed; these need an operator.
var (
	ErrCustodyMismatch  = errors.New("escrow does not hold the assets its flags claim")
	ErrSettlementFailed = errors.New("asset movement failed during settlement")
)

// ErrorCode maps an error to its stable API code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDealNotFound):
		return "deal_not_found"
	case errors.Is(err, ErrWrongCaller):
		return "wrong_caller"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrIncorrectAmount):
		return "incorrect_amount"
	case errors.Is(err, ErrAssetNotOwnedOrApproved):
		return "asset_not_owned_or_approved"
	case errors.Is(err, ErrDealExpired):
		return "deal_expired"
	case errors.Is(err, ErrDealNotFullyDeposited):
		return "deal_not_fully_deposited"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, deal.ErrInvalidParameters):
		return "invalid_deal_parameters"
	case errors.Is(err, ErrCustodyMismatch):
		return "custody_mismatch"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failed"
	default:
		return "internal_error"
	}
}

// Instance is the custody record for one deal.
type Instance struct {
	DealID                uint64
	EscrowAddress         string
	Type                  deal.Type
	Creator               string
	Counterparty          string
	NFTContract           string
	TokenID               string
	SwapNFTContract       string
	SwapTokenID           string
	Price                 *big.Int // nil for SWAP
	FeeBasisPoints        int64    // fixed when the deal is created
	CreatorDeposited      bool
	CounterpartyDeposited bool
	Status                deal.Status
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ExpiresAt             *time.Time
	CompletedAt           *time.Time
	CancelledAt           *time.Time
}

// PartyOf returns which participant addr is, or PartyNone.
func (i *Instance) PartyOf(addr string) deal.Party {
	addr = strings.ToLower(addr)
	switch {
	case addr == "":
		return deal.PartyNone
	case addr == i.Creator:
		return deal.PartyCreator
	case i.Counterparty != "" && addr == i.Counterparty:
		return deal.PartyCounterparty
	}
	return deal.PartyNone
}

// AddressOf returns the address bound to party p (empty for an unbound counterparty).
func (i *Instance) AddressOf(p deal.Party) string {
	switch p {
	case deal.PartyCreator:
		return i.Creator
	case deal.PartyCounterparty:
		return i.Counterparty
	}
	return ""
}

// Deposited reports the flag for party p.
func (i *Instance) Deposited(p deal.Party) bool {
	if p == deal.PartyCreator {
		return i.CreatorDeposited
	}
	return i.CounterpartyDeposited
}

// AnyDeposited reports whether either leg is in custody.
func (i *Instance) AnyDeposited() bool {
	return i.CreatorDeposited || i.CounterpartyDeposited
}

// TokenFor returns the token a NFT leg refers to.
func (i *Instance) TokenFor(l deal.Leg) (contract, tokenID string) {
	if l == deal.LegSwapNFT {
		return i.SwapNFTContract, i.SwapTokenID
	}
	return i.NFTContract, i.TokenID
}

// Expired reports whether deposits are closed at now.
func (i *Instance) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

func (i *Instance) clone() *Instance {
	cp := *i
	if i.Price != nil {
		cp.Price = new(big.Int).Set(i.Price)
	}
	return &cp
}

// Snapshot is the read-only view returned by getDealInfo.
type Snapshot struct {
	DealID                uint64      `json:"dealId"`
	EscrowAddress         string      `json:"escrowAddress"`
	Type                  deal.Type   `json:"type"`
	Status                deal.Status `json:"status"`
	StatusCode            uint8       `json:"statusCode"`
	Creator               string      `json:"creator"`
	Counterparty          string      `json:"counterparty,omitempty"`
	NFTContract           string      `json:"nftContract"`
	TokenID               string      `json:"tokenId"`
	SwapNFTContract       string      `json:"swapNftContract,omitempty"`
	SwapTokenID           string      `json:"swapTokenId,omitempty"`
	Price                 string      `json:"price,omitempty"`
	PriceWei              string      `json:"priceWei,omitempty"`
	FeeBasisPoints        int64       `json:"feeBasisPoints"`
	CreatorDeposited      bool        `json:"creatorDeposited"`
	CounterpartyDeposited bool        `json:"counterpartyDeposited"`
	CreatedAt             time.Time   `json:"createdAt"`
	ExpiresAt             *time.Time  `json:"expiresAt,omitempty"`
	CompletedAt           *time.Time  `json:"completedAt,omitempty"`
	CancelledAt           *time.Time  `json:"cancelledAt,omitempty"`
}

// Snapshot renders the instance for readers.
func (i *Instance) Snapshot() *Snapshot {
	s := &Snapshot{
		DealID:                i.DealID,
		EscrowAddress:         i.EscrowAddress,
		Type:                  i.Type,
		Status:                i.Status,
		StatusCode:            i.Status.Code(),
		Creator:               i.Creator,
		Counterparty:          i.Counterparty,
		NFTContract:           i.NFTContract,
		TokenID:               i.TokenID,
		SwapNFTContract:       i.SwapNFTContract,
		SwapTokenID:           i.SwapTokenID,
		FeeBasisPoints:        i.FeeBasisPoints,
		CreatorDeposited:      i.CreatorDeposited,
		CounterpartyDeposited: i.CounterpartyDeposited,
		CreatedAt:             i.CreatedAt,
		ExpiresAt:             i.ExpiresAt,
		CompletedAt:           i.CompletedAt,
		CancelledAt:           i.CancelledAt,
	}
	if i.Price != nil {
		s.Price = amount.Format(i.Price)
		s.PriceWei = i.Price.String()
	}
	return s
}

// PlatformStats are the registry's aggregate counters.
type PlatformStats struct {
	TotalDeals     int64    `json:"totalDeals"`
	CompletedDeals int64    `json:"completedDeals"`
	CancelledDeals int64    `json:"cancelledDeals"`
	ActiveDeals    int64    `json:"activeDeals"`
	TotalVolume    *big.Int `json:"-"`
}

// StatsView is PlatformStats with the volume rendered for JSON.
type StatsView struct {
	PlatformStats
	TotalVolume    string `json:"totalVolume"`
	TotalVolumeWei string `json:"totalVolumeWei"`
}

// View renders stats for readers.
func (s *PlatformStats) View() StatsView {
	vol := s.TotalVolume
	if vol == nil {
		vol = new(big.Int)
	}
	return StatsView{PlatformStats: *s, TotalVolume: amount.Format(vol), TotalVolumeWei: vol.String()}
}

// Transfer is one asset movement performed by an operation.
type Transfer struct {
	Leg      deal.Leg `json:"leg"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Contract string   `json:"contract,omitempty"`
	TokenID  string   `json:"tokenId,omitempty"`
	Amount   string   `json:"amount,omitempty"` // wei
	Fee      bool     `json:"fee,omitempty"`
}

// Receipt is returned by every state-changing call; TxHash is the proof a
// caller hands to the mirror.
type Receipt struct {
	TxHash    string      `json:"txHash"`
	DealID    uint64      `json:"dealId"`
	Action    ledger.Kind `json:"action"`
	Actor     string      `json:"actor"`
	Status    deal.Status `json:"status"`
	Transfers []Transfer  `json:"transfers,omitempty"`
	BlockTime time.Time   `json:"blockTime"`
}

// Store persists instances and the registry counters.
type Store interface {
	NextDealID(ctx context.Context) (uint64, error)
	// Create inserts the instance and counts it in totalDeals.
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, dealID uint64) (*Instance, error)
	// Update saves a non-terminal change.
	Update(ctx context.Context, inst *Instance) error
	// Finalize saves a terminal status and bumps the matching counter (and
	// totalVolume by volume) in the same unit of work. Returns
	// ErrAlreadyTerminal if the stored row is already terminal.
	Finalize(ctx context.Context, inst *Instance, volume *big.Int) error
	ListByParty(ctx context.Context, addr string) ([]*Instance, error)
	Stats(ctx context.Context) (*PlatformStats, error)
}
