// Package deal holds the data model shared by custody, the mirror and the
// recovery procedure: deal types, the status enum, and the per-type
// transition table that all three consult.
package deal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type is the kind of trade.
type Type string

const (
	TypeBuy  Type = "BUY"
	TypeSell Type = "SELL"
	TypeSwap Type = "SWAP"
)

// ParseType accepts wire values case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := table[t]; !ok {
		return "", fmt.Errorf("%w: unknown deal type %q", ErrInvalidParameters, s)
	}
	return t, nil
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := table[t]
	return ok
}

// Status is the lifecycle state. The numeric value is the authoritative
// custody enum; String gives the wire value.
type Status uint8

const (
	StatusPending Status = iota
	StatusAwaitingBuyer
	StatusAwaitingSeller
	StatusLockedInEscrow
	StatusCompleted
	StatusCancelled
)

var statusNames = [...]string{
	StatusPending:        "PENDING",
	StatusAwaitingBuyer:  "AWAITING_BUYER",
	StatusAwaitingSeller: "AWAITING_SELLER",
	StatusLockedInEscrow: "LOCKED_IN_ESCROW",
	StatusCompleted:      "COMPLETED",
	StatusCancelled:      "CANCELLED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Code returns the numeric custody enum value.
func (s Status) Code() uint8 { return uint8(s) }

// ParseStatus maps a wire value to a Status.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown deal status %q", s)
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CounterOfferStatus is the negotiation sub-state.
type CounterOfferStatus string

const (
	CounterOfferPending  CounterOfferStatus = "PENDING"
	CounterOfferAccepted CounterOfferStatus = "ACCEPTED"
	CounterOfferDeclined CounterOfferStatus = "DECLINED"
)

// Party identifies which participant of a deal acted.
type Party string

const (
	PartyNone         Party = ""
	PartyCreator      Party = "creator"
	PartyCounterparty Party = "counterparty"
)

// Other returns the opposite participant.
func (p Party) Other() Party {
	switch p {
	case PartyCreator:
		return PartyCounterparty
	case PartyCounterparty:
		return PartyCreator
	}
	return PartyNone
}

// Role is the economic role a party plays in a deal.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSeller    Role = "seller"
	RoleNFTHolder Role = "nft_holder" // both sides of a swap
)

// Leg is one deposit a deal needs.
type Leg string

const (
	LegNFT     Leg = "nft"      // nftContractAddress / nftTokenId
	LegSwapNFT Leg = "swap_nft" // swapNftContract / swapTokenId
	LegPayment Leg = "payment"
)

// IsNFT reports whether the leg is a token rather than a payment.
func (l Leg) IsNFT() bool { return l == LegNFT || l == LegSwapNFT }

var (
	ErrInvalidParameters = errors.New("invalid deal parameters")
	ErrNoSuchLeg         = errors.New("party has no such leg for this deal type")
)
