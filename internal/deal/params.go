package deal

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CreateParams are the inputs to deal creation, shared by the registry and
// the mirror.
type CreateParams struct {
	Type            Type
	Creator         string
	Counterparty    string // optional; empty means an open listing
	NFTContract     string
	TokenID         string
	SwapNFTContract string
	SwapTokenID     string
	Price           *big.Int // wei; required for BUY/SELL, nil for SWAP
	ExpiresAt       *time.Time
}

// Normalize validates p in place, lowercasing addresses and canonicalizing
// token ids. Every failure wraps ErrInvalidParameters.
func (p *CreateParams) Normalize(now time.Time) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown deal type %q", ErrInvalidParameters, p.Type)
	}

	var err error
	if p.Creator, err = normalizeAddress("creator", p.Creator, true); err != nil {
		return err
	}
	if p.Counterparty, err = normalizeAddress("counterparty", p.Counterparty, false); err != nil {
		return err
	}
	if p.Counterparty != "" && p.Counterparty == p.Creator {
		return fmt.Errorf("%w: counterparty must differ from creator", ErrInvalidParameters)
	}
	if p.NFTContract, err = normalizeAddress("nftContract", p.NFTContract, true); err != nil {
		return err
	}
	if p.TokenID, err = normalizeTokenID("tokenId", p.TokenID, true); err != nil {
		return err
	}

	if IsPriced(p.Type) {
		if p.Price == nil || p.Price.Sign() <= 0 {
			return fmt.Errorf("%w: price is required for %s deals", ErrInvalidParameters, p.Type)
		}
		if p.SwapNFTContract != "" || p.SwapTokenID != "" {
			return fmt.Errorf("%w: swap target is only valid for SWAP deals", ErrInvalidParameters)
		}
	} else {
		if p.Price != nil && p.Price.Sign() != 0 {
			return fmt.Errorf("%w: SWAP deals carry no price", ErrInvalidParameters)
		}
		p.Price = nil
		if p.SwapNFTContract, err = normalizeAddress("swapNftContract", p.SwapNFTContract, true); err != nil {
			return err
		}
		if p.SwapTokenID, err = normalizeTokenID("swapTokenId", p.SwapTokenID, true); err != nil {
			return err
		}
		if p.SwapNFTContract == p.NFTContract && p.SwapTokenID == p.TokenID {
			return fmt.Errorf("%w: cannot swap a token for itself", ErrInvalidParameters)
		}
	}

	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidParameters)
	}
	return nil
}

func normalizeAddress(field, addr string, required bool) (string, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidParameters, field)
		}
		return "", nil
	}
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %s must be a 0x address", ErrInvalidParameters, field)
	}
	return addr, nil
}

func normalizeTokenID(field, id string, required bool) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidParameters, field)
		}
		return "", nil
	}
	var v *uint256.Int
	var err error
	if strings.HasPrefix(id, "0x") {
		v, err = uint256.FromHex(id)
	} else {
		v, err = uint256.FromDecimal(id)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s must be a uint256", ErrInvalidParameters, field)
	}
	return v.Dec(), nil
}
