package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

var (
	ErrTokenNotFound = errors.New("token does not exist")
	ErrNotTokenOwner = errors.New("from address does not own the token")
	ErrNotApproved   = errors.New("operator is not approved for the token")
)

// Assets is the ledger of NFT ownership and native value that escrow
// instances pull deposits from and release settlements to.
type Assets interface {
	// OwnerOf returns the current owner, or ErrTokenNotFound.
	OwnerOf(ctx context.Context, contract, tokenID string) (string, error)
	// IsApproved reports whether operator may move owner's token.
	IsApproved(ctx context.Context, contract, tokenID, owner, operator string) (bool, error)
	// TransferNFT moves a token. operator must be from or approved by from.
	// Any approval on the token is cleared by the move.
	TransferNFT(ctx context.Context, contract, tokenID, from, to, operator string) error
	BalanceOf(ctx context.Context, addr string) (*big.Int, error)
	// TransferValue debits from and credits to; ErrInsufficientFunds if from is short.
	TransferValue(ctx context.Context, from, to string, amount *big.Int) error
}

// DevAssets are the seeding helpers exposed when DEV_ASSETS is on.
type DevAssets interface {
	Assets
	Mint(ctx context.Context, contract, tokenID, owner string) error
	Approve(ctx context.Context, contract, tokenID, owner, operator string) error
	Fund(ctx context.Context, addr string, amount *big.Int) error
}

type tokenKey struct {
	contract string
	tokenID  string
}

func keyOf(contract, tokenID string) tokenKey {
	return tokenKey{contract: strings.ToLower(contract), tokenID: tokenID}
}

// MemoryAssets implements DevAssets in memory.
type MemoryAssets struct {
	mu        sync.RWMutex
	owners    map[tokenKey]string
	approvals map[tokenKey]string // token -> approved operator
	balances  map[string]*big.Int
}

// NewMemoryAssets creates an empty asset ledger.
func NewMemoryAssets() *MemoryAssets {
	return &MemoryAssets{
		owners:    make(map[tokenKey]string),
		approvals: make(map[tokenKey]string),
		balances:  make(map[string]*big.Int),
	}
}

func (a *MemoryAssets) OwnerOf(_ context.Context, contract, tokenID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	owner, ok := a.owners[keyOf(contract, tokenID)]
	if !ok {
		return "", ErrTokenNotFound
	}
	return owner, nil
}

func (a *MemoryAssets) IsApproved(_ context.Context, contract, tokenID, owner, operator string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	k := keyOf(contract, tokenID)
	if a.owners[k] != strings.ToLower(owner) {
		return false, nil
	}
	return a.approvals[k] == strings.ToLower(operator), nil
}

func (a *MemoryAssets) TransferNFT(_ context.Context, contract, tokenID, from, to, operator string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := keyOf(contract, tokenID)
	from, to, operator = strings.ToLower(from), strings.ToLower(to), strings.ToLower(operator)
	owner, ok := a.owners[k]
	if !ok {
		return ErrTokenNotFound
	}
	if owner != from {
		return ErrNotTokenOwner
	}
	if operator != from && a.approvals[k] != operator {
		return ErrNotApproved
	}
	a.owners[k] = to
	delete(a.approvals, k)
	return nil
}

func (a *MemoryAssets) BalanceOf(_ context.Context, addr string) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if b, ok := a.balances[strings.ToLower(addr)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (a *MemoryAssets) TransferValue(_ context.Context, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid transfer amount %v", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	from, to = strings.ToLower(from), strings.ToLower(to)
	src := a.balances[from]
	if src == nil || src.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	a.balances[from] = new(big.Int).Sub(src, amount)
	dst := a.balances[to]
	if dst == nil {
		dst = new(big.Int)
	}
	a.balances[to] = new(big.Int).Add(dst, amount)
	return nil
}

func (a *MemoryAssets) Mint(_ context.Context, contract, tokenID, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := keyOf(contract, tokenID)
	if _, exists := a.owners[k]; exists {
		return fmt.Errorf("token %s/%s already minted", contract, tokenID)
	}
	a.owners[k] = strings.ToLower(owner)
	return nil
}

func (a *MemoryAssets) Approve(_ context.Context, contract, tokenID, owner, operator string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := keyOf(contract, tokenID)
	cur, ok := a.owners[k]
	if !ok {
		return ErrTokenNotFound
	}
	if cur != strings.ToLower(owner) {
		return ErrNotTokenOwner
	}
	a.approvals[k] = strings.ToLower(operator)
	return nil
}

func (a *MemoryAssets) Fund(_ context.Context, addr string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("fund amount must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	addr = strings.ToLower(addr)
	cur := a.balances[addr]
	if cur == nil {
		cur = new(big.Int)
	}
	a.balances[addr] = new(big.Int).Add(cur, amount)
	return nil
}

// TotalValue sums every balance. Used by conservation checks.
func (a *MemoryAssets) TotalValue() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sum := new(big.Int)
	for _, b := range a.balances {
		sum.Add(sum, b)
	}
	return sum
}

var _ DevAssets = (*MemoryAssets)(nil)
