// Package amount converts between human decimal amounts and the integer
// smallest-unit representation used by custody.
//
// Payments are native-token amounts with 18 decimal places. Custody only ever
// handles *big.Int wei values; decimal strings exist at the API edge.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	Decimals = 18

	// BasisPointsDenominator is 100%.
	BasisPointsDenominator = 10000
)

var (
	ErrInvalid     = errors.New("amount: invalid decimal")
	ErrNegative    = errors.New("amount: must not be negative")
	ErrNotPositive = errors.New("amount: must be greater than zero")
	ErrTooPrecise  = errors.New("amount: more than 18 decimal places")
)

// Parse converts a decimal string ("2.0", "0.05") to wei.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if d.Sign() < 0 {
		return nil, ErrNegative
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrTooPrecise
	}
	return shifted.BigInt(), nil
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (*big.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, ErrNotPositive
	}
	return v, nil
}

// Format renders wei as a trimmed decimal string ("1.95", "2").
func Format(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -Decimals).String()
}

// Normalize parses and re-formats s, so "2.0" and "2" compare equal.
func Normalize(s string) (string, error) {
	v, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(v), nil
}

// Equal reports whether a and b are the same amount. Strings that do not
// parse compare literally, so two empty prices are equal.
func Equal(a, b string) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}

// FeeSplit returns fee = floor(price * bps / 10000) and net = price - fee.
// fee + net == price always holds.
func FeeSplit(price *big.Int, basisPoints int64) (fee, net *big.Int) {
	fee = new(big.Int).Mul(price, big.NewInt(basisPoints))
	fee.Quo(fee, big.NewInt(BasisPointsDenominator))
	net = new(big.Int).Sub(price, fee)
	return fee, net
}

// Float returns wei in whole tokens as a float64, for metrics only.
func Float(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(wei, -Decimals).Float64()
	return f
}
