// Package auth authenticates callers by wallet signature.
//
// Authentication model:
// - Reads (deal info, stats, activity): no auth required
// - Mutations: the request carries X-Wallet-Address, X-Wallet-Timestamp and
//   X-Wallet-Signature, an EIP-191 personal_sign over
//   "NFTEscrow|{METHOD}|{PATH}|{TIMESTAMP}"
// - A signature is accepted once within the skew window
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingCredentials = errors.New("wallet signature headers required")
	ErrStaleTimestamp     = errors.New("signature timestamp outside the allowed window")
	ErrBadSignature       = errors.New("signature does not match wallet address")
	ErrReplayed           = errors.New("signature already used")
)

// DefaultMaxSkew bounds how far a signed timestamp may drift from now.
const DefaultMaxSkew = 5 * time.Minute

// Message builds the string a wallet signs for one request.
func Message(method, path string, timestamp int64) string {
	return fmt.Sprintf("NFTEscrow|%s|%s|%d", strings.ToUpper(method), path, timestamp)
}

// HashMessage applies the EIP-191 personal message prefix and hashes.
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the lowercase signer address from a 65-byte
// hex signature (r || s || v).
func RecoverAddress(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// Wallets emit v = 27/28; Ecrecover wants 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Sign produces the 0x-prefixed personal_sign signature of message with
// v in wallet form (27/28).
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier checks signed request headers.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // signature -> expiry
}

// NewVerifier creates a verifier. maxSkew <= 0 uses DefaultMaxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{maxSkew: maxSkew, now: time.Now, seen: make(map[string]time.Time)}
}

// Verify returns the authenticated address for a request.
func (v *Verifier) Verify(method, path, address, timestamp, signature string) (string, error) {
	if address == "" || timestamp == "" || signature == "" {
		return "", ErrMissingCredentials
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrStaleTimestamp
	}
	now := v.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-v.maxSkew)) || signedAt.After(now.Add(v.maxSkew)) {
		return "", ErrStaleTimestamp
	}

	recovered, err := RecoverAddress(Message(method, path, ts), signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !strings.EqualFold(recovered, address) {
		return "", ErrBadSignature
	}

	key := strings.ToLower(signature)
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, exp := range v.seen {
		if now.After(exp) {
			delete(v.seen, k)
		}
	}
	if _, dup := v.seen[key]; dup {
		return "", ErrReplayed
	}
	v.seen[key] = signedAt.Add(v.maxSkew)
	return recovered, nil
}
