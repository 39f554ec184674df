package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAddress   = "X-Wallet-Address"
	HeaderTimestamp = "X-Wallet-Timestamp"
	HeaderSignature = "X-Wallet-Signature"

	// ContextKeyWalletAddr is the key for the authenticated wallet address
	ContextKeyWalletAddr = "authWalletAddr"
)

// Middleware verifies the signature headers when present and sets
// authWalletAddr. Requests without headers pass through unauthenticated;
// RequireWallet rejects them on protected routes.
//
// With disabled set, X-Wallet-Address is trusted as-is (local development).
func Middleware(v *Verifier, disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		if addr == "" {
			c.Next()
			return
		}
		if !common.IsHexAddress(addr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Wallet-Address must be a 0x address",
			})
			return
		}

		if disabled {
			c.Set(ContextKeyWalletAddr, strings.ToLower(addr))
			c.Next()
			return
		}

		recovered, err := v.Verify(c.Request.Method, c.Request.URL.Path, addr,
			c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature))
		if err != nil {
			code := "unauthorized"
			if errors.Is(err, ErrReplayed) {
				code = "replayed_signature"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   code,
				"message": err.Error(),
			})
			return
		}
		c.Set(ContextKeyWalletAddr, recovered)
		c.Next()
	}
}

// RequireWallet rejects requests without an authenticated wallet.
func RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Caller(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed wallet headers required (X-Wallet-Address, X-Wallet-Timestamp, X-Wallet-Signature).",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the authenticated wallet address, or "".
func Caller(c *gin.Context) string {
	return c.GetString(ContextKeyWalletAddr)
}

// HeaderAdminSecret carries the operator secret on admin routes.
const HeaderAdminSecret = "X-Admin-Secret"

// RequireAdmin gates operator routes. With a secret configured the request
// must present it in X-Admin-Secret. Without one (development) any
// authenticated wallet passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if Caller(c) == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required",
				})
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
}
