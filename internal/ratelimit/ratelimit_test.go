package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// fixedClock lets tests advance time without sleeping.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fixedClock) {
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("k") {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}
	if limiter.Allow("k") {
		t.Error("request after burst should be denied")
	}

	clock.advance(time.Second)
	if !limiter.Allow("k") {
		t.Error("request after one token refill should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("client B should not be rate limited")
	}
}

func TestLimiter_WritesUseSeparateBucket(t *testing.T) {
	limiter, clock := newTestLimiter(Config{RequestsPerMinute: 600, WritesPerMinute: 6, BurstSize: 1})
	defer limiter.Stop()

	if !limiter.AllowWrite("k") || limiter.AllowWrite("k") {
		t.Fatal("write bucket should allow exactly the burst")
	}
	if !limiter.Allow("k") {
		t.Error("reads should not be throttled by exhausted writes")
	}

	clock.advance(5 * time.Second)
	if limiter.AllowWrite("k") {
		t.Error("write bucket refills at 6/min, not the read rate")
	}
	clock.advance(5 * time.Second)
	if !limiter.AllowWrite("k") {
		t.Error("write should be allowed after 10s")
	}
}

func TestMiddleware_KeysByWallet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, WalletHeader: "X-Wallet-Address"})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	get := func(wallet string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if wallet != "" {
			req.Header.Set("X-Wallet-Address", wallet)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if get("0xAAAA") != http.StatusNoContent {
		t.Fatal("first wallet request should pass")
	}
	if code := get("0xaaaa"); code != http.StatusTooManyRequests {
		t.Errorf("same wallet in another case should share a bucket, got %d", code)
	}
	if get("0xbbbb") != http.StatusNoContent {
		t.Error("a different wallet has its own bucket")
	}
	if get("") != http.StatusNoContent {
		t.Error("anonymous requests are keyed by IP")
	}
}

func TestFromRPM(t *testing.T) {
	cfg := FromRPM(200)
	if cfg.RequestsPerMinute != 200 || cfg.WritesPerMinute != 50 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if FromRPM(2).WritesPerMinute != 1 {
		t.Error("writes should never round down to zero")
	}
	if FromRPM(0).RequestsPerMinute != DefaultConfig().RequestsPerMinute {
		t.Error("zero rpm keeps the default")
	}
}
