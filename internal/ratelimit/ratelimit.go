// Package ratelimit throttles API callers with a per-key token bucket.
//
// Requests that carry a wallet address are bucketed per wallet, everything
// else per client IP. Writes draw from a separate, smaller bucket so a
// client polling deal state cannot starve its own deposits.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "nftescrow_rate_limited_total",
	Help: "Requests rejected by the rate limiter.",
}, []string{"bucket"})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained read rate per key.
	RequestsPerMinute int
	// WritesPerMinute is the sustained rate for POST/PUT/DELETE; 0 means
	// writes share the read bucket.
	WritesPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
	// WalletHeader names the header whose value keys the bucket when present.
	WalletHeader string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		WritesPerMinute:   30,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
		WalletHeader:      "X-Wallet-Address",
	}
}

// FromRPM returns the default config scaled to rpm reads per minute. Writes
// get a quarter of that, at least one.
func FromRPM(rpm int) Config {
	cfg := DefaultConfig()
	if rpm > 0 {
		cfg.RequestsPerMinute = rpm
		cfg.WritesPerMinute = max(rpm/4, 1)
	}
	return cfg
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[string]*clientState
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes one token from the read bucket for key.
func (l *Limiter) Allow(key string) bool {
	return l.take(key, l.cfg.RequestsPerMinute)
}

// AllowWrite takes one token from the write bucket for key.
func (l *Limiter) AllowWrite(key string) bool {
	if l.cfg.WritesPerMinute <= 0 {
		return l.Allow(key)
	}
	return l.take("w:"+key, l.cfg.WritesPerMinute)
}

func (l *Limiter) take(key string, perMinute int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	state.tokens += now.Sub(state.lastCheck).Seconds() * float64(perMinute) / 60.0
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Key returns the bucket key for a request.
func (l *Limiter) Key(c *gin.Context) string {
	if l.cfg.WalletHeader != "" {
		if addr := strings.TrimSpace(c.GetHeader(l.cfg.WalletHeader)); addr != "" {
			return "wallet:" + strings.ToLower(addr)
		}
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware enforcing the limits.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := l.Key(c)

		allowed, bucket := true, "read"
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			bucket = "write"
			allowed = l.AllowWrite(key)
		default:
			allowed = l.Allow(key)
		}

		if !allowed {
			rejectedTotal.WithLabelValues(bucket).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
