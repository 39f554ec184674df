// Package webhooks delivers deal events to URLs registered by wallet owners.
//
// A subscription belongs to one address and lists the event types it wants.
// When a deal changes, both participants' matching subscriptions receive a
// POST signed with HMAC-SHA256 over the body using the subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/nftescrow/internal/circuitbreaker"
	"github.com/mbd888/nftescrow/internal/metrics"
	"github.com/mbd888/nftescrow/internal/retry"
	"github.com/mbd888/nftescrow/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventDealCreated          EventType = "deal.created"
	EventDealLinked           EventType = "deal.linked"
	EventNFTDeposited         EventType = "deal.nft_deposited"
	EventPaymentDeposited     EventType = "deal.payment_deposited"
	EventDealCompleted        EventType = "deal.completed"
	EventDealCancelled        EventType = "deal.cancelled"
	EventPriceUpdated         EventType = "deal.price_updated"
	EventCounterOfferProposed EventType = "deal.counter_offer.proposed"
	EventCounterOfferAccepted EventType = "deal.counter_offer.accepted"
	EventCounterOfferDeclined EventType = "deal.counter_offer.declined"
	EventDealResynced         EventType = "deal.resynced"
)

var knownEvents = map[EventType]bool{
	EventDealCreated: true, EventDealLinked: true, EventNFTDeposited: true,
	EventPaymentDeposited: true, EventDealCompleted: true, EventDealCancelled: true,
	EventPriceUpdated: true, EventCounterOfferProposed: true, EventCounterOfferAccepted: true,
	EventCounterOfferDeclined: true, EventDealResynced: true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return knownEvents[t] }

// Signature and metadata headers on every delivery.
const (
	HeaderEvent     = "X-NFTEscrow-Event"
	HeaderTimestamp = "X-NFTEscrow-Timestamp"
	HeaderSignature = "X-NFTEscrow-Signature"
)

// maxConsecutiveFailures deactivates a subscription that keeps failing.
const maxConsecutiveFailures = 10

// A subscription whose deliveries fail breakerThreshold times in a row is
// skipped for breakerCoolDown.
const (
	breakerThreshold = 3
	breakerCoolDown  = 5 * time.Minute
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	OwnerAddr           string      `json:"ownerAddr"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive eventType.
func (s *Subscription) Wants(eventType EventType) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, ownerAddr string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	policy       retry.Policy
	breaker      *circuitbreaker.Breaker
	urlValidator func(string) error
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy:       retry.DefaultPolicy,
		breaker:      circuitbreaker.New("webhooks", breakerThreshold, breakerCoolDown),
		urlValidator: security.ValidateEndpointURL,
		logger:       logger,
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.client.Timeout = timeout
	}
	return d
}

// DispatchTo sends event to every matching subscription owned by one of
// owners. Deliveries run in the background; Wait blocks until they finish.
func (d *Dispatcher) DispatchTo(ctx context.Context, owners []string, event *Event) error {
	seen := make(map[string]bool, len(owners))
	for _, owner := range owners {
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true

		subs, err := d.store.GetByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("failed to get subscriptions: %w", err)
		}
		for _, sub := range subs {
			if !sub.Wants(event.Type) {
				continue
			}
			d.wg.Add(1)
			go func(sub *Subscription) {
				defer d.wg.Done()
				d.deliver(sub, event)
			}(sub)
		}
	}
	return nil
}

// Forget clears delivery state kept for a subscription.
func (d *Dispatcher) Forget(subID string) {
	d.breaker.Forget(subID)
}

// Wait blocks until in-flight deliveries complete.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver runs detached from the request that triggered it.
func (d *Dispatcher) deliver(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = d.breaker.Do(sub.ID, func() error {
		_, err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
			return d.send(ctx, sub, event, payload)
		})
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		d.logger.Debug("webhook circuit open, delivery skipped", "webhook", sub.ID, "event", event.Type)
		return
	}
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.updateError(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(fmt.Errorf("blocked endpoint: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	cp := *sub
	cp.LastSuccess = &now
	cp.LastError = ""
	cp.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, &cp); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	cp := *sub
	cp.LastError = errMsg
	cp.ConsecutiveFailures++
	if cp.ConsecutiveFailures >= maxConsecutiveFailures {
		cp.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook", sub.ID, "owner", sub.OwnerAddr, "failures", cp.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, &cp); err != nil {
		d.logger.Warn("webhook status update failed", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByOwner(_ context.Context, ownerAddr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerAddr == ownerAddr {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
