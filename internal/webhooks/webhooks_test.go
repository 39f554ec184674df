package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nftescrow/internal/auth"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/mirror"
	"github.com/mbd888/nftescrow/internal/retry"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestDispatcher skips SSRF checks so loopback test servers are reachable.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, nil)
	d.urlValidator = func(string) error { return nil }
	d.policy = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return d
}

func testEvent(t EventType) *Event {
	return &Event{ID: "evt_1", Type: t, Timestamp: time.Unix(1700000000, 0), Data: map[string]any{"dealId": "d1"}}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		OwnerAddr: alice,
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventDealCompleted},
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "wh_test1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound after delete, got %v", err)
	}
	if err := store.Update(ctx, sub); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Update of missing subscription: %v", err)
	}
}

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"deal.completed"}`)
	a := Sign(payload, "s1")
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a != Sign(payload, "s1") {
		t.Error("signature should be deterministic")
	}
	if a == Sign(payload, "s2") {
		t.Error("different secrets should produce different signatures")
	}
}

func TestDispatch_SignsAndFilters(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   [][]byte
		sigs     []string
		received int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get(HeaderSignature))
		mu.Unlock()
		if r.Header.Get(HeaderEvent) != string(EventDealCompleted) {
			t.Errorf("event header = %q", r.Header.Get(HeaderEvent))
		}
		if r.Header.Get(HeaderTimestamp) != "1700000000" {
			t.Errorf("timestamp header = %q", r.Header.Get(HeaderTimestamp))
		}
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", OwnerAddr: alice, URL: srv.URL, Secret: "k", Events: []EventType{EventDealCompleted}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "wh2", OwnerAddr: alice, URL: srv.URL, Events: []EventType{EventDealCreated}, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "wh3", OwnerAddr: bob, URL: srv.URL, Events: []EventType{EventDealCompleted}, Active: false})
	_ = store.Create(ctx, &Subscription{ID: "wh4", OwnerAddr: carol, URL: srv.URL, Events: []EventType{EventDealCompleted}, Active: true})

	d := newTestDispatcher(store)
	if err := d.DispatchTo(ctx, []string{alice, bob, alice}, testEvent(EventDealCompleted)); err != nil {
		t.Fatal(err)
	}
	d.Wait()

	if n := atomic.LoadInt32(&received); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if sigs[0] != Sign(bodies[0], "k") {
		t.Error("signature does not match body")
	}
	var ev Event
	if err := json.Unmarshal(bodies[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventDealCompleted || ev.Data["dealId"] != "d1" {
		t.Errorf("unexpected payload %+v", ev)
	}

	got, _ := store.Get(ctx, "wh1")
	if got.LastSuccess == nil || got.ConsecutiveFailures != 0 {
		t.Errorf("success not recorded: %+v", got)
	}
}

func TestDispatch_RetriesThenRecordsFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", OwnerAddr: alice, URL: srv.URL, Events: []EventType{EventDealCancelled}, Active: true, ConsecutiveFailures: maxConsecutiveFailures - 1})

	d := newTestDispatcher(store)
	_ = d.DispatchTo(ctx, []string{alice}, testEvent(EventDealCancelled))
	d.Wait()

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
	got, _ := store.Get(ctx, "wh1")
	if got.LastError == "" || got.ConsecutiveFailures != maxConsecutiveFailures {
		t.Errorf("failure not recorded: %+v", got)
	}
	if got.Active {
		t.Error("subscription should be deactivated after repeated failures")
	}
}

func TestDispatch_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", OwnerAddr: alice, URL: srv.URL, Events: []EventType{EventDealCancelled}, Active: true})

	d := newTestDispatcher(store)
	_ = d.DispatchTo(ctx, []string{alice}, testEvent(EventDealCancelled))
	d.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single attempt, got %d", n)
	}
}

func TestDispatch_BreakerSkipsFailingSubscription(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", OwnerAddr: alice, URL: srv.URL, Events: []EventType{EventDealCancelled}, Active: true})

	d := newTestDispatcher(store)
	for i := 0; i < breakerThreshold+2; i++ {
		_ = d.DispatchTo(ctx, []string{alice}, testEvent(EventDealCancelled))
		d.Wait()
	}
	if n := atomic.LoadInt32(&calls); n != breakerThreshold {
		t.Errorf("expected %d attempts before the circuit opened, got %d", breakerThreshold, n)
	}

	d.Forget("wh1")
	_ = d.DispatchTo(ctx, []string{alice}, testEvent(EventDealCancelled))
	d.Wait()
	if n := atomic.LoadInt32(&calls); n != breakerThreshold+1 {
		t.Errorf("forgotten subscription should be retried, got %d calls", n)
	}
}

func TestDispatch_BlocksPrivateEndpoints(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Subscription{ID: "wh1", OwnerAddr: alice, URL: srv.URL, Events: []EventType{EventDealCreated}, Active: true})

	d := NewDispatcher(store, nil)
	_ = d.DispatchTo(ctx, []string{alice}, testEvent(EventDealCreated))
	d.Wait()

	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("loopback endpoint should be blocked, got %d calls", n)
	}
	got, _ := store.Get(ctx, "wh1")
	if got.LastError == "" {
		t.Error("blocked delivery should record an error")
	}
}

func TestEmitter_NotifiesBothParticipants(t *testing.T) {
	var (
		mu     sync.Mutex
		owners []string
	)
	handler := func(owner string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			owners = append(owners, owner)
			mu.Unlock()
		}
	}
	srvA := httptest.NewServer(handler(alice))
	defer srvA.Close()
	srvB := httptest.NewServer(handler(bob))
	defer srvB.Close()
	srvC := httptest.NewServer(handler(carol))
	defer srvC.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	events := []EventType{EventNFTDeposited}
	_ = store.Create(ctx, &Subscription{ID: "a", OwnerAddr: alice, URL: srvA.URL, Events: events, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "b", OwnerAddr: bob, URL: srvB.URL, Events: events, Active: true})
	_ = store.Create(ctx, &Subscription{ID: "c", OwnerAddr: carol, URL: srvC.URL, Events: events, Active: true})

	d := newTestDispatcher(store)
	em := NewEmitter(d, nil)
	em.Notify(ctx, &mirror.Event{
		Action: mirror.ActionNFTDeposited,
		Deal:   &mirror.Deal{ID: "d1", Type: deal.TypeBuy, Status: deal.StatusAwaitingBuyer, CreatorAddress: alice, CounterpartyAddress: bob},
		Actor:  bob,
	})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(owners) != 2 {
		t.Fatalf("expected deliveries to alice and bob, got %v", owners)
	}
	for _, o := range owners {
		if o == carol {
			t.Error("non-participant received the event")
		}
	}
}

func TestEventTypeFor_CoversEveryAction(t *testing.T) {
	actions := []mirror.Action{
		mirror.ActionCreated, mirror.ActionLinked, mirror.ActionNFTDeposited, mirror.ActionPaymentDeposited,
		mirror.ActionCompleted, mirror.ActionCancelled, mirror.ActionPriceUpdated,
		mirror.ActionCounterOfferProposed, mirror.ActionCounterOfferAccepted, mirror.ActionCounterOfferDeclined,
		mirror.ActionResynced,
	}
	for _, a := range actions {
		et, ok := EventTypeFor(a)
		if !ok || !et.Valid() {
			t.Errorf("action %s has no webhook event", a)
		}
	}
}

func TestHandlers_OwnerScoped(t *testing.T) {
	store := NewMemoryStore()
	h := NewHandler(store, newTestDispatcher(store))

	r := gin.New()
	r.Use(auth.Middleware(auth.NewVerifier(0), true))
	h.RegisterProtectedRoutes(r.Group("/v1", auth.RequireWallet()))

	do := func(method, path, caller string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		if caller != "" {
			req.Header.Set(auth.HeaderAddress, caller)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/v1/webhooks", alice, gin.H{"url": "https://hooks.example.com/x", "events": []string{"deal.bogus"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown event accepted: %d", w.Code)
	}

	w = do(http.MethodPost, "/v1/webhooks", alice, gin.H{"url": "https://hooks.example.com/x", "events": []string{"deal.completed"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook map[string]any `json:"webhook"`
		Secret  string         `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if len(created.Secret) != 64 {
		t.Errorf("secret should be shown once at creation, got %q", created.Secret)
	}
	if _, leaked := created.Webhook["secret"]; leaked {
		t.Error("webhook body must not carry the secret")
	}
	id := created.Webhook["id"].(string)

	w = do(http.MethodGet, "/v1/webhooks", bob, nil)
	var list struct {
		Webhooks []map[string]any `json:"webhooks"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Webhooks) != 0 {
		t.Errorf("bob sees alice's webhooks: %v", list.Webhooks)
	}

	w = do(http.MethodDelete, "/v1/webhooks/"+id, bob, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("bob deleted alice's webhook: %d", w.Code)
	}
	w = do(http.MethodDelete, "/v1/webhooks/"+id, alice, nil)
	if w.Code != http.StatusOK {
		t.Errorf("owner delete: %d", w.Code)
	}

	w = do(http.MethodGet, "/v1/webhooks", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous list: %d", w.Code)
	}
}
