package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/nftescrow/internal/idgen"
	"github.com/mbd888/nftescrow/internal/mirror"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nftescrow",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nftescrow",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

var eventForAction = map[mirror.Action]EventType{
	mirror.ActionCreated:              EventDealCreated,
	mirror.ActionLinked:               EventDealLinked,
	mirror.ActionNFTDeposited:         EventNFTDeposited,
	mirror.ActionPaymentDeposited:     EventPaymentDeposited,
	mirror.ActionCompleted:            EventDealCompleted,
	mirror.ActionCancelled:            EventDealCancelled,
	mirror.ActionPriceUpdated:         EventPriceUpdated,
	mirror.ActionCounterOfferProposed: EventCounterOfferProposed,
	mirror.ActionCounterOfferAccepted: EventCounterOfferAccepted,
	mirror.ActionCounterOfferDeclined: EventCounterOfferDeclined,
	mirror.ActionResynced:             EventDealResynced,
}

// EventTypeFor maps a mirror action to its webhook event type.
func EventTypeFor(a mirror.Action) (EventType, bool) {
	et, ok := eventForAction[a]
	return et, ok
}

// Emitter turns applied mirror writes into webhook deliveries for both
// participants. Errors are logged, never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var _ mirror.Notifier = (*Emitter)(nil)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

// Notify implements mirror.Notifier.
func (e *Emitter) Notify(ctx context.Context, ev *mirror.Event) {
	if e == nil || e.d == nil || ev == nil || ev.Deal == nil {
		return
	}
	eventType, ok := EventTypeFor(ev.Action)
	if !ok {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data: map[string]any{
			"deal":            ev.Deal,
			"actor":           ev.Actor,
			"transactionHash": ev.TxHash,
		},
	}

	// Subscription lookup must not inherit a request deadline that is about to fire.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	owners := []string{ev.Deal.CreatorAddress, ev.Deal.CounterpartyAddress}
	if err := e.d.DispatchTo(ctx, owners, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "deal", ev.Deal.ID, "error", err)
	}
}
