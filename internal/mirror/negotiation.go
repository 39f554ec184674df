package mirror

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/logging"
	"github.com/mbd888/nftescrow/internal/metrics"
)

// negotiable checks the price may still move.
func negotiable(d *Deal) error {
	if !deal.IsPriced(d.Type) {
		return ErrNotNegotiable
	}
	if d.Status != deal.StatusPending || d.CreatorDeposited || d.CounterpartyDeposited {
		return ErrNegotiationClosed
	}
	return nil
}

// ProposeCounterOffer records a counter price from the side that does not set
// the price. A new proposal overwrites the previous one.
func (s *Service) ProposeCounterOffer(ctx context.Context, id, by, price string) (*Deal, error) {
	norm, err := normalizePrice(price)
	if err != nil {
		return nil, err
	}
	by = strings.ToLower(by)

	var superseded bool
	updated, err := s.apply(ctx, id, nil, func(d *Deal) ([]*Activity, error) {
		if err := negotiable(d); err != nil {
			return nil, err
		}
		setter := deal.PriceSetter(d.Type)
		party := d.PartyOf(by)
		switch {
		case party == setter:
			return nil, fmt.Errorf("%w: the price setter updates the price directly", ErrUnauthorized)
		case party == deal.PartyNone && d.CounterpartyAddress != "":
			return nil, ErrUnauthorized
		case party == deal.PartyNone && by == "":
			return nil, ErrUnauthorized
		}
		superseded = d.CounterOfferStatus == deal.CounterOfferPending
		now := s.now().UTC()
		d.CounterOfferPrice = norm
		d.CounterOfferBy = by
		d.CounterOfferAt = &now
		d.CounterOfferStatus = deal.CounterOfferPending
		act := s.activity(d, ActionCounterOfferProposed, by, "", d.Status)
		act.Price = norm
		return []*Activity{act}, nil
	})
	if err != nil {
		return nil, err
	}
	if superseded {
		metrics.CounterOffersTotal.WithLabelValues("superseded").Inc()
	}
	metrics.CounterOffersTotal.WithLabelValues("proposed").Inc()
	s.logger.Info("counter-offer proposed", "id", id, "by", by, "price", norm)
	s.notify(ctx, &Event{Action: ActionCounterOfferProposed, Deal: updated.Clone(), Actor: by})
	return updated, nil
}

// AcceptCounterOffer adopts the pending counter price. The sub-state is
// cleared; the acceptance lives on in the activity log and the event.
func (s *Service) AcceptCounterOffer(ctx context.Context, id, by string) (*Deal, error) {
	by = strings.ToLower(by)
	updated, err := s.apply(ctx, id, nil, func(d *Deal) ([]*Activity, error) {
		if err := s.checkSetter(d, by); err != nil {
			return nil, err
		}
		if d.CounterOfferStatus != deal.CounterOfferPending {
			return nil, ErrNoCounterOffer
		}
		act := s.activity(d, ActionCounterOfferAccepted, by, "", d.Status)
		act.Price = d.CounterOfferPrice
		act.Note = "offered by " + d.CounterOfferBy
		d.Price = d.CounterOfferPrice
		d.clearCounterOffer()
		return []*Activity{act}, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CounterOffersTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("counter-offer accepted", "id", id, "price", updated.Price)
	s.notify(ctx, &Event{Action: ActionCounterOfferAccepted, Deal: updated.Clone(), Actor: by})
	return updated, nil
}

// DeclineCounterOffer rejects the pending counter price. The declined offer
// stays visible until replaced or the price changes.
func (s *Service) DeclineCounterOffer(ctx context.Context, id, by string) (*Deal, error) {
	by = strings.ToLower(by)
	updated, err := s.apply(ctx, id, nil, func(d *Deal) ([]*Activity, error) {
		if err := s.checkSetter(d, by); err != nil {
			return nil, err
		}
		if d.CounterOfferStatus != deal.CounterOfferPending {
			return nil, ErrNoCounterOffer
		}
		d.CounterOfferStatus = deal.CounterOfferDeclined
		act := s.activity(d, ActionCounterOfferDeclined, by, "", d.Status)
		act.Price = d.CounterOfferPrice
		return []*Activity{act}, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CounterOffersTotal.WithLabelValues("declined").Inc()
	s.notify(ctx, &Event{Action: ActionCounterOfferDeclined, Deal: updated.Clone(), Actor: by})
	return updated, nil
}

// UpdatePrice sets a new price directly. With a transaction hash it
// reconciles a custody price update and is idempotent on that hash.
func (s *Service) UpdatePrice(ctx context.Context, id, by, price, txHash string) (*Deal, bool, error) {
	norm, err := normalizePrice(price)
	if err != nil {
		return nil, false, err
	}
	by = strings.ToLower(by)
	fn := func(d *Deal) ([]*Activity, error) {
		if err := s.checkSetter(d, by); err != nil {
			return nil, err
		}
		act := s.activity(d, ActionPriceUpdated, by, txHash, d.Status)
		act.Price = norm
		act.Note = "was " + d.Price
		d.Price = norm
		if txHash != "" {
			d.TransactionHash = txHash
		}
		d.clearCounterOffer()
		return []*Activity{act}, nil
	}
	if txHash != "" {
		return s.reconcile(ctx, id, ActionPriceUpdated, by, txHash, nil, fn)
	}

	updated, err := s.apply(logging.WithDealID(ctx, id), id, nil, fn)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("price updated", "id", id, "price", norm)
	s.notify(ctx, &Event{Action: ActionPriceUpdated, Deal: updated.Clone(), Actor: by})
	return updated, true, nil
}

func (s *Service) checkSetter(d *Deal, by string) error {
	if err := negotiable(d); err != nil {
		return err
	}
	if d.PartyOf(by) != deal.PriceSetter(d.Type) {
		return ErrUnauthorized
	}
	return nil
}

func normalizePrice(price string) (string, error) {
	wei, err := amount.ParsePositive(price)
	if err != nil {
		return "", fmt.Errorf("%w: price: %v", deal.ErrInvalidParameters, err)
	}
	return amount.Format(wei), nil
}
