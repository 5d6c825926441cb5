package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeBilling maps the rider ledger onto PaymentIntent hold/capture/cancel:
// the solvency check places a manual-capture hold for the quoted price, the
// withdrawal at the end of the trip captures it and Release cancels it.
type StripeBilling struct {
	pi        *paymentintent.Client
	currency  string
	customers CustomerDirectory

	mu    sync.Mutex
	holds map[string]string // ride session key -> PaymentIntent id
}

// NewStripeBilling builds a client for apiKey. A nil backend uses the default Stripe API backend.
func NewStripeBilling(apiKey, currency string, customers CustomerDirectory, backend stripe.Backend) *StripeBilling {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeBilling{
		pi:        &paymentintent.Client{B: backend, Key: apiKey},
		currency:  currency,
		customers: customers,
		holds:     make(map[string]string),
	}
}

// minorUnits converts a price to cents.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (s *StripeBilling) CheckSolvency(ctx context.Context, ref, rider string, amount decimal.Decimal) (bool, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(amount)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("rider", rider)
	params.AddMetadata("session_key", ref)
	if s.customers != nil {
		customer, err := s.customers.StripeCustomer(ctx, rider)
		if err != nil {
			return false, fmt.Errorf("resolve customer: %w", err)
		}
		if customer != "" {
			params.Customer = stripe.String(customer)
			params.Confirm = stripe.Bool(true)
			params.OffSession = stripe.Bool(true)
		}
	}

	pi, err := s.pi.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return false, nil
		}
		return false, fmt.Errorf("hold funds: %w", err)
	}

	s.mu.Lock()
	prev, had := s.holds[ref]
	s.holds[ref] = pi.ID
	s.mu.Unlock()
	if had && prev != pi.ID {
		_ = s.cancel(ctx, prev)
	}
	return true, nil
}

// Withdraw captures the ride's open hold. amount may not exceed the held amount.
func (s *StripeBilling) Withdraw(ctx context.Context, ref, _ string, amount decimal.Decimal) error {
	id, ok := s.take(ref)
	if !ok {
		return ErrNoHold
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(minorUnits(amount))}
	params.Context = ctx
	if _, err := s.pi.Capture(id, params); err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("capture %s: %w", id, err)
	}
	return nil
}

func (s *StripeBilling) Release(ctx context.Context, ref string) error {
	id, ok := s.take(ref)
	if !ok {
		return ErrNoHold
	}
	return s.cancel(ctx, id)
}

func (s *StripeBilling) take(ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[ref]
	delete(s.holds, ref)
	return id, ok
}

func (s *StripeBilling) cancel(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.pi.Cancel(id, params); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}
