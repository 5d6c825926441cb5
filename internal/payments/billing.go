package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNoHold is returned when capturing or releasing a ride with no open hold.
	ErrNoHold = errors.New("no payment hold for ride")
)

// Billing is the rider-side bank interface used when ordering and when a ride ends.
// ref is the ride's session key; backends that reserve funds key the
// reservation by it, so one rider can hold several rides at once.
type Billing interface {
	CheckSolvency(ctx context.Context, ref, rider string, amount decimal.Decimal) (bool, error)
	Withdraw(ctx context.Context, ref, rider string, amount decimal.Decimal) error
}

// Releaser is implemented by billing backends that reserve funds during the
// solvency check and must give them back when the ride does not complete.
type Releaser interface {
	Release(ctx context.Context, ref string) error
}

// CustomerDirectory resolves the card-processor customer of a rider.
type CustomerDirectory interface {
	StripeCustomer(ctx context.Context, rider string) (string, error)
}
