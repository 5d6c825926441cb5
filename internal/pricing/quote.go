package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/taxi-dispatch/internal/models"
)

// DefaultQuoteTTL is how long a quoted price list stays valid for ordering.
const DefaultQuoteTTL = 10 * time.Minute

// ErrServiceInteraction covers any failure talking to the quoting service.
var ErrServiceInteraction = errors.New("Error when interacting with the service.")

// Quote is one fare tier with its price for a specific route.
type Quote struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

func (q Quote) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name  string `json:"name"`
		Price string `json:"price"`
	}{q.Name, q.Price.StringFixed(2)})
}

// QuoteCache remembers the last price list shown to a rider so an order can
// only be placed at a price the rider was actually quoted.
type QuoteCache interface {
	SetQuotes(ctx context.Context, rider string, quotes []Quote) error
	IsQuoteValid(ctx context.Context, rider, fare string, price decimal.Decimal) (bool, error)
}

// Quoter produces the price list for a route.
type Quoter interface {
	GetPriceList(ctx context.Context, from, to models.Coord) ([]Quote, error)
}

// matchQuote reports whether quotes hold fare at price, compared at cent precision.
func matchQuote(quotes []Quote, fare string, price decimal.Decimal) bool {
	for _, q := range quotes {
		if q.Name == fare {
			return q.Price.Round(2).Equal(price.Round(2))
		}
	}
	return false
}
