package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// HTTPQuoter asks an external quoting service for the fare list of a route.
// The service receives {"location_from": [lat, lon], "location_to": [lat, lon]}
// and answers {"price_list": [{"name": ..., "price": "..."}]}.
type HTTPQuoter struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPQuoter(endpoint string) *HTTPQuoter {
	return &HTTPQuoter{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (q *HTTPQuoter) GetPriceList(ctx context.Context, from, to models.Coord) ([]Quote, error) {
	body, err := json.Marshal(struct {
		LocationFrom models.Coord `json:"location_from"`
		LocationTo   models.Coord `json:"location_to"`
	}{from, to})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceInteraction, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceInteraction, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrServiceInteraction, resp.StatusCode)
	}

	var out struct {
		PriceList []Quote `json:"price_list"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrServiceInteraction, err)
	}
	if len(out.PriceList) == 0 {
		return nil, fmt.Errorf("%w: empty price list", ErrServiceInteraction)
	}
	return out.PriceList, nil
}
