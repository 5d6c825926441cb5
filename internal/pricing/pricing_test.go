package pricing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/taxi-dispatch/internal/models"
)

var sampleQuotes = []Quote{
	{Name: "economy", Price: decimal.RequireFromString("250.00")},
	{Name: "comfort", Price: decimal.RequireFromString("410.50")},
}

func forEachCache(t *testing.T, fn func(t *testing.T, c QuoteCache)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryQuoteCache(time.Minute)) })
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, NewRedisQuoteCache(client, time.Minute))
	})
}

func TestQuoteValidity(t *testing.T) {
	forEachCache(t, func(t *testing.T, c QuoteCache) {
		ctx := context.Background()
		require.NoError(t, c.SetQuotes(ctx, "rider@example.com", sampleQuotes))

		cases := []struct {
			name  string
			rider string
			fare  string
			price string
			want  bool
		}{
			{"exact", "rider@example.com", "comfort", "410.50", true},
			{"same value fewer digits", "rider@example.com", "comfort", "410.5", true},
			{"wrong price", "rider@example.com", "comfort", "400", false},
			{"unknown fare", "rider@example.com", "business", "410.50", false},
			{"other rider", "someone@example.com", "economy", "250", false},
		}
		for _, tc := range cases {
			ok, err := c.IsQuoteValid(ctx, tc.rider, tc.fare, decimal.RequireFromString(tc.price))
			require.NoError(t, err, tc.name)
			assert.Equal(t, tc.want, ok, tc.name)
		}
	})
}

func TestSetQuotesReplacesPreviousList(t *testing.T) {
	forEachCache(t, func(t *testing.T, c QuoteCache) {
		ctx := context.Background()
		require.NoError(t, c.SetQuotes(ctx, "r", sampleQuotes))
		require.NoError(t, c.SetQuotes(ctx, "r", []Quote{{Name: "economy", Price: decimal.NewFromInt(300)}}))

		ok, err := c.IsQuoteValid(ctx, "r", "economy", decimal.NewFromInt(250))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = c.IsQuoteValid(ctx, "r", "economy", decimal.NewFromInt(300))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryQuotesExpire(t *testing.T) {
	c := NewMemoryQuoteCache(10 * time.Minute)
	now := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	require.NoError(t, c.SetQuotes(context.Background(), "r", sampleQuotes))

	now = now.Add(9 * time.Minute)
	ok, _ := c.IsQuoteValid(context.Background(), "r", "economy", decimal.NewFromInt(250))
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = c.IsQuoteValid(context.Background(), "r", "economy", decimal.NewFromInt(250))
	assert.False(t, ok)
}

func TestRedisQuotesExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisQuoteCache(client, 10*time.Minute)
	ctx := context.Background()
	require.NoError(t, c.SetQuotes(ctx, "r", sampleQuotes))

	raw, err := mr.Get("order_price:r")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"economy","price":"250.00"},{"name":"comfort","price":"410.50"}]`, raw)

	mr.FastForward(10*time.Minute + time.Second)
	ok, err := c.IsQuoteValid(ctx, "r", "economy", decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPQuoter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			LocationFrom models.Coord `json:"location_from"`
			LocationTo   models.Coord `json:"location_to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"price_list":[{"name":"economy","price":"199.90"},{"name":"comfort","price":320}]}`))
	}))
	defer srv.Close()

	quotes, err := NewHTTPQuoter(srv.URL).GetPriceList(context.Background(), models.Coord{Lat: 54.3, Lon: 48.4}, models.Coord{Lat: 54.35, Lon: 48.38})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "economy", quotes[0].Name)
	assert.True(t, quotes[0].Price.Equal(decimal.RequireFromString("199.9")))
	assert.True(t, quotes[1].Price.Equal(decimal.NewFromInt(320)))
}

func TestHTTPQuoterFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"body":   func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("not json")) },
		"empty":  func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"price_list":[]}`)) },
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			_, err := NewHTTPQuoter(srv.URL).GetPriceList(context.Background(), models.Coord{}, models.Coord{})
			assert.ErrorIs(t, err, ErrServiceInteraction)
		})
	}

	_, err := NewHTTPQuoter("http://127.0.0.1:1").GetPriceList(context.Background(), models.Coord{}, models.Coord{})
	assert.ErrorIs(t, err, ErrServiceInteraction)
}
