package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordRequiresExactlyTwoComponents(t *testing.T) {
	var c Coord
	require.NoError(t, json.Unmarshal([]byte(`[54.3, 48.4]`), &c))
	assert.Equal(t, Coord{Lat: 54.3, Lon: 48.4}, c)

	for _, raw := range []string{`[1]`, `[1,2,3]`, `[]`, `"1,2"`, `{"lat":1,"lon":2}`} {
		err := json.Unmarshal([]byte(raw), &c)
		assert.ErrorIs(t, err, ErrCoordFormat, raw)
	}
}

func TestOrderJSONKeepsTwoDigitPrice(t *testing.T) {
	var o Order
	require.NoError(t, json.Unmarshal([]byte(`{"location_from":[0,0],"location_to":[1,1],"fare":"usual","price":"100"}`), &o))
	assert.True(t, o.Price.Equal(decimal.NewFromInt(100)))

	b, err := json.Marshal(o)
	require.NoError(t, err)
	assert.JSONEq(t, `{"location_from":[0,0],"location_to":[1,1],"fare":"usual","price":"100.00"}`, string(b))
}

func TestExecutorViewWithholdsPrice(t *testing.T) {
	o := Order{LocationFrom: Coord{1, 2}, LocationTo: Coord{3, 4}, Fare: "comfort", Price: decimal.RequireFromString("250.50")}
	b, err := json.Marshal(o.ExecutorView())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "price")
	assert.JSONEq(t, `{"fare":"comfort","location_from":[1,2],"location_to":[3,4]}`, string(b))
}

func TestOrderEntryTimestampsAreSetOnce(t *testing.T) {
	e := NewOrderEntry(Order{Fare: "usual"})
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, e.MarkRequestAccepted(t0))
	assert.ErrorIs(t, e.MarkRequestAccepted(t0.Add(time.Hour)), ErrTimestampSet)
	assert.Equal(t, t0, *e.RequestAcceptedAt)

	// a clock step backwards must not make the trip begin before acceptance
	require.NoError(t, e.MarkTripBegan(t0.Add(-time.Minute)))
	assert.Equal(t, t0, *e.TripBeganAt)

	require.NoError(t, e.MarkTripEnded(t0.Add(20*time.Minute)))
	stamps := e.Timestamps()
	assert.Equal(t, "2024-05-01 10:00", *stamps["time_order_start"])
	assert.Equal(t, "2024-05-01 10:20", *stamps["time_trip_ending"])
}

func TestOrderEntryJSON(t *testing.T) {
	e := NewOrderEntry(Order{LocationFrom: Coord{0, 0}, LocationTo: Coord{1, 1}, Fare: "usual", Price: decimal.NewFromInt(5)})
	require.NoError(t, e.MarkRequestAccepted(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)))
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"location_from":[0,0],"location_to":[1,1],"fare":"usual","price":"5.00",
		"time_order_start":"2024-05-01 09:30","time_trip_beginning":null,"time_trip_ending":null
	}`, string(b))
}

func TestOrderEntryJSONRoundTrip(t *testing.T) {
	began := time.Date(2024, 5, 1, 9, 42, 0, 0, time.UTC)
	e := NewOrderEntry(Order{LocationFrom: Coord{Lat: 54.3, Lon: 48.4}, LocationTo: Coord{Lat: 54.35, Lon: 48.38}, Fare: "comfort", Price: decimal.RequireFromString("410.5")})
	require.NoError(t, e.MarkRequestAccepted(began.Add(-10*time.Minute)))
	require.NoError(t, e.MarkTripBegan(began))
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var got OrderEntry
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, e.Order.LocationFrom, got.LocationFrom)
	assert.Equal(t, "comfort", got.Fare)
	assert.True(t, got.Price.Equal(e.Price))
	require.NotNil(t, got.RequestAcceptedAt)
	assert.True(t, e.RequestAcceptedAt.Equal(*got.RequestAcceptedAt))
	require.NotNil(t, got.TripBeganAt)
	assert.True(t, began.Equal(*got.TripBeganAt))
	assert.Nil(t, got.TripEndedAt)

	assert.Error(t, json.Unmarshal([]byte(`{"time_trip_ending":"yesterday"}`), &got))
}
