package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCoordFormat is returned when a coordinate is not a [lat, lon] pair.
var ErrCoordFormat = errors.New("Incorrect format of coordinates.")

// Coord is a (latitude, longitude) pair. On the wire it is always a
// two-element array.
type Coord struct {
	Lat float64 `validate:"latitude"`
	Lon float64 `validate:"longitude"`
}

func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lat, c.Lon})
}

func (c *Coord) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return ErrCoordFormat
	}
	if len(pair) != 2 {
		return ErrCoordFormat
	}
	c.Lat, c.Lon = pair[0], pair[1]
	return nil
}

// Order is a trip request as submitted by a client.
type Order struct {
	LocationFrom Coord           `json:"location_from"`
	LocationTo   Coord           `json:"location_to"`
	Fare         string          `json:"fare"`
	Price        decimal.Decimal `json:"price"`
}

// ExecutorView is what a driver sees before accepting: the price stays with the rider.
type ExecutorView struct {
	Fare         string `json:"fare"`
	LocationFrom Coord  `json:"location_from"`
	LocationTo   Coord  `json:"location_to"`
}

func (o Order) ExecutorView() ExecutorView {
	return ExecutorView{Fare: o.Fare, LocationFrom: o.LocationFrom, LocationTo: o.LocationTo}
}

// MarshalJSON keeps the price at exactly two fraction digits.
func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		LocationFrom Coord  `json:"location_from"`
		LocationTo   Coord  `json:"location_to"`
		Fare         string `json:"fare"`
		Price        string `json:"price"`
	}{o.LocationFrom, o.LocationTo, o.Fare, o.Price.StringFixed(2)})
}

// TimestampLayout is the minute-resolution format used in ride payloads.
const TimestampLayout = "2006-01-02 15:04"

var ErrTimestampSet = errors.New("timestamp already recorded")

// OrderEntry is the ride record: the order plus its milestone timestamps.
// Each timestamp is written once and never moves backwards.
type OrderEntry struct {
	Order
	RequestAcceptedAt *time.Time
	TripBeganAt       *time.Time
	TripEndedAt       *time.Time
}

func NewOrderEntry(o Order) *OrderEntry { return &OrderEntry{Order: o} }

func (e *OrderEntry) MarkRequestAccepted(t time.Time) error {
	return e.mark(&e.RequestAcceptedAt, nil, t)
}

func (e *OrderEntry) MarkTripBegan(t time.Time) error {
	return e.mark(&e.TripBeganAt, e.RequestAcceptedAt, t)
}

func (e *OrderEntry) MarkTripEnded(t time.Time) error {
	return e.mark(&e.TripEndedAt, e.TripBeganAt, t)
}

func (e *OrderEntry) mark(field **time.Time, prev *time.Time, t time.Time) error {
	if *field != nil {
		return ErrTimestampSet
	}
	if prev != nil && t.Before(*prev) {
		t = *prev
	}
	*field = &t
	return nil
}

// Timestamps renders the recorded milestones; unset ones are null.
func (e *OrderEntry) Timestamps() map[string]*string {
	return map[string]*string{
		"time_order_start":    formatStamp(e.RequestAcceptedAt),
		"time_trip_beginning": formatStamp(e.TripBeganAt),
		"time_trip_ending":    formatStamp(e.TripEndedAt),
	}
}

// MarshalJSON flattens the order fields and the timestamps into one object.
func (e OrderEntry) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"location_from": e.LocationFrom,
		"location_to":   e.LocationTo,
		"fare":          e.Fare,
		"price":         e.Price.StringFixed(2),
	}
	for k, v := range e.Timestamps() {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flattened form written by MarshalJSON. Timestamps
// come back at minute resolution in UTC.
func (e *OrderEntry) UnmarshalJSON(b []byte) error {
	var in struct {
		LocationFrom      Coord           `json:"location_from"`
		LocationTo        Coord           `json:"location_to"`
		Fare              string          `json:"fare"`
		Price             decimal.Decimal `json:"price"`
		TimeOrderStart    *string         `json:"time_order_start"`
		TimeTripBeginning *string         `json:"time_trip_beginning"`
		TimeTripEnding    *string         `json:"time_trip_ending"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := OrderEntry{Order: Order{LocationFrom: in.LocationFrom, LocationTo: in.LocationTo, Fare: in.Fare, Price: in.Price}}
	var err error
	if out.RequestAcceptedAt, err = parseStamp(in.TimeOrderStart); err != nil {
		return err
	}
	if out.TripBeganAt, err = parseStamp(in.TimeTripBeginning); err != nil {
		return err
	}
	if out.TripEndedAt, err = parseStamp(in.TimeTripEnding); err != nil {
		return err
	}
	*e = out
	return nil
}

func parseStamp(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.ParseInLocation(TimestampLayout, *s, time.UTC)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatStamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(TimestampLayout)
	return &s
}

// PendingOrder is a not-yet-matched order. ReservedBy is empty unless a
// driver holds a soft reservation on it.
type PendingOrder struct {
	Order      Order  `json:"order"`
	Rider      string `json:"rider"`
	ReservedBy string `json:"executor,omitempty"`
}

// Message is the envelope exchanged over client and driver sockets.
type Message struct {
	MessageType string `json:"message_type"`
	Info        any    `json:"info,omitempty"`
}

// Car describes the vehicle announced to the rider in DRIVER_DATA.
type Car struct {
	Make        string `json:"make"`
	Model       string `json:"model"`
	Color       string `json:"color"`
	StateNumber string `json:"state_number"`
}

type DriverProfile struct {
	ID  string `json:"driver_id"`
	Car *Car   `json:"car,omitempty"`
}
