package events

import (
	"context"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

const (
	// StatusCancel marks a ride that was cancelled instead of moving forward.
	StatusCancel = "CANCEL"
	// StatusAbandoned marks a ride whose driver disconnected after the trip began.
	StatusAbandoned = "ABANDONED"
)

// RideEvent is emitted on every accepted ride transition and on cancellation.
type RideEvent struct {
	SessionKey  string            `json:"session_key"`
	RiderID     string            `json:"rider_id"`
	DriverID    string            `json:"driver_id,omitempty"`
	Status      string            `json:"status"`
	CancelledBy string            `json:"cancelled_by,omitempty"`
	Order       models.OrderEntry `json:"order"`
	At          time.Time         `json:"at"`
}

// Publisher ships ride events somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, ev RideEvent) error
	Close() error
}

// Discard drops every event. Used when no broker is configured.
type Discard struct{}

func (Discard) Publish(context.Context, RideEvent) error { return nil }
func (Discard) Close() error                             { return nil }
