// Package orders holds the shared pool of orders waiting for a driver.
package orders

import (
	"context"
	"errors"
	"math"

	"github.com/example/taxi-dispatch/internal/models"
)

// DefaultRadiusKm is the distance below which an order is offered to a driver.
const DefaultRadiusKm = 3.0

// MaxLatitude bounds the band Redis can index (EPSG:3857). Both stores
// refuse origins outside it so they stay interchangeable.
const MaxLatitude = 85.05112878

var ErrOutsideServiceArea = errors.New("location is outside the service area")

func indexable(c models.Coord) bool { return math.Abs(c.Lat) <= MaxLatitude }

// Match is an order soft-reserved for a driver by FindNearest.
type Match struct {
	SessionKey string
	Order      models.Order
	Rider      string
	DistanceKm float64
}

// Store is the pending order pool. Every method is safe for concurrent use;
// FindNearest compares and reserves inside one critical section so two drivers
// can never both hold the same order.
type Store interface {
	Add(ctx context.Context, key string, rec models.PendingOrder) error
	// Remove reports whether a live record was deleted. Removing an absent key is a no-op.
	Remove(ctx context.Context, key string) (bool, error)
	Free(ctx context.Context, key string) error
	IsLive(ctx context.Context, key string) (bool, error)
	FindNearest(ctx context.Context, driverID string, loc models.Coord, exclude map[string]struct{}) (Match, bool, error)
}
