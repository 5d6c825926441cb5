package storage

import (
	"context"

	"github.com/example/taxi-dispatch/internal/models"
)

// DriverDirectory looks up what a rider is told about their driver.
// A driver without a registered car yields a profile with a nil Car.
type DriverDirectory interface {
	DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error)
}
