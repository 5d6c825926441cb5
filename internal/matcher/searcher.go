package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/orders"
)

const (
	DefaultSearchAttempts = 10
	DefaultSearchDelay    = 60 * time.Second
)

var ErrNoOrders = errors.New("no suitable orders")

// Finder is the part of the pending order store the search needs.
type Finder interface {
	FindNearest(ctx context.Context, driverID string, loc models.Coord, exclude map[string]struct{}) (orders.Match, bool, error)
}

// Clock abstracts waiting so tests do not sleep.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock waits on the wall clock.
var RealClock Clock = realClock{}

// Searcher polls the store for the nearest order, waiting Delay between
// misses, at most Attempts times.
type Searcher struct {
	Finder   Finder
	Attempts int
	Delay    time.Duration
	Clock    Clock
	Logger   logrus.FieldLogger
}

func NewSearcher(f Finder, attempts int, delay time.Duration, clock Clock, logger logrus.FieldLogger) *Searcher {
	if attempts <= 0 {
		attempts = DefaultSearchAttempts
	}
	if clock == nil {
		clock = RealClock
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Searcher{Finder: f, Attempts: attempts, Delay: delay, Clock: clock, Logger: logger}
}

// Search returns a reserved match, ErrNoOrders once the attempts are spent,
// or the context error if the driver went away while waiting.
func (s *Searcher) Search(ctx context.Context, driverID string, loc models.Coord, exclude map[string]struct{}) (orders.Match, error) {
	for attempt := 1; attempt <= s.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return orders.Match{}, err
		}
		m, ok, err := s.Finder.FindNearest(ctx, driverID, loc, exclude)
		switch {
		case err != nil:
			s.Logger.WithError(err).WithFields(logrus.Fields{"driver": driverID, "attempt": attempt}).Warn("find nearest failed")
		case ok:
			return m, nil
		}
		if attempt == s.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return orders.Match{}, ctx.Err()
		case <-s.Clock.After(s.Delay):
		}
	}
	return orders.Match{}, ErrNoOrders
}
