package matcher

import (
	"errors"

	"github.com/example/taxi-dispatch/internal/models"
)

// DefaultRetryBudget is how many declined or expired offers a driver gets
// before the connection is closed.
const DefaultRetryBudget = 3

var ErrAlreadyStarted = errors.New("work already started")

// Session is the per-connection matching state of one driver. It is owned by
// the connection loop and is not safe for concurrent use.
type Session struct {
	DriverID string

	budget   int
	attempts int
	location models.Coord
	started  bool
	rejected map[string]struct{}
}

func NewSession(driverID string, budget int) *Session {
	if budget < 0 {
		budget = DefaultRetryBudget
	}
	return &Session{DriverID: driverID, budget: budget, rejected: make(map[string]struct{})}
}

func (s *Session) BeginWork(loc models.Coord) error {
	if s.started {
		return ErrAlreadyStarted
	}
	s.location = loc
	s.started = true
	return nil
}

func (s *Session) Started() bool { return s.started }

func (s *Session) Location() models.Coord { return s.location }

func (s *Session) Attempts() int { return s.attempts }

// IsRetryAllowed consumes one attempt. Call it once per declined offer.
func (s *Session) IsRetryAllowed() bool {
	s.attempts++
	return s.attempts <= s.budget
}

// RejectOffer keeps key out of this driver's future searches.
func (s *Session) RejectOffer(key string) {
	s.rejected[key] = struct{}{}
}

// Excluded returns a copy of the rejected keys, safe to hand to another goroutine.
func (s *Session) Excluded() map[string]struct{} {
	out := make(map[string]struct{}, len(s.rejected))
	for k := range s.rejected {
		out[k] = struct{}{}
	}
	return out
}
