package ride

import (
	"errors"
	"fmt"
)

// State is a ride milestone. Ordinals are spelled out because transitions
// are defined by them, not by declaration order.
type State int

const (
	None           State = 0
	DriverOnTheWay State = 1
	DriverOnSite   State = 2
	TripBeginning  State = 3
	TripEnding     State = 4
)

var names = map[State]string{
	None:           "NONE",
	DriverOnTheWay: "DRIVER_ON_THE_WAY",
	DriverOnSite:   "DRIVER_ON_SITE",
	TripBeginning:  "TRIP_BEGINNING",
	TripEnding:     "TRIP_ENDING",
}

func (s State) Ordinal() int { return int(s) }

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the ride is complete.
func (s State) Terminal() bool { return s == TripEnding }

// ParseState maps a wire name to a State.
func ParseState(name string) (State, bool) {
	for s, n := range names {
		if n == name {
			return s, true
		}
	}
	return None, false
}

var ErrOutOfOrder = errors.New("inappropriate order status")

// Transition allows exactly one step forward.
func Transition(current, requested State) error {
	if requested.Ordinal() != current.Ordinal()+1 {
		return fmt.Errorf("%w: %s -> %s", ErrOutOfOrder, current, requested)
	}
	return nil
}
