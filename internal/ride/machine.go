package ride

import (
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// Machine tracks one matched ride. It is owned by a single connection and is
// not safe for concurrent use.
type Machine struct {
	state State
	entry *models.OrderEntry
	now   func() time.Time
}

func NewMachine(order models.Order, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{state: None, entry: models.NewOrderEntry(order), now: now}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Entry() models.OrderEntry { return *m.entry }

// ChangeStatus applies requested if it is the next milestone and stamps the
// entry. It returns false and leaves the machine untouched otherwise,
// including when the milestone was already stamped.
func (m *Machine) ChangeStatus(requested State) bool {
	if err := Transition(m.state, requested); err != nil {
		return false
	}
	at := m.now()
	var err error
	switch requested {
	case DriverOnTheWay:
		err = m.entry.MarkRequestAccepted(at)
	case TripBeginning:
		err = m.entry.MarkTripBegan(at)
	case TripEnding:
		err = m.entry.MarkTripEnded(at)
	}
	if err != nil {
		return false
	}
	m.state = requested
	return true
}

// CanCancel is true until the trip has begun.
func (m *Machine) CanCancel() bool {
	return m.state.Ordinal() <= DriverOnSite.Ordinal()
}

// TimestampPayload returns the timestamp belonging to the current state.
func (m *Machine) TimestampPayload() map[string]string {
	stamps := m.entry.Timestamps()
	var key string
	switch m.state {
	case DriverOnTheWay:
		key = "time_order_start"
	case TripBeginning:
		key = "time_trip_beginning"
	case TripEnding:
		key = "time_trip_ending"
	default:
		return map[string]string{}
	}
	if v := stamps[key]; v != nil {
		return map[string]string{key: *v}
	}
	return map[string]string{}
}
