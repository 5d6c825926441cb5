package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/ride"
)

var errRideClosed = errors.New("ride already finished or cancelled")

// activeRide is the ride shared by one client and one driver session. The
// lock makes each transition or cancel and its broadcast one step, so the
// group sees them in the order they were applied.
type activeRide struct {
	key    string
	rider  string
	driver string
	groups *dispatch.Groups

	mu      sync.Mutex
	machine *ride.Machine
	closed  bool
}

func newActiveRide(key, rider, driver string, order models.Order, groups *dispatch.Groups, now func() time.Time) *activeRide {
	return &activeRide{
		key:     key,
		rider:   rider,
		driver:  driver,
		groups:  groups,
		machine: ride.NewMachine(order, now),
	}
}

// start introduces the driver and moves the ride to DRIVER_ON_THE_WAY.
func (r *activeRide) start(intro models.Message) (models.OrderEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.OrderEntry{}, errRideClosed
	}
	r.groups.Broadcast(r.key, intro)
	return r.advanceLocked(ride.DriverOnTheWay)
}

func (r *activeRide) advance(st ride.State) (models.OrderEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.OrderEntry{}, errRideClosed
	}
	return r.advanceLocked(st)
}

func (r *activeRide) advanceLocked(st ride.State) (models.OrderEntry, error) {
	if !r.machine.ChangeStatus(st) {
		return models.OrderEntry{}, ride.ErrOutOfOrder
	}
	if st.Terminal() {
		r.closed = true
	}
	r.groups.Broadcast(r.key, statusMessage(r.machine))
	return r.machine.Entry(), nil
}

// cancel ends the ride if the trip has not begun yet.
func (r *activeRide) cancel(by string) (models.OrderEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.machine.CanCancel() {
		return models.OrderEntry{}, false
	}
	r.closed = true
	r.groups.Broadcast(r.key, models.Message{MessageType: TypeCancel, Info: CancelInfo{CancelledBy: by}})
	return r.machine.Entry(), true
}

// abandon closes a ride that can no longer be cancelled because its driver
// went away, and tells the rest of the group.
func (r *activeRide) abandon() (models.OrderEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.OrderEntry{}, false
	}
	r.closed = true
	r.groups.Broadcast(r.key, detail(reasonDriverLeft))
	return r.machine.Entry(), true
}

type rideRegistry struct {
	mu    sync.Mutex
	rides map[string]*activeRide
}

func newRideRegistry() *rideRegistry {
	return &rideRegistry{rides: make(map[string]*activeRide)}
}

func (g *rideRegistry) add(r *activeRide) {
	g.mu.Lock()
	g.rides[r.key] = r
	g.mu.Unlock()
}

func (g *rideRegistry) get(key string) *activeRide {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rides[key]
}

func (g *rideRegistry) remove(r *activeRide) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rides[r.key] == r {
		delete(g.rides, r.key)
	}
}
