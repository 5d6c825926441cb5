package ride

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/example/taxi-dispatch/internal/models"
)

var allStates = []State{None, DriverOnTheWay, DriverOnSite, TripBeginning, TripEnding}

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func TestChangeStatusFromNone(t *testing.T) {
	m := NewMachine(models.Order{}, fixedClock())
	assert.False(t, m.ChangeStatus(DriverOnSite), "skipping a milestone must fail")
	assert.False(t, m.ChangeStatus(None))
	assert.Equal(t, None, m.State())
	assert.True(t, m.ChangeStatus(DriverOnTheWay))
	assert.Equal(t, DriverOnTheWay, m.State())
}

func TestFullRideRecordsTimestamps(t *testing.T) {
	m := NewMachine(models.Order{Fare: "usual"}, fixedClock())
	require.True(t, m.ChangeStatus(DriverOnTheWay))
	assert.Equal(t, map[string]string{"time_order_start": "2024-03-08 12:01"}, m.TimestampPayload())

	require.True(t, m.ChangeStatus(DriverOnSite))
	assert.Empty(t, m.TimestampPayload())

	require.True(t, m.ChangeStatus(TripBeginning))
	assert.Equal(t, map[string]string{"time_trip_beginning": "2024-03-08 12:03"}, m.TimestampPayload())

	require.True(t, m.ChangeStatus(TripEnding))
	assert.Equal(t, map[string]string{"time_trip_ending": "2024-03-08 12:04"}, m.TimestampPayload())
	assert.True(t, m.State().Terminal())

	assert.False(t, m.ChangeStatus(TripEnding), "no transition out of the terminal state")
	entry := m.Entry()
	assert.NotNil(t, entry.RequestAcceptedAt)
	assert.NotNil(t, entry.TripBeganAt)
	assert.NotNil(t, entry.TripEndedAt)
}

func TestChangeStatusRefusesRestampedMilestone(t *testing.T) {
	m := NewMachine(models.Order{}, fixedClock())
	require.True(t, m.ChangeStatus(DriverOnTheWay))
	require.True(t, m.ChangeStatus(DriverOnSite))

	earlier := time.Date(2024, 3, 8, 11, 0, 0, 0, time.UTC)
	m.entry.TripBeganAt = &earlier
	assert.False(t, m.ChangeStatus(TripBeginning))
	assert.Equal(t, DriverOnSite, m.State())
	assert.Equal(t, earlier, *m.Entry().TripBeganAt, "recorded stamp must not move")
	assert.Empty(t, m.TimestampPayload())
}

func TestCanCancel(t *testing.T) {
	want := map[State]bool{
		None:           true,
		DriverOnTheWay: true,
		DriverOnSite:   true,
		TripBeginning:  false,
		TripEnding:     false,
	}
	for _, s := range allStates {
		m := &Machine{state: s, entry: models.NewOrderEntry(models.Order{}), now: time.Now}
		assert.Equal(t, want[s], m.CanCancel(), s.String())
	}
}

func TestParseState(t *testing.T) {
	for _, s := range allStates {
		got, ok := ParseState(s.String())
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseState("FIND_ORDER")
	assert.False(t, ok)
}

func TestTransitionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cur := rapid.SampledFrom(allStates).Draw(t, "current")
		req := rapid.SampledFrom(allStates).Draw(t, "requested")

		err := Transition(cur, req)
		if (err == nil) != (req.Ordinal() == cur.Ordinal()+1) {
			t.Fatalf("Transition(%s, %s) = %v", cur, req, err)
		}

		m := &Machine{state: cur, entry: models.NewOrderEntry(models.Order{}), now: time.Now}
		ok := m.ChangeStatus(req)
		if ok != (err == nil) {
			t.Fatalf("ChangeStatus disagrees with Transition for %s -> %s", cur, req)
		}
		if !ok && m.State() != cur {
			t.Fatalf("rejected transition moved the machine to %s", m.State())
		}
	})
}
