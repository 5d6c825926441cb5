package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/taxi-dispatch/internal/models"
)

type reservations interface {
	Store
	reservedBy(t *testing.T, key string) (string, bool)
}

type memFixture struct{ *MemoryStore }

func (m memFixture) reservedBy(_ *testing.T, key string) (string, bool) { return m.ReservedBy(key) }

type redisFixture struct{ *RedisStore }

func (r redisFixture) reservedBy(t *testing.T, key string) (string, bool) {
	v, ok, err := r.ReservedBy(context.Background(), key)
	require.NoError(t, err)
	return v, ok
}

func newRedisStore(t *testing.T, radiusKm float64) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedisStore(rc, "test", radiusKm)
}

// forEachStore runs fn against both backends so they stay interchangeable.
func forEachStore(t *testing.T, fn func(t *testing.T, s reservations)) {
	t.Run("memory", func(t *testing.T) { fn(t, memFixture{NewMemoryStore(DefaultRadiusKm)}) })
	t.Run("redis", func(t *testing.T) { fn(t, redisFixture{newRedisStore(t, DefaultRadiusKm)}) })
}

func pending(lat, lon float64) models.PendingOrder {
	return models.PendingOrder{
		Order: models.Order{
			LocationFrom: models.Coord{Lat: lat, Lon: lon},
			LocationTo:   models.Coord{Lat: lat + 1, Lon: lon + 1},
			Fare:         "usual",
			Price:        decimal.RequireFromString("100.00"),
		},
		Rider: "rider@example.com",
	}
}

func TestFindNearestWithinThreshold(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		require.NoError(t, s.Add(ctx, "order-1", pending(0, 0)))

		_, ok, err := s.FindNearest(ctx, "far-driver", models.Coord{Lat: 0, Lon: 5}, nil)
		require.NoError(t, err)
		assert.False(t, ok, "an order 555km away is outside the radius")

		m, ok, err := s.FindNearest(ctx, "near-driver", models.Coord{Lat: 0, Lon: 0.01}, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "order-1", m.SessionKey)
		assert.Equal(t, "rider@example.com", m.Rider)
		assert.Equal(t, "usual", m.Order.Fare)
		assert.True(t, m.Order.Price.Equal(decimal.NewFromInt(100)))
		assert.InDelta(t, 1.11, m.DistanceKm, 0.01)

		holder, reserved := s.reservedBy(t, "order-1")
		assert.True(t, reserved)
		assert.Equal(t, "near-driver", holder)
	})
}

func TestFindNearestPicksClosestAndReservesOnlyIt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		require.NoError(t, s.Add(ctx, "far", pending(0, 0.02)))
		require.NoError(t, s.Add(ctx, "near", pending(0, 0.001)))
		require.NoError(t, s.Add(ctx, "mid", pending(0, 0.01)))

		m, ok, err := s.FindNearest(ctx, "d1", models.Coord{Lat: 0, Lon: 0}, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "near", m.SessionKey)

		for _, key := range []string{"far", "mid"} {
			_, reserved := s.reservedBy(t, key)
			assert.False(t, reserved, "%s must not stay reserved", key)
		}

		// the reserved order is invisible to the next driver
		m, ok, err = s.FindNearest(ctx, "d2", models.Coord{Lat: 0, Lon: 0}, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "mid", m.SessionKey)
	})
}

func TestFindNearestHonoursExclusions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		require.NoError(t, s.Add(ctx, "a", pending(0, 0)))
		require.NoError(t, s.Add(ctx, "b", pending(0, 0.005)))

		m, ok, err := s.FindNearest(ctx, "d1", models.Coord{}, map[string]struct{}{"a": {}})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", m.SessionKey)

		_, ok, err = s.FindNearest(ctx, "d2", models.Coord{}, map[string]struct{}{"a": {}})
		require.NoError(t, err)
		assert.False(t, ok, "a is excluded and b is reserved")
	})
}

func TestFreeMakesOrderEligibleAgain(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		require.NoError(t, s.Add(ctx, "k", pending(0, 0)))
		_, ok, err := s.FindNearest(ctx, "d1", models.Coord{}, nil)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Free(ctx, "k"))
		_, reserved := s.reservedBy(t, "k")
		assert.False(t, reserved)

		m, ok, err := s.FindNearest(ctx, "d2", models.Coord{}, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "k", m.SessionKey)

		require.NoError(t, s.Free(ctx, "missing"), "freeing an unknown key is a no-op")
	})
}

func TestRemoveIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		require.NoError(t, s.Add(ctx, "k", pending(0, 0)))

		removed, err := s.Remove(ctx, "k")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Remove(ctx, "k")
		require.NoError(t, err)
		assert.False(t, removed)

		live, err := s.IsLive(ctx, "k")
		require.NoError(t, err)
		assert.False(t, live)

		_, ok, err := s.FindNearest(ctx, "d", models.Coord{}, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAddOverwritesAndClearsReservation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		require.NoError(t, s.Add(ctx, "k", pending(0, 0)))
		_, ok, err := s.FindNearest(ctx, "d1", models.Coord{}, nil)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Add(ctx, "k", pending(0, 0.001)))
		_, reserved := s.reservedBy(t, "k")
		assert.False(t, reserved)
	})
}

func TestConcurrentDriversNeverShareAnOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		const orders = 5
		const drivers = 20
		for i := 0; i < orders; i++ {
			require.NoError(t, s.Add(ctx, fmt.Sprintf("o%d", i), pending(0, float64(i)*0.001)))
		}

		var mu sync.Mutex
		winners := map[string][]string{}
		var wg sync.WaitGroup
		for d := 0; d < drivers; d++ {
			wg.Add(1)
			go func(driver string) {
				defer wg.Done()
				m, ok, err := s.FindNearest(ctx, driver, models.Coord{}, nil)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				winners[m.SessionKey] = append(winners[m.SessionKey], driver)
				mu.Unlock()
			}(fmt.Sprintf("d%d", d))
		}
		wg.Wait()

		assert.Len(t, winners, orders, "every order should be offered once")
		for key, ds := range winners {
			require.Len(t, ds, 1, "order %s offered to %v", key, ds)
			holder, reserved := s.reservedBy(t, key)
			assert.True(t, reserved)
			assert.Equal(t, ds[0], holder)
		}
	})
}

func TestOriginsBeyondGeoIndexAreRefused(t *testing.T) {
	forEachStore(t, func(t *testing.T, s reservations) {
		ctx := context.Background()
		err := s.Add(ctx, "polar", pending(89.5, 10))
		require.ErrorIs(t, err, ErrOutsideServiceArea)
		live, err := s.IsLive(ctx, "polar")
		require.NoError(t, err)
		assert.False(t, live)

		require.NoError(t, s.Add(ctx, "edge", pending(-85, 10)))
		m, ok, err := s.FindNearest(ctx, "d1", models.Coord{Lat: -85, Lon: 10.001}, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "edge", m.SessionKey)

		_, ok, err = s.FindNearest(ctx, "d2", models.Coord{Lat: 89.9, Lon: 10}, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
