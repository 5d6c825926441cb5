package orders

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
)

// MemoryStore keeps pending orders in process. records and keys always hold
// the same key set; keys exists so exclusion is a cheap set difference.
type MemoryStore struct {
	mu       sync.Mutex
	radiusKm float64
	records  map[string]*models.PendingOrder
	keys     map[string]struct{}
}

func NewMemoryStore(radiusKm float64) *MemoryStore {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	return &MemoryStore{
		radiusKm: radiusKm,
		records:  make(map[string]*models.PendingOrder),
		keys:     make(map[string]struct{}),
	}
}

func (m *MemoryStore) Add(_ context.Context, key string, rec models.PendingOrder) error {
	if !indexable(rec.Order.LocationFrom) {
		return fmt.Errorf("add pending order %s: %w", key, ErrOutsideServiceArea)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ReservedBy = ""
	m.records[key] = &rec
	m.keys[key] = struct{}{}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	delete(m.keys, key)
	delete(m.records, key)
	return ok, nil
}

func (m *MemoryStore) Free(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		rec.ReservedBy = ""
	}
	return nil
}

func (m *MemoryStore) IsLive(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

// ReservedBy returns the driver currently holding key, if any.
func (m *MemoryStore) ReservedBy(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.ReservedBy == "" {
		return "", false
	}
	return rec.ReservedBy, true
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *MemoryStore) FindNearest(_ context.Context, driverID string, loc models.Coord, exclude map[string]struct{}) (Match, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := Match{DistanceKm: m.radiusKm}
	found := false
	for key := range m.keys {
		if _, skip := exclude[key]; skip {
			continue
		}
		rec := m.records[key]
		if rec.ReservedBy != "" {
			continue
		}
		dist := geo.DistanceKm(rec.Order.LocationFrom, loc)
		if dist >= best.DistanceKm {
			continue
		}
		// hand back the previous candidate before staking out the closer one
		if found {
			m.records[best.SessionKey].ReservedBy = ""
		}
		rec.ReservedBy = driverID
		best = Match{SessionKey: key, Order: rec.Order, Rider: rec.Rider, DistanceKm: dist}
		found = true
	}
	if !found {
		return Match{}, false, nil
	}
	return best, true, nil
}
