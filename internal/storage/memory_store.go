package storage

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/payments"
)

// MemoryStore is the in-process ledger and driver directory used when no
// database is configured. Riders it has not seen start with defaultBalance.
type MemoryStore struct {
	mu             sync.RWMutex
	defaultBalance decimal.Decimal
	balances       map[string]decimal.Decimal
	cars           map[string]models.Car
}

func NewMemoryStore(defaultBalance decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		defaultBalance: defaultBalance,
		balances:       make(map[string]decimal.Decimal),
		cars:           make(map[string]models.Car),
	}
}

func (m *MemoryStore) SetBalance(rider string, amount decimal.Decimal) {
	m.mu.Lock()
	m.balances[rider] = amount
	m.mu.Unlock()
}

func (m *MemoryStore) Balance(rider string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(rider)
}

func (m *MemoryStore) balanceLocked(rider string) decimal.Decimal {
	if b, ok := m.balances[rider]; ok {
		return b
	}
	return m.defaultBalance
}

func (m *MemoryStore) SetCar(driverID string, car models.Car) {
	m.mu.Lock()
	m.cars[driverID] = car
	m.mu.Unlock()
}

func (m *MemoryStore) CheckSolvency(_ context.Context, _, rider string, amount decimal.Decimal) (bool, error) {
	return m.Balance(rider).GreaterThanOrEqual(amount), nil
}

func (m *MemoryStore) Withdraw(_ context.Context, _, rider string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balanceLocked(rider)
	if b.LessThan(amount) {
		return payments.ErrInsufficientFunds
	}
	m.balances[rider] = b.Sub(amount)
	return nil
}

func (m *MemoryStore) DriverProfile(_ context.Context, driverID string) (models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := models.DriverProfile{ID: driverID}
	if car, ok := m.cars[driverID]; ok {
		c := car
		p.Car = &c
	}
	return p, nil
}
