package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/payments"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps rider balances and driver cars.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every file is
// idempotent, so running it on each start is safe.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	applied := make([]string, 0, len(names))
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// CheckSolvency reports whether the rider's balance covers amount. Unknown
// riders are not solvent.
func (p *PostgresStore) CheckSolvency(ctx context.Context, _, rider string, amount decimal.Decimal) (bool, error) {
	var balance decimal.Decimal
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE rider_id = $1`, rider).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read balance: %w", err)
	}
	return balance.GreaterThanOrEqual(amount), nil
}

func (p *PostgresStore) Withdraw(ctx context.Context, _, rider string, amount decimal.Decimal) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = now() WHERE rider_id = $2 AND balance >= $1`,
		amount, rider)
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	if n == 0 {
		return payments.ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresStore) StripeCustomer(ctx context.Context, rider string) (string, error) {
	var id sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT stripe_customer_id FROM accounts WHERE rider_id = $1`, rider).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read customer: %w", err)
	}
	return id.String, nil
}

func (p *PostgresStore) DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	profile := models.DriverProfile{ID: driverID}
	var carMake, model, color, number sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT car_make, car_model, car_color, car_state_number FROM drivers WHERE driver_id = $1`,
		driverID).Scan(&carMake, &model, &color, &number)
	if errors.Is(err, sql.ErrNoRows) {
		return profile, nil
	}
	if err != nil {
		return profile, fmt.Errorf("read driver: %w", err)
	}
	if carMake.Valid || model.Valid || number.Valid {
		profile.Car = &models.Car{Make: carMake.String, Model: model.String, Color: color.String, StateNumber: number.String}
	}
	return profile, nil
}
