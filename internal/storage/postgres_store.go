package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies a schema script, e.g. migrations/001_create_rides.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

const upsertRide = `INSERT INTO rides (
	id, passenger_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	vehicle_type, fare, status, cancelled_by, created_at, started_at, ended_at, cancelled_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id,
	fare = EXCLUDED.fare,
	status = EXCLUDED.status,
	cancelled_by = EXCLUDED.cancelled_by,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at,
	cancelled_at = EXCLUDED.cancelled_at`

func (p *PostgresStore) SaveRide(ctx context.Context, r models.RideSession) error {
	_, err := p.db.ExecContext(ctx, upsertRide,
		r.RideID, r.PassengerID, nullString(r.DriverID),
		r.PickupLocation.Lat, r.PickupLocation.Lng, r.DropoffLocation.Lat, r.DropoffLocation.Lng,
		r.VehicleType, r.Fare, string(r.Status), nullString(string(r.CancelledBy)),
		r.CreatedAt, r.StartedAt, r.EndedAt, r.CancelledAt)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
