package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate applies a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO ride_requests (id, rider_id, pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
	ride_type, fare_total, fare_currency, distance_m, duration_s, route_degraded, status, candidates,
	current_index, attempt_count, max_attempts, driver_id, ride_id, failure_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	current_index = EXCLUDED.current_index,
	attempt_count = EXCLUDED.attempt_count,
	driver_id = EXCLUDED.driver_id,
	ride_id = EXCLUDED.ride_id,
	failure_reason = EXCLUDED.failure_reason,
	updated_at = EXCLUDED.updated_at
WHERE ride_requests.updated_at <= EXCLUDED.updated_at`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address, r.Destination.Lat, r.Destination.Lon, r.Destination.Address,
		string(r.RideType), r.EstimatedFare.Total, r.EstimatedFare.Currency, r.DistanceMeters, r.DurationSeconds, r.RouteDegraded,
		string(r.Status), pq.Array(r.Candidates), r.CurrentIndex, r.AttemptCount, r.MaxAttempts,
		nullString(r.DriverID), nullString(r.RideID), nullString(r.FailureReason), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o models.Offer) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO offers (request_id, seq, driver_id, status, sent_at, deadline, resolved_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (request_id, seq) DO UPDATE SET
	status = EXCLUDED.status,
	resolved_at = EXCLUDED.resolved_at
WHERE offers.status = 'pending'`,
		o.RequestID, o.Seq, o.DriverID, string(o.Status), o.SentAt, o.Deadline, nullTime(o.ResolvedAt))
	if err != nil {
		return fmt.Errorf("save offer %s/%d: %w", o.RequestID, o.Seq, err)
	}
	return nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO rides (id, request_id, rider_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon, ride_type,
	phase, fare_total, fare_currency, cancelled_by, created_at, started_at, completed_at, cancelled_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
	phase = EXCLUDED.phase,
	cancelled_by = EXCLUDED.cancelled_by,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at,
	cancelled_at = EXCLUDED.cancelled_at,
	updated_at = EXCLUDED.updated_at
WHERE rides.updated_at <= EXCLUDED.updated_at`,
		r.ID, r.RequestID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.RideType), string(r.Phase), r.Fare.Total, r.Fare.Currency, nullString(r.CancelledBy), r.CreatedAt,
		nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) RecordSample(ctx context.Context, s models.LocationSample) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO location_samples (driver_id, ride_id, lat, lon, accuracy_m, speed_mps, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.DriverID, nullString(s.RideID), s.Loc.Lat, s.Loc.Lon, s.AccuracyMeters, s.SpeedMps, s.RecordedAt)
	if err != nil {
		return fmt.Errorf("record sample for %s: %w", s.DriverID, err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) pq.NullTime {
	return pq.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
