package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides, drivers and tracking sessions in postgres.
// Ride and driver updates carry a version predicate so the second writer of
// a race loses at commit time instead of overwriting the first.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	r.Version = 1
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, vehicle_type, pickup_location, dropoff_location, fare, distance_km, duration_min, driver_id, status, version, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, r.VehicleType, r.Pickup, nullStr(r.Dropoff), r.Fare, r.DistanceKm, r.DurationMin, nullStr(r.DriverID), r.Status, r.Version, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, rider_id, vehicle_type, pickup_location, COALESCE(dropoff_location,''), fare, distance_km, duration_min, COALESCE(driver_id,''), status, version, created_at, updated_at FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET pickup_location=$1, dropoff_location=$2, fare=$3, distance_km=$4, duration_min=$5, driver_id=$6, status=$7, version=version+1, updated_at=$8 WHERE id=$9 AND version=$10`,
		r.Pickup, nullStr(r.Dropoff), r.Fare, r.DistanceKm, r.DurationMin, nullStr(r.DriverID), r.Status, time.Now(), r.ID, expectedVersion)
	if err != nil {
		return err
	}
	return casOutcome(ctx, res, func() (bool, error) {
		var n int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id=$1`, r.ID).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	})
}

func (p *PostgresStore) ListRides(ctx context.Context) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, rider_id, vehicle_type, pickup_location, COALESCE(dropoff_location,''), fare, distance_km, duration_min, COALESCE(driver_id,''), status, version, created_at, updated_at FROM rides ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RidesByDriver(ctx context.Context, driverUserID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, rider_id, vehicle_type, pickup_location, COALESCE(dropoff_location,''), fare, distance_km, duration_min, COALESCE(driver_id,''), status, version, created_at, updated_at FROM rides WHERE driver_id=$1 ORDER BY created_at`, driverUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, rider_id, vehicle_type, pickup_location, COALESCE(dropoff_location,''), fare, distance_km, duration_min, COALESCE(driver_id,''), status, version, created_at, updated_at
		FROM rides WHERE rider_id=$1 AND status IN ('PENDING','ACCEPTED','IN_PROGRESS') ORDER BY created_at DESC LIMIT 1`, riderID)
	return scanRide(row)
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverUserID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, rider_id, vehicle_type, pickup_location, COALESCE(dropoff_location,''), fare, distance_km, duration_min, COALESCE(driver_id,''), status, version, created_at, updated_at
		FROM rides WHERE driver_id=$1 AND status IN ('PENDING','ACCEPTED','IN_PROGRESS') ORDER BY created_at DESC LIMIT 1`, driverUserID)
	return scanRide(row)
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	d.Version = 1
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, user_id, name, vehicle_type, number_plate, approved, status, version) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.UserID, d.Name, d.VehicleType, d.NumberPlate, d.Approved, d.Status, d.Version)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, user_id, name, vehicle_type, number_plate, approved, status, version FROM drivers WHERE id=$1`, id)
	return scanDriver(row)
}

func (p *PostgresStore) GetDriverByUserID(ctx context.Context, userID string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, user_id, name, vehicle_type, number_plate, approved, status, version FROM drivers WHERE user_id=$1`, userID)
	return scanDriver(row)
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, d *models.Driver, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET name=$1, vehicle_type=$2, number_plate=$3, approved=$4, status=$5, version=version+1 WHERE id=$6 AND version=$7`,
		d.Name, d.VehicleType, d.NumberPlate, d.Approved, d.Status, d.ID, expectedVersion)
	if err != nil {
		return err
	}
	return casOutcome(ctx, res, func() (bool, error) {
		var n int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM drivers WHERE id=$1`, d.ID).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	})
}

func (p *PostgresStore) ListDriversByStatus(ctx context.Context, status models.DriverStatus) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, name, vehicle_type, number_plate, approved, status, version FROM drivers WHERE status=$1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *models.TrackingSession) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO tracking_sessions(id, ride_id, driver_id, rider_id, start_time, end_time, status, created_by, driver_accepted, rider_accepted)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.RideID, s.DriverID, s.RiderID, s.StartTime, s.EndTime, s.Status, s.CreatedBy, s.DriverAccepted, s.RiderAccepted)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.TrackingSession, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, ride_id, driver_id, rider_id, start_time, end_time, status, created_by, driver_accepted, rider_accepted FROM tracking_sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (p *PostgresStore) ActiveSessionByRide(ctx context.Context, rideID string) (*models.TrackingSession, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, ride_id, driver_id, rider_id, start_time, end_time, status, created_by, driver_accepted, rider_accepted FROM tracking_sessions WHERE ride_id=$1 AND status='ACTIVE' LIMIT 1`, rideID)
	return scanSession(row)
}

func (p *PostgresStore) UpdateSession(ctx context.Context, s *models.TrackingSession) error {
	res, err := p.db.ExecContext(ctx, `UPDATE tracking_sessions SET end_time=$1, status=$2, driver_accepted=$3, rider_accepted=$4 WHERE id=$5`,
		s.EndTime, s.Status, s.DriverAccepted, s.RiderAccepted, s.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListSessionsByRide(ctx context.Context, rideID string) ([]*models.TrackingSession, error) {
	return p.listSessions(ctx, `ride_id=$1`, rideID)
}

func (p *PostgresStore) ListSessionsByDriver(ctx context.Context, driverID string) ([]*models.TrackingSession, error) {
	return p.listSessions(ctx, `driver_id=$1`, driverID)
}

func (p *PostgresStore) ListSessionsByRider(ctx context.Context, riderID string) ([]*models.TrackingSession, error) {
	return p.listSessions(ctx, `rider_id=$1`, riderID)
}

func (p *PostgresStore) listSessions(ctx context.Context, where string, arg any) ([]*models.TrackingSession, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, rider_id, start_time, end_time, status, created_by, driver_accepted, rider_accepted FROM tracking_sessions WHERE `+where+` ORDER BY start_time DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TrackingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.RiderID, &r.VehicleType, &r.Pickup, &r.Dropoff, &r.Fare, &r.DistanceKm, &r.DurationMin, &r.DriverID, &r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.VehicleType, &d.NumberPlate, &d.Approved, &d.Status, &d.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanSession(row rowScanner) (*models.TrackingSession, error) {
	var s models.TrackingSession
	err := row.Scan(&s.ID, &s.RideID, &s.DriverID, &s.RiderID, &s.StartTime, &s.EndTime, &s.Status, &s.CreatedBy, &s.DriverAccepted, &s.RiderAccepted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// casOutcome classifies a zero-row UPDATE: the row either vanished
// (not found) or its version moved under us (conflict).
func casOutcome(ctx context.Context, res sql.Result, exists func() (bool, error)) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := exists()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
