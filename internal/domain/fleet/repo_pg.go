package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resqlink/resqlink/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// -- Hospital --

type hospitalRepoPG struct{ pool *pgxpool.Pool }

func NewHospitalRepoPG(pool *pgxpool.Pool) HospitalRepository { return &hospitalRepoPG{pool: pool} }

const hospitalCols = `id, name, address, phone, latitude, longitude, available_beds, active, created_at, updated_at`

func scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.Phone, &h.Latitude, &h.Longitude,
		&h.AvailableBeds, &h.Active, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &h, err
}

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	h.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO hospital (id, name, address, phone, latitude, longitude, available_beds, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		h.ID, h.Name, h.Address, h.Phone, h.Latitude, h.Longitude, h.AvailableBeds, h.Active, h.CreatedAt, h.UpdatedAt)
	return err
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return scanHospital(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE id = $1`, id))
}

func (r *hospitalRepoPG) Update(ctx context.Context, h *Hospital) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE hospital SET name=$2, address=$3, phone=$4, latitude=$5, longitude=$6,
			available_beds=$7, active=$8, updated_at=$9
		WHERE id = $1`,
		h.ID, h.Name, h.Address, h.Phone, h.Latitude, h.Longitude, h.AvailableBeds, h.Active, h.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *hospitalRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Hospital, int, error) {
	where := `TRUE`
	if activeOnly {
		where = `active = TRUE`
	}
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM hospital WHERE `+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE `+where+`
		ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectHospitals(rows)
	return items, total, err
}

func (r *hospitalRepoPG) ListActive(ctx context.Context) ([]*Hospital, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE active = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHospitals(rows)
}

func collectHospitals(rows pgx.Rows) ([]*Hospital, error) {
	var items []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

// -- Ambulance --

type ambulanceRepoPG struct{ pool *pgxpool.Pool }

func NewAmbulanceRepoPG(pool *pgxpool.Pool) AmbulanceRepository { return &ambulanceRepoPG{pool: pool} }

const ambulanceCols = `id, call_sign, driver_name, driver_phone, driver_user_id, latitude, longitude,
	available, location_updated_at, created_at, updated_at`

func scanAmbulance(row pgx.Row) (*Ambulance, error) {
	var a Ambulance
	err := row.Scan(&a.ID, &a.CallSign, &a.DriverName, &a.DriverPhone, &a.DriverUserID,
		&a.Latitude, &a.Longitude, &a.Available, &a.LocationUpdatedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *ambulanceRepoPG) Create(ctx context.Context, a *Ambulance) error {
	a.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO ambulance (id, call_sign, driver_name, driver_phone, driver_user_id, latitude, longitude,
			available, location_updated_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.CallSign, a.DriverName, a.DriverPhone, a.DriverUserID, a.Latitude, a.Longitude,
		a.Available, a.LocationUpdatedAt, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrValidation
	}
	return err
}

func (r *ambulanceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ambulance, error) {
	return scanAmbulance(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+ambulanceCols+` FROM ambulance WHERE id = $1`, id))
}

func (r *ambulanceRepoPG) List(ctx context.Context, availableOnly bool, limit, offset int) ([]*Ambulance, int, error) {
	where := `TRUE`
	if availableOnly {
		where = `available = TRUE`
	}
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM ambulance WHERE `+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+ambulanceCols+` FROM ambulance WHERE `+where+`
		ORDER BY call_sign LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Ambulance
	for rows.Next() {
		a, err := scanAmbulance(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *ambulanceRepoPG) SetAvailable(ctx context.Context, id uuid.UUID, available bool, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE ambulance SET available = $2, updated_at = $3 WHERE id = $1`, id, available, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ambulanceRepoPG) Claim(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE ambulance SET available = FALSE, updated_at = $2 WHERE id = $1 AND available`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrBusy
}

func (r *ambulanceRepoPG) UpdateLocation(ctx context.Context, id uuid.UUID, lat, lng float64, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE ambulance SET latitude = $2, longitude = $3, location_updated_at = $4, updated_at = $4
		WHERE id = $1`, id, lat, lng, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
