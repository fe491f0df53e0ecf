package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resqlink/resqlink/internal/platform/db"
	"github.com/resqlink/resqlink/internal/platform/geo"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type emergencyRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &emergencyRepoPG{pool: pool} }

func (r *emergencyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const emergencyCols = `id, patient_id, patient_name, patient_phone, patient_push_token,
	ambulance_id, hospital_id, latitude, longitude, hospital_latitude, hospital_longitude,
	description, priority, status, awaiting_confirmation,
	patient_confirmed_arrival, patient_confirmed_arrival_at,
	patient_confirmed_completion, patient_confirmed_completion_at, confirmed_by,
	assigned_at, enroute_at, arrived_at_scene_at, patient_loaded_at,
	enroute_to_hospital_at, arrived_at_hospital_at, completed_at, cancelled_at,
	version, created_at, updated_at`

// haversineSQL mirrors geo.Distance; $1/$2 are the reference lat/lng.
// The asin argument is clamped to 1 as rounding can exceed it for
// near-antipodal points.
const haversineSQL = `(2 * 6371 * asin(least(1, sqrt(
	power(sin(radians(latitude - $1) / 2), 2) +
	cos(radians($1)) * cos(radians(latitude)) * power(sin(radians(longitude - $2) / 2), 2)))))`

func scanEmergency(row pgx.Row) (*Emergency, error) {
	var e Emergency
	err := row.Scan(&e.ID, &e.PatientID, &e.PatientName, &e.PatientPhone, &e.PatientPushToken,
		&e.AmbulanceID, &e.HospitalID, &e.Latitude, &e.Longitude, &e.HospitalLat, &e.HospitalLng,
		&e.Description, &e.Priority, &e.Status, &e.AwaitingConfirmation,
		&e.PatientConfirmedArrival, &e.PatientConfirmedArrivalAt,
		&e.PatientConfirmedCompletion, &e.PatientConfirmedCompletionAt, &e.ConfirmedBy,
		&e.AssignedAt, &e.EnrouteAt, &e.ArrivedAtSceneAt, &e.PatientLoadedAt,
		&e.EnrouteToHospitalAt, &e.ArrivedAtHospitalAt, &e.CompletedAt, &e.CancelledAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

func (r *emergencyRepoPG) Create(ctx context.Context, e *Emergency) error {
	e.ID = uuid.New()
	e.Version = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO emergency (id, patient_id, patient_name, patient_phone, patient_push_token,
			latitude, longitude, description, priority, status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.PatientID, e.PatientName, e.PatientPhone, e.PatientPushToken,
		e.Latitude, e.Longitude, e.Description, e.Priority, e.Status, e.Version, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// emergency_one_active_per_patient guards the race between two creates.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrActiveEmergencyExists, e.PatientID)
		}
		return err
	}
	return nil
}

func (r *emergencyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Emergency, error) {
	return scanEmergency(r.conn(ctx).QueryRow(ctx, `SELECT `+emergencyCols+` FROM emergency WHERE id = $1`, id))
}

func (r *emergencyRepoPG) Update(ctx context.Context, e *Emergency, expectedVersion int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE emergency SET ambulance_id=$3, hospital_id=$4, hospital_latitude=$5, hospital_longitude=$6,
			status=$7, awaiting_confirmation=$8,
			patient_confirmed_arrival=$9, patient_confirmed_arrival_at=$10,
			patient_confirmed_completion=$11, patient_confirmed_completion_at=$12, confirmed_by=$13,
			assigned_at=$14, enroute_at=$15, arrived_at_scene_at=$16, patient_loaded_at=$17,
			enroute_to_hospital_at=$18, arrived_at_hospital_at=$19, completed_at=$20, cancelled_at=$21,
			updated_at=$22, version = version + 1
		WHERE id = $1 AND version = $2`,
		e.ID, expectedVersion, e.AmbulanceID, e.HospitalID, e.HospitalLat, e.HospitalLng,
		e.Status, e.AwaitingConfirmation,
		e.PatientConfirmedArrival, e.PatientConfirmedArrivalAt,
		e.PatientConfirmedCompletion, e.PatientConfirmedCompletionAt, e.ConfirmedBy,
		e.AssignedAt, e.EnrouteAt, e.ArrivedAtSceneAt, e.PatientLoadedAt,
		e.EnrouteToHospitalAt, e.ArrivedAtHospitalAt, e.CompletedAt, e.CancelledAt,
		e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, e.ID, expectedVersion)
	}
	e.Version = expectedVersion + 1
	return nil
}

func (r *emergencyRepoPG) GetActiveByPatient(ctx context.Context, patientID string) (*Emergency, error) {
	return scanEmergency(r.conn(ctx).QueryRow(ctx, `SELECT `+emergencyCols+` FROM emergency
		WHERE patient_id = $1 AND status NOT IN ('completed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`, patientID))
}

func (r *emergencyRepoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*Emergency, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM emergency WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM emergency WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		emergencyCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collect(rows)
	return items, total, err
}

func collect(rows pgx.Rows) ([]*Emergency, error) {
	var items []*Emergency
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *emergencyRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Emergency, int, error) {
	return r.list(ctx, `patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *emergencyRepoPG) ListByAmbulance(ctx context.Context, ambulanceID uuid.UUID, limit, offset int) ([]*Emergency, int, error) {
	return r.list(ctx, `ambulance_id = $1`, []interface{}{ambulanceID}, limit, offset)
}

func (r *emergencyRepoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Emergency, int, error) {
	return r.list(ctx, `hospital_id = $1`, []interface{}{hospitalID}, limit, offset)
}

func (r *emergencyRepoPG) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Emergency, int, error) {
	return r.list(ctx, `status = $1`, []interface{}{status}, limit, offset)
}

func (r *emergencyRepoPG) ListPendingNear(ctx context.Context, near geo.Point, limit, offset int) ([]*Emergency, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM emergency WHERE status = 'pending'`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+emergencyCols+` FROM emergency
		WHERE status = 'pending'
		ORDER BY `+haversineSQL+` ASC, created_at ASC LIMIT $3 OFFSET $4`,
		near.Lat, near.Lng, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collect(rows)
	return items, total, err
}

func (r *emergencyRepoPG) ListAwaitingSince(ctx context.Context, cutoff time.Time, limit int) ([]*Emergency, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+emergencyCols+` FROM emergency
		WHERE awaiting_confirmation = TRUE AND updated_at <= $1
		ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *emergencyRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Emergency, int, error) {
	where := `1=1`
	var args []interface{}
	idx := 1

	for _, f := range []struct {
		param, column string
		isUUID        bool
	}{
		{"patient_id", "patient_id", false},
		{"ambulance_id", "ambulance_id", true},
		{"hospital_id", "hospital_id", true},
		{"status", "status", false},
		{"priority", "priority", false},
	} {
		p, ok := params[f.param]
		if !ok || p == "" {
			continue
		}
		if f.isUUID {
			id, err := uuid.Parse(p)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: %s must be a uuid", ErrValidation, f.param)
			}
			where += fmt.Sprintf(` AND %s = $%d`, f.column, idx)
			args = append(args, id)
		} else {
			where += fmt.Sprintf(` AND %s::text = $%d`, f.column, idx)
			args = append(args, p)
		}
		idx++
	}
	if p, ok := params["active"]; ok && p == "true" {
		where += ` AND status NOT IN ('completed', 'cancelled')`
	}

	return r.list(ctx, where, args, limit, offset)
}

// -- Status History --

func (r *emergencyRepoPG) AddStatusHistory(ctx context.Context, h *StatusHistory) error {
	h.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO emergency_status_history (id, emergency_id, from_status, to_status, actor, actor_id, changed_at, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.EmergencyID, h.FromStatus, h.ToStatus, h.Actor, h.ActorID, h.ChangedAt, h.Note)
	return err
}

func (r *emergencyRepoPG) GetStatusHistory(ctx context.Context, emergencyID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, emergency_id, from_status, to_status, actor, actor_id, changed_at, note
		FROM emergency_status_history WHERE emergency_id = $1 ORDER BY changed_at ASC`, emergencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.EmergencyID, &h.FromStatus, &h.ToStatus, &h.Actor, &h.ActorID, &h.ChangedAt, &h.Note); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}
