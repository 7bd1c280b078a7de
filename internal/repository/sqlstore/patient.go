package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
)

const patientColumns = `id, name, is_vip, is_new_patient, status, doctor_id, chair_number,
	display_order, is_staff_mode, is_consulting_mode, is_recovery_room,
	current_doctor_location, consulting_start_time, consulting_actual_start_time,
	reservation_time, request_detail, staff_notes, note_emphasized, created_at`

type patientRepository struct {
	BaseRepository
	changed func(model.Table)
}

func (r *patientRepository) List(ctx context.Context, filter model.PatientFilter) ([]*model.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients`
	var args []interface{}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		q, a, err := sqlx.In(query+` WHERE status IN (?)`, statuses)
		if err != nil {
			return nil, fmt.Errorf("failed to build patient query: %w", err)
		}
		query, args = q, a
	}
	query = r.db.Rebind(query + ` ORDER BY display_order, id`)

	var patients []*model.Patient
	if err := r.db.SelectContext(ctx, &patients, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", classify(err))
	}
	return patients, nil
}

func (r *patientRepository) Update(ctx context.Context, id int64, patch model.Patch) error {
	set, args, err := setClause(patch)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`UPDATE patients SET ` + set + ` WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update patient %d: %w", id, classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("patient %d: %w", id, repository.ErrNoRows)
	}
	r.changed(model.TablePatients)
	return nil
}

func (r *patientRepository) UpdateByDoctor(ctx context.Context, doctorID int64, patch model.Patch) error {
	set, args, err := setClause(patch)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`UPDATE patients SET ` + set + ` WHERE doctor_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, append(args, doctorID)...); err != nil {
		return fmt.Errorf("failed to update patients of doctor %d: %w", doctorID, classify(err))
	}
	r.changed(model.TablePatients)
	return nil
}

// SetDoctorLocation points every row of doctorID at patientID in one
// statement, so no reader sees two locations for the same doctor.
func (r *patientRepository) SetDoctorLocation(ctx context.Context, doctorID, patientID int64) error {
	query := r.db.Rebind(`
		UPDATE patients
		SET current_doctor_location = CASE WHEN id = ? THEN CAST(? AS BIGINT) ELSE NULL END
		WHERE doctor_id = ?`)
	res, err := r.db.ExecContext(ctx, query, patientID, doctorID, doctorID)
	if err != nil {
		return fmt.Errorf("failed to set location of doctor %d: %w", doctorID, classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("doctor %d: %w", doctorID, repository.ErrNoRows)
	}
	r.changed(model.TablePatients)
	return nil
}

func (r *patientRepository) WriteOrders(ctx context.Context, orders map[int64]int) error {
	if len(orders) == 0 {
		return nil
	}
	query := r.db.Rebind(`UPDATE patients SET display_order = ? WHERE id = ?`)
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		for id, order := range orders {
			if _, err := tx.ExecContext(ctx, query, order, id); err != nil {
				return fmt.Errorf("failed to write order of patient %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}
	r.changed(model.TablePatients)
	return nil
}

func setClause(patch model.Patch) (string, []interface{}, error) {
	if err := patch.Validate(); err != nil {
		return "", nil, fmt.Errorf("%w: %v", repository.ErrRejected, err)
	}
	cols := patch.Columns()
	parts := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		parts[i] = string(c) + ` = ?`
		v := patch.Value(c)
		if s, ok := v.(model.PatientStatus); ok {
			v = string(s)
		}
		args[i] = v
	}
	return strings.Join(parts, ", "), args, nil
}
