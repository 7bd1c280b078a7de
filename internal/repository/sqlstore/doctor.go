package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
)

type doctorRepository struct {
	db *sqlx.DB
}

func NewDoctorRepository(db *sqlx.DB) repository.DoctorRepository {
	return &doctorRepository{db: db}
}

func (r *doctorRepository) List(ctx context.Context) ([]*model.Doctor, error) {
	var doctors []*model.Doctor
	if err := r.db.SelectContext(ctx, &doctors, `SELECT id, name FROM doctors ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list doctors: %w", classify(err))
	}
	return doctors, nil
}
