package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/repository"
)

type replyRepository struct {
	db *sqlx.DB
}

func NewReplyRepository(db *sqlx.DB) repository.ReplyRepository {
	return &replyRepository{db: db}
}

func (r *replyRepository) ListLatest(ctx context.Context, patientNames []string) ([]*model.ReplyRow, error) {
	if len(patientNames) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT patient_name, reply, icon, created_at
		FROM doctor_replies
		WHERE patient_name IN (?)
		ORDER BY created_at DESC`, patientNames)
	if err != nil {
		return nil, fmt.Errorf("failed to build reply query: %w", err)
	}

	var rows []*model.ReplyRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list replies: %w", classify(err))
	}
	return rows, nil
}
