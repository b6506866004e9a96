package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/lessonbook/internal/model"
)

// PostgresAvailabilityRepo はPostgreSQLを使用した受講可能時間帯リポジトリ。
type PostgresAvailabilityRepo struct {
	db *sqlx.DB
}

// NewPostgresAvailabilityRepo はPostgresAvailabilityRepoを生成する。
func NewPostgresAvailabilityRepo(db *sqlx.DB) *PostgresAvailabilityRepo {
	return &PostgresAvailabilityRepo{db: db}
}

// ListByTeacher は講師の受講可能時間帯を返す。
func (r *PostgresAvailabilityRepo) ListByTeacher(ctx context.Context, teacherID string) ([]*model.Availability, error) {
	slots := []*model.Availability{}
	err := r.db.SelectContext(ctx, &slots,
		`SELECT id, teacher_id, day_of_week, start_time, end_time, active, created_at
		 FROM teacher_availability
		 WHERE teacher_id = $1
		 ORDER BY day_of_week ASC, start_time ASC`,
		teacherID,
	)
	if err != nil {
		return nil, fmt.Errorf("受講可能時間帯の取得に失敗しました: %w", err)
	}
	return slots, nil
}

// ReplaceForTeacher は講師の受講可能時間帯を置き換える。
func (r *PostgresAvailabilityRepo) ReplaceForTeacher(ctx context.Context, teacherID string, slots []*model.Availability) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM teacher_availability WHERE teacher_id = $1`,
		teacherID,
	); err != nil {
		return fmt.Errorf("受講可能時間帯の削除に失敗しました: %w", err)
	}

	for _, slot := range slots {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO teacher_availability (id, teacher_id, day_of_week, start_time, end_time, active, created_at)
			 VALUES (:id, :teacher_id, :day_of_week, :start_time, :end_time, :active, :created_at)`,
			slot,
		); err != nil {
			return fmt.Errorf("受講可能時間帯の作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AvailabilityRepository = (*PostgresAvailabilityRepo)(nil)
