package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hitoshi/lessonbook/internal/model"
)

const jobColumns = `id, kind, session_ids, status, attempts, last_error, step_log, payload,
	next_run_at, locked_until, created_at, updated_at`

// jobRow は side_effect_jobs テーブルの1行を表す。
// JSONB と配列カラムをモデルへ変換するために使用する。
type jobRow struct {
	ID          string         `db:"id"`
	Kind        string         `db:"kind"`
	SessionIDs  pq.StringArray `db:"session_ids"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	LastError   string         `db:"last_error"`
	StepLog     string         `db:"step_log"`
	Payload     string         `db:"payload"`
	NextRunAt   time.Time      `db:"next_run_at"`
	LockedUntil *time.Time     `db:"locked_until"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func newJobRow(job *model.SideEffectJob) (*jobRow, error) {
	stepLog := job.StepLog
	if stepLog == nil {
		stepLog = map[string]string{}
	}
	stepLogJSON, err := json.Marshal(stepLog)
	if err != nil {
		return nil, fmt.Errorf("ステップログのエンコードに失敗しました: %w", err)
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err)
	}
	return &jobRow{
		ID:          job.ID,
		Kind:        string(job.Kind),
		SessionIDs:  pq.StringArray(job.SessionIDs),
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		LastError:   job.LastError,
		StepLog:     string(stepLogJSON),
		Payload:     string(payloadJSON),
		NextRunAt:   job.NextRunAt,
		LockedUntil: job.LockedUntil,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

func (row *jobRow) toModel() (*model.SideEffectJob, error) {
	job := &model.SideEffectJob{
		ID:          row.ID,
		Kind:        model.JobKind(row.Kind),
		SessionIDs:  []string(row.SessionIDs),
		Status:      model.JobStatus(row.Status),
		Attempts:    row.Attempts,
		LastError:   row.LastError,
		StepLog:     map[string]string{},
		NextRunAt:   row.NextRunAt,
		LockedUntil: row.LockedUntil,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if len(row.StepLog) > 0 {
		if err := json.Unmarshal([]byte(row.StepLog), &job.StepLog); err != nil {
			return nil, fmt.Errorf("ステップログのデコードに失敗しました: %w", err)
		}
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal([]byte(row.Payload), &job.Payload); err != nil {
			return nil, fmt.Errorf("ペイロードのデコードに失敗しました: %w", err)
		}
	}
	return job, nil
}

// PostgresJobRepo はPostgreSQLを使用した副作用ジョブリポジトリ。
type PostgresJobRepo struct {
	db *sqlx.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sqlx.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

// Create はジョブを作成する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.SideEffectJob) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx,
		`INSERT INTO side_effect_jobs (`+jobColumns+`)
		 VALUES (:id, :kind, :session_ids, :status, :attempts, :last_error, :step_log, :payload,
		         :next_run_at, :locked_until, :created_at, :updated_at)`,
		row,
	)
	if err != nil {
		return fmt.Errorf("副作用ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// ClaimDue は実行期限を迎えたジョブを排他的に取得してリースする。
// 複数ワーカーが同時に実行しても同じジョブを取得しないよう FOR UPDATE SKIP LOCKED を使用する。
func (r *PostgresJobRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.SideEffectJob, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows := []*jobRow{}
	err = tx.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+`
		 FROM side_effect_jobs
		 WHERE (status IN ('pending', 'failed') AND next_run_at <= $1)
		    OR (status = 'running' AND locked_until < $1)
		 ORDER BY next_run_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象ジョブの取得に失敗しました: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	lockedUntil := now.Add(lease)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE side_effect_jobs
		 SET status = 'running', locked_until = $2, updated_at = $3
		 WHERE id = ANY($1)`,
		pq.Array(ids), lockedUntil, now,
	); err != nil {
		return nil, fmt.Errorf("ジョブのリース取得に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	jobs := make([]*model.SideEffectJob, 0, len(rows))
	for _, row := range rows {
		job, err := row.toModel()
		if err != nil {
			return nil, err
		}
		job.Status = model.JobStatusRunning
		job.LockedUntil = &lockedUntil
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Update はジョブの実行結果を保存する。
func (r *PostgresJobRepo) Update(ctx context.Context, job *model.SideEffectJob) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx,
		`UPDATE side_effect_jobs SET
			status = :status,
			attempts = :attempts,
			last_error = :last_error,
			step_log = :step_log,
			payload = :payload,
			next_run_at = :next_run_at,
			locked_until = :locked_until,
			updated_at = :updated_at
		 WHERE id = :id`,
		row,
	)
	if err != nil {
		return fmt.Errorf("副作用ジョブの更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteFinishedBefore は完了済み・放棄済みの古いジョブを削除する。
func (r *PostgresJobRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM side_effect_jobs WHERE status IN ('done', 'dead') AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("古い副作用ジョブの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
