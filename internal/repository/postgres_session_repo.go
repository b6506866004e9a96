package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/lessonbook/internal/model"
)

const sessionColumns = `id, subscription_id, student_id, teacher_id, scheduled_at, duration_minutes,
	ends_at, status, meeting_link, calendar_event_id, calendar_link, document_id, document_link,
	teacher_notes, cancellation_reason, cancelled_by, reminder_sent,
	created_at, updated_at, completed_at, cancelled_at`

const insertSessionSQL = `INSERT INTO sessions (
	id, subscription_id, student_id, teacher_id, scheduled_at, duration_minutes, ends_at,
	status, meeting_link, created_at, updated_at
) VALUES (
	:id, :subscription_id, :student_id, :teacher_id, :scheduled_at, :duration_minutes, :ends_at,
	:status, :meeting_link, :created_at, :updated_at
)`

// 一覧取得件数のデフォルトと上限
const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// PostgresSessionRepo はPostgreSQLを使用したレッスンリポジトリ。
type PostgresSessionRepo struct {
	db *sqlx.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sqlx.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.GetContext(ctx, session,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	return session, nil
}

// CreateBatch は複数のセッションを1トランザクションで作成する。
// 排他制約違反（同一講師の時間帯重複）は ErrOverlap として返す。
func (r *PostgresSessionRepo) CreateBatch(ctx context.Context, sessions []*model.Session) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, s := range sessions {
		if _, err := tx.NamedExecContext(ctx, insertSessionSQL, s); err != nil {
			if isExclusionViolation(err) {
				return fmt.Errorf("セッション %s の作成に失敗しました: %w", s.ScheduledAt.UTC().Format(time.RFC3339), ErrOverlap)
			}
			return fmt.Errorf("セッションの作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isExclusionViolation(err) {
			return fmt.Errorf("セッションの作成に失敗しました: %w", ErrOverlap)
		}
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// HasOverlap は講師のキャンセル以外のセッションが [start, end) と重なるかを返す。
func (r *PostgresSessionRepo) HasOverlap(ctx context.Context, teacherID string, start, end time.Time) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE teacher_id = $1
			  AND status <> 'cancelled'
			  AND scheduled_at < $3
			  AND ends_at > $2
		)`,
		teacherID, start, end,
	)
	if err != nil {
		return false, fmt.Errorf("講師の予定重複の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// List はフィルタ条件に一致するセッションを scheduled_at 昇順で返す。
func (r *PostgresSessionRepo) List(ctx context.Context, filter model.SessionFilter) ([]*model.Session, error) {
	var (
		conds []string
		args  []any
	)
	if filter.StudentID != "" {
		conds = append(conds, "student_id = ?")
		args = append(args, filter.StudentID)
	}
	if filter.TeacherID != "" {
		conds = append(conds, "teacher_id = ?")
		args = append(args, filter.TeacherID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		conds = append(conds, "scheduled_at >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conds = append(conds, "scheduled_at < ?")
		args = append(args, *filter.To)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY scheduled_at ASC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	sessions := []*model.Session{}
	if err := r.db.SelectContext(ctx, &sessions, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗しました: %w", err)
	}
	return sessions, nil
}

// Transition はステータスを条件付きで更新する。
// 現在のステータスが t.From でない場合は更新せずfalseを返す。
func (r *PostgresSessionRepo) Transition(ctx context.Context, id string, t StatusTransition) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET
			status = $3,
			cancellation_reason = COALESCE($4, cancellation_reason),
			cancelled_by = COALESCE($5, cancelled_by),
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $6 ELSE cancelled_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN $6 ELSE completed_at END,
			updated_at = $6
		 WHERE id = $1 AND status = $2`,
		id, string(t.From), string(t.To), t.Reason, t.CancelledBy, t.At,
	)
	if err != nil {
		return false, fmt.Errorf("セッションのステータス更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("セッションのステータス更新結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// CancelByIDs は scheduled 状態の指定セッションをキャンセル済みにする。
func (r *PostgresSessionRepo) CancelByIDs(ctx context.Context, ids []string, reason string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE sessions
		 SET status = 'cancelled', cancellation_reason = ?, cancelled_at = ?, updated_at = ?
		 WHERE status = 'scheduled' AND id IN (?)`,
		reason, at, at, ids,
	)
	if err != nil {
		return fmt.Errorf("キャンセルクエリの構築に失敗しました: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("セッションのキャンセルに失敗しました: %w", err)
	}
	return nil
}

// UpdateLinks は副作用処理で生成したリンク類を保存する。
func (r *PostgresSessionRepo) UpdateLinks(ctx context.Context, id string, links model.SessionLinks) error {
	if links.Empty() {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET
			meeting_link = COALESCE($2, meeting_link),
			calendar_event_id = COALESCE($3, calendar_event_id),
			calendar_link = COALESCE($4, calendar_link),
			document_id = COALESCE($5, document_id),
			document_link = COALESCE($6, document_link),
			updated_at = now()
		 WHERE id = $1`,
		id, links.MeetingLink, links.CalendarEventID, links.CalendarLink, links.DocumentID, links.DocumentLink,
	)
	if err != nil {
		return fmt.Errorf("セッションのリンク更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateNotes は講師メモを更新する。
func (r *PostgresSessionRepo) UpdateNotes(ctx context.Context, id, notes string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET teacher_notes = $2, updated_at = $3 WHERE id = $1`,
		id, notes, at,
	)
	if err != nil {
		return fmt.Errorf("講師メモの更新に失敗しました: %w", err)
	}
	return nil
}

// ListDueForReminder はリマインダー送信対象のセッションを取得する。
func (r *PostgresSessionRepo) ListDueForReminder(ctx context.Context, from, until time.Time, limit int) ([]*model.Session, error) {
	sessions := []*model.Session{}
	err := r.db.SelectContext(ctx, &sessions,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE status = 'scheduled'
		   AND reminder_sent = false
		   AND scheduled_at >= $1
		   AND scheduled_at < $2
		 ORDER BY scheduled_at ASC
		 LIMIT $3`,
		from, until, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("リマインダー対象セッションの取得に失敗しました: %w", err)
	}
	return sessions, nil
}

// MarkReminderSent はリマインダー送信済みフラグを立てる。
func (r *PostgresSessionRepo) MarkReminderSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET reminder_sent = true, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("リマインダー送信済みフラグの更新に失敗しました: %w", err)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
