package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/lessonbook/internal/model"
)

const subscriptionColumns = `id, student_id, status, starts_at, ends_at,
	sessions_total, sessions_used, created_at, updated_at`

// PostgresSubscriptionRepo はPostgreSQLを使用したサブスクリプションリポジトリ。
type PostgresSubscriptionRepo struct {
	db *sqlx.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sqlx.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// FindByID は指定IDのサブスクリプションを取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.GetContext(ctx, sub,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("サブスクリプションの取得に失敗しました: %w", err)
	}
	return sub, nil
}

// FindActiveByStudent は生徒の有効なサブスクリプションのうち最も新しいものを返す。
func (r *PostgresSubscriptionRepo) FindActiveByStudent(ctx context.Context, studentID string, now time.Time) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.GetContext(ctx, sub,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE student_id = $1 AND status = 'active' AND ends_at >= $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		studentID, now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("有効なサブスクリプションの取得に失敗しました: %w", err)
	}
	return sub, nil
}

// CompareAndSwapUsed は sessions_used を条件付きで更新する。
// 読み取り時点から他の書き込みがあった場合、または上限を超える場合は0行更新となりfalseを返す。
func (r *PostgresSubscriptionRepo) CompareAndSwapUsed(ctx context.Context, id string, expected, next int) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET sessions_used = $3, updated_at = now()
		 WHERE id = $1 AND sessions_used = $2 AND $3 <= sessions_total`,
		id, expected, next,
	)
	if err != nil {
		return false, fmt.Errorf("レッスン枠の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("レッスン枠の更新結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// DecrementUsed は sessions_used を count だけ減らす。
func (r *PostgresSubscriptionRepo) DecrementUsed(ctx context.Context, id string, count int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET sessions_used = GREATEST(sessions_used - $2, 0), updated_at = now()
		 WHERE id = $1`,
		id, count,
	)
	if err != nil {
		return fmt.Errorf("レッスン枠の返却に失敗しました: %w", err)
	}
	return nil
}

// ExpireEnded は期限切れの active サブスクリプションを expired にする。
func (r *PostgresSubscriptionRepo) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = 'expired', updated_at = now()
		 WHERE status = 'active' AND ends_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れサブスクリプションの更新に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
