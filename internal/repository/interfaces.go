// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
)

// UserRepository は利用者データの参照インターフェース。
// 利用者の登録・更新は認証サービス側で行う。
type UserRepository interface {
	// FindByID は指定IDの利用者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// LoginSessionRepository はログインセッションの参照インターフェース。
type LoginSessionRepository interface {
	// FindByID は指定IDのログインセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.LoginSession, error)

	// DeleteExpired は期限切れのログインセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// SubscriptionRepository は受講パッケージ（サブスクリプション）の永続化インターフェース。
// sessions_used の更新はすべて条件付きUPDATEで行い、行ロックを保持しない。
type SubscriptionRepository interface {
	// FindByID は指定IDのサブスクリプションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// FindActiveByStudent は生徒の有効なサブスクリプションのうち最も新しく作成されたものを返す。
	// status = 'active' かつ ends_at >= now のものが対象。見つからない場合はnilを返す。
	FindActiveByStudent(ctx context.Context, studentID string, now time.Time) (*model.Subscription, error)

	// CompareAndSwapUsed は sessions_used が expected の場合に限り next に更新する。
	// next が sessions_total を超える場合も更新しない。更新できたかどうかを返す。
	CompareAndSwapUsed(ctx context.Context, id string, expected, next int) (bool, error)

	// DecrementUsed は sessions_used を count だけ減らす。0未満にはならない。
	DecrementUsed(ctx context.Context, id string, count int) error

	// ExpireEnded は ends_at を過ぎた active のサブスクリプションを expired に遷移させ、件数を返す。
	ExpireEnded(ctx context.Context, now time.Time) (int64, error)
}

// StatusTransition はセッションのステータス遷移を表す。
// From の状態にある場合のみ To に遷移する。
type StatusTransition struct {
	From        model.SessionStatus
	To          model.SessionStatus
	Reason      *string
	CancelledBy *string
	At          time.Time
}

// SessionRepository はレッスン（セッション）の永続化インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// CreateBatch は複数のセッションを1トランザクションで作成する。
	// 講師の時間帯重複（排他制約違反）の場合は ErrOverlap を返し、何も作成しない。
	CreateBatch(ctx context.Context, sessions []*model.Session) error

	// HasOverlap は講師のキャンセル以外のセッションが [start, end) と重なるかを返す。
	HasOverlap(ctx context.Context, teacherID string, start, end time.Time) (bool, error)

	// List はフィルタ条件に一致するセッションを scheduled_at 昇順で返す。
	List(ctx context.Context, filter model.SessionFilter) ([]*model.Session, error)

	// Transition はステータスを条件付きで更新する。遷移できたかどうかを返す。
	Transition(ctx context.Context, id string, t StatusTransition) (bool, error)

	// CancelByIDs は scheduled 状態の指定セッションをキャンセル済みにする。
	// 予約処理の補償に使用する。
	CancelByIDs(ctx context.Context, ids []string, reason string, at time.Time) error

	// UpdateLinks は副作用処理で生成したリンク類を保存する。nilのフィールドは変更しない。
	UpdateLinks(ctx context.Context, id string, links model.SessionLinks) error

	// UpdateNotes は講師メモを更新する。
	UpdateNotes(ctx context.Context, id, notes string, at time.Time) error

	// ListDueForReminder は [from, until) に開始する、リマインダー未送信の予約済みセッションを返す。
	ListDueForReminder(ctx context.Context, from, until time.Time, limit int) ([]*model.Session, error)

	// MarkReminderSent はリマインダー送信済みフラグを立てる。
	MarkReminderSent(ctx context.Context, id string) error
}

// AvailabilityRepository は講師の受講可能時間帯の永続化インターフェース。
type AvailabilityRepository interface {
	// ListByTeacher は講師の受講可能時間帯を曜日・開始時刻順で返す。
	ListByTeacher(ctx context.Context, teacherID string) ([]*model.Availability, error)

	// ReplaceForTeacher は講師の受講可能時間帯を1トランザクションで置き換える。
	ReplaceForTeacher(ctx context.Context, teacherID string, slots []*model.Availability) error
}

// JobRepository は副作用ジョブの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを作成する。
	Create(ctx context.Context, job *model.SideEffectJob) error

	// ClaimDue は実行期限を迎えたジョブをFOR UPDATE SKIP LOCKEDで排他的に取得し、
	// running 状態にして lease の間リースする。リース切れの running ジョブも対象となる。
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.SideEffectJob, error)

	// Update はジョブの実行結果（状態・試行回数・ステップログ・次回実行時刻）を保存する。
	Update(ctx context.Context, job *model.SideEffectJob) error

	// DeleteFinishedBefore は before より前に更新された done / dead のジョブを削除し、件数を返す。
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
