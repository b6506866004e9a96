// Package model はドメインモデルを定義する。
package model

import "time"

// SubscriptionStatus はサブスクリプション（受講パッケージ）の状態を表す。
type SubscriptionStatus string

const (
	// SubscriptionStatusActive は予約に利用可能な状態。
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusPaused は一時停止中の状態。
	SubscriptionStatusPaused SubscriptionStatus = "paused"
	// SubscriptionStatusCancelled は解約済みの状態。
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	// SubscriptionStatusExpired は期限切れの状態。
	SubscriptionStatusExpired SubscriptionStatus = "expired"
	// SubscriptionStatusPending は決済完了待ちの状態。
	SubscriptionStatusPending SubscriptionStatus = "pending"
)

// Subscription は生徒が購入した期間限定のレッスン枠を表す。
// SessionsUsed は Quota Ledger だけが更新し、常に 0 <= SessionsUsed <= SessionsTotal を満たす。
type Subscription struct {
	ID            string             `db:"id"`
	StudentID     string             `db:"student_id"`
	Status        SubscriptionStatus `db:"status"`
	StartsAt      time.Time          `db:"starts_at"`
	EndsAt        time.Time          `db:"ends_at"`
	SessionsTotal int                `db:"sessions_total"`
	SessionsUsed  int                `db:"sessions_used"`
	CreatedAt     time.Time          `db:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at"`
}

// Remaining は残りの予約可能レッスン数を返す。
func (s *Subscription) Remaining() int {
	r := s.SessionsTotal - s.SessionsUsed
	if r < 0 {
		return 0
	}
	return r
}

// Usable はサブスクリプションが予約に利用可能かを判定する。
// status が active かつ ends_at が now 以降であること。
func (s *Subscription) Usable(now time.Time) bool {
	return s.Status == SubscriptionStatusActive && !s.EndsAt.Before(now)
}
