// Package model はドメインモデルを定義する。
package model

import "time"

// JobKind は副作用ジョブの種別を表す。
type JobKind string

const (
	// JobKindBookingConfirmation は予約後の教材作成・カレンダー登録・確認通知。
	JobKindBookingConfirmation JobKind = "booking_confirmation"
	// JobKindCancellation はキャンセル後のカレンダー削除・キャンセル通知。
	JobKindCancellation JobKind = "cancellation"
)

// JobStatus は副作用ジョブの実行状態を表す。
type JobStatus string

const (
	// JobStatusPending は実行待ち。
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning は実行中（リース期限まで他のワーカーは取得しない）。
	JobStatusRunning JobStatus = "running"
	// JobStatusDone はすべてのステップが成功した。
	JobStatusDone JobStatus = "done"
	// JobStatusFailed は一部ステップが失敗し、再試行待ち。
	JobStatusFailed JobStatus = "failed"
	// JobStatusDead は最大試行回数に達し、手動対応が必要。
	JobStatusDead JobStatus = "dead"
)

// JobPayload はジョブ実行に必要な付帯情報を表す。
type JobPayload struct {
	AutoCreateMeeting bool   `json:"auto_create_meeting,omitempty"`
	ManualMeetingLink string `json:"manual_meeting_link,omitempty"`
	CancelledBy       string `json:"cancelled_by,omitempty"`
	Reason            string `json:"reason,omitempty"`
	// Notified は通知ステップが成功済みであることを示す。再試行時の二重送信を防ぐ。
	Notified bool `json:"notified,omitempty"`
	// RefundSubscriptionID と RefundCount はキャンセル時に返却できなかったレッスン枠。
	// 返却に成功したら空に戻す。
	RefundSubscriptionID string `json:"refund_subscription_id,omitempty"`
	RefundCount          int    `json:"refund_count,omitempty"`
}

// HasPendingRefund は未返却のレッスン枠が残っているかを返す。
func (p JobPayload) HasPendingRefund() bool {
	return p.RefundSubscriptionID != "" && p.RefundCount > 0
}

// SideEffectJob は予約・キャンセルに伴う副作用処理の単位を表す。
// StepLog にはステップ名ごとの直近のエラーを記録する。
type SideEffectJob struct {
	ID          string
	Kind        JobKind
	SessionIDs  []string
	Status      JobStatus
	Attempts    int
	LastError   string
	StepLog     map[string]string
	Payload     JobPayload
	NextRunAt   time.Time
	LockedUntil *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
