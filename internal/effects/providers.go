// Package effects は予約・キャンセルに伴う副作用（教材ドキュメント、カレンダー予定、通知）を実行する。
// 各ステップの失敗は記録されるだけで、予約の状態は巻き戻さない。
package effects

import (
	"context"
	"time"

	"github.com/hitoshi/lessonbook/internal/model"
)

// EventRequest はカレンダー予定の作成要求を表す。
type EventRequest struct {
	Summary      string
	Description  string
	Attendees    []string
	Start        time.Time
	End          time.Time
	Conferencing bool // trueの場合はビデオ会議リンクを生成する
}

// Event は作成されたカレンダー予定を表す。
type Event struct {
	ID          string
	MeetingLink string
	HTMLLink    string
}

// CalendarProvider は外部カレンダーとの連携インターフェース。
type CalendarProvider interface {
	// CheckAvailability は email の予定表で [start, end) が空いているかを返す。
	CheckAvailability(ctx context.Context, email string, start, end time.Time) (free bool, err error)
	// CreateEvent は予定を作成する。
	CreateEvent(ctx context.Context, req EventRequest) (*Event, error)
	// DeleteEvent は予定を削除する。予定が存在しない場合は false, nil を返す。
	DeleteEvent(ctx context.Context, eventID string) (deleted bool, err error)
}

// DocumentRequest は教材ドキュメントの作成要求を表す。
type DocumentRequest struct {
	StudentName    string
	Level          string
	ClassDate      time.Time
	ParentFolderID string
}

// Document は作成された教材ドキュメントを表す。
type Document struct {
	ID   string
	Link string
}

// DocumentProvider は教材ドキュメントの作成インターフェース。
type DocumentProvider interface {
	// CreateClassDocument はテンプレートを複製してレッスン用のドキュメントを作成する。
	CreateClassDocument(ctx context.Context, req DocumentRequest) (*Document, error)
	// AppendToIndex は生徒の教材一覧ドキュメントにリンクを追記する。
	AppendToIndex(ctx context.Context, indexID string, doc Document, req DocumentRequest) error
}

// BookingDetails は予約確認・リマインダー通知に載せるレッスン情報。
type BookingDetails struct {
	SessionID       string
	StartsAt        time.Time
	DurationMinutes int
	MeetingLink     string
	DocumentLink    string
}

// CancellationDetails はキャンセル通知に載せる情報。
type CancellationDetails struct {
	SessionID       string
	StartsAt        time.Time
	DurationMinutes int
	Reason          string
	CancelledBy     string // キャンセル操作を行った利用者の名前
}

// Notifier は生徒・講師へのメール通知インターフェース。
type Notifier interface {
	SendBookingConfirmation(ctx context.Context, student, teacher *model.User, bookings []BookingDetails) error
	SendCancellation(ctx context.Context, student, teacher *model.User, details CancellationDetails) error
	SendReminder(ctx context.Context, student, teacher *model.User, booking BookingDetails) error
}

// NewBookingDetails はセッションから通知用の情報を生成する。
func NewBookingDetails(s *model.Session) BookingDetails {
	return BookingDetails{
		SessionID:       s.ID,
		StartsAt:        s.ScheduledAt,
		DurationMinutes: s.DurationMinutes,
		MeetingLink:     deref(s.MeetingLink),
		DocumentLink:    deref(s.DocumentLink),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// QuotaReleaser はレッスン枠の返却インターフェース。
type QuotaReleaser interface {
	Release(ctx context.Context, subscriptionID string, count int) error
}
