// Package model はドメインモデルを定義する。
package model

import "time"

// SessionStatus はレッスン（セッション）の状態を表す。
type SessionStatus string

const (
	// SessionStatusScheduled は予約済み。
	SessionStatusScheduled SessionStatus = "scheduled"
	// SessionStatusCompleted は実施済み。
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusCancelled はキャンセル済み。
	SessionStatusCancelled SessionStatus = "cancelled"
	// SessionStatusNoShow は生徒の無断欠席。
	SessionStatusNoShow SessionStatus = "no_show"
)

// ParseSessionStatus は文字列をSessionStatusに変換する。未知の値の場合はfalseを返す。
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch st := SessionStatus(s); st {
	case SessionStatusScheduled, SessionStatusCompleted, SessionStatusCancelled, SessionStatusNoShow:
		return st, true
	}
	return "", false
}

// Session は生徒と講師の1対1レッスン1回分を表す。
// ステータス遷移は scheduled からの一方向のみ。物理削除は行わない。
type Session struct {
	ID                 string        `db:"id"`
	SubscriptionID     string        `db:"subscription_id"`
	StudentID          string        `db:"student_id"`
	TeacherID          string        `db:"teacher_id"`
	ScheduledAt        time.Time     `db:"scheduled_at"`
	DurationMinutes    int           `db:"duration_minutes"`
	EndsAt             time.Time     `db:"ends_at"`
	Status             SessionStatus `db:"status"`
	MeetingLink        *string       `db:"meeting_link"`
	CalendarEventID    *string       `db:"calendar_event_id"`
	CalendarLink       *string       `db:"calendar_link"`
	DocumentID         *string       `db:"document_id"`
	DocumentLink       *string       `db:"document_link"`
	TeacherNotes       *string       `db:"teacher_notes"`
	CancellationReason *string       `db:"cancellation_reason"`
	CancelledBy        *string       `db:"cancelled_by"`
	ReminderSent       bool          `db:"reminder_sent"`
	CreatedAt          time.Time     `db:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at"`
	CompletedAt        *time.Time    `db:"completed_at"`
	CancelledAt        *time.Time    `db:"cancelled_at"`
}

// Window は半開区間 [Start, End) の時間帯を表す。
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps は2つの半開区間が重なるかを判定する。
// 終了時刻と開始時刻が一致するだけの連続枠は重ならない。
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && w.End.After(o.Start)
}

// NewWindow は開始時刻と分数から Window を生成する。
func NewWindow(start time.Time, minutes int) Window {
	return Window{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

// Window はセッションが占有する時間帯を返す。
func (s *Session) Window() Window {
	return NewWindow(s.ScheduledAt, s.DurationMinutes)
}

// IsParticipant は利用者がこのセッションの生徒または講師かを返す。
func (s *Session) IsParticipant(userID string) bool {
	return userID != "" && (s.StudentID == userID || s.TeacherID == userID)
}

// SessionLinks は副作用処理で生成されたリンク類を表す。
// nilのフィールドは更新しない。
type SessionLinks struct {
	MeetingLink     *string
	CalendarEventID *string
	CalendarLink    *string
	DocumentID      *string
	DocumentLink    *string
}

// Empty は更新対象のリンクが1つもないかを返す。
func (l SessionLinks) Empty() bool {
	return l.MeetingLink == nil && l.CalendarEventID == nil && l.CalendarLink == nil &&
		l.DocumentID == nil && l.DocumentLink == nil
}

// SessionFilter はセッション一覧のフィルタ条件を表す。
// ゼロ値のフィールドは条件に含めない。
type SessionFilter struct {
	StudentID string
	TeacherID string
	Status    SessionStatus
	From      *time.Time
	To        *time.Time
	Limit     int
}

// Availability は講師の週次の受講可能時間帯を表す。
// 表示用であり、予約時には強制しない。
type Availability struct {
	ID        string    `db:"id"`
	TeacherID string    `db:"teacher_id"`
	DayOfWeek int       `db:"day_of_week"` // 0=日曜 ... 6=土曜
	StartTime string    `db:"start_time"`  // "HH:MM"
	EndTime   string    `db:"end_time"`    // "HH:MM"
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}
