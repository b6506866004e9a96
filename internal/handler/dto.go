package handler

import (
	"time"

	"github.com/hitoshi/lessonbook/internal/availability"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/subscription"
)

// --- リクエスト ---

// bookingRequest は単発予約リクエストのボディ。
type bookingRequest struct {
	StudentID         string    `json:"student_id" validate:"required"`
	TeacherID         string    `json:"teacher_id"`
	ScheduledAt       time.Time `json:"scheduled_at" validate:"required"`
	DurationMinutes   int       `json:"duration_minutes" validate:"required,min=1"`
	MeetingLink       string    `json:"meeting_link" validate:"omitempty,http_url"`
	AutoCreateMeeting bool      `json:"auto_create_meeting"`
}

// bulkBookingRequest は一括予約リクエストのボディ。
type bulkBookingRequest struct {
	StudentID         string      `json:"student_id" validate:"required"`
	TeacherID         string      `json:"teacher_id"`
	ScheduledAt       []time.Time `json:"scheduled_at" validate:"required,min=1,max=100,dive,required"`
	DurationMinutes   int         `json:"duration_minutes" validate:"required,min=1"`
	MeetingLink       string      `json:"meeting_link" validate:"omitempty,http_url"`
	AutoCreateMeeting bool        `json:"auto_create_meeting"`
}

// recurringBookingRequest は毎週の定期予約リクエストのボディ。
// 日付は "YYYY-MM-DD" 形式で受け取り、timezone の暦日として解釈する。
type recurringBookingRequest struct {
	StudentID         string `json:"student_id" validate:"required"`
	TeacherID         string `json:"teacher_id"`
	Weekday           *int   `json:"weekday" validate:"required,min=0,max=6"`
	TimeOfDay         string `json:"time_of_day" validate:"required,clock"`
	Timezone          string `json:"timezone"`
	DurationMinutes   int    `json:"duration_minutes" validate:"required,min=1"`
	StartDate         string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate           string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	MeetingLink       string `json:"meeting_link" validate:"omitempty,http_url"`
	AutoCreateMeeting bool   `json:"auto_create_meeting"`
}

// actionRequest はレッスン操作リクエストのボディ。
// 未知の action はサービス層で INVALID_ACTION として扱う。
type actionRequest struct {
	Action string `json:"action" validate:"required"`
	Reason string `json:"reason" validate:"max=1000"`
	Notes  string `json:"notes"`
}

// availabilitySlotRequest は受講可能時間帯1件分の入力。
type availabilitySlotRequest struct {
	DayOfWeek *int   `json:"day_of_week" validate:"required,min=0,max=6"`
	StartTime string `json:"start_time" validate:"required,clock"`
	EndTime   string `json:"end_time" validate:"required,clock"`
	Active    *bool  `json:"active"`
}

// replaceAvailabilityRequest は受講可能時間帯の置き換えリクエストのボディ。
type replaceAvailabilityRequest struct {
	Slots []availabilitySlotRequest `json:"slots" validate:"max=100,dive"`
}

// --- レスポンス ---

// sessionResponse はレッスン情報のAPIレスポンス。
type sessionResponse struct {
	ID                 string     `json:"id"`
	SubscriptionID     string     `json:"subscription_id"`
	StudentID          string     `json:"student_id"`
	TeacherID          string     `json:"teacher_id"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	DurationMinutes    int        `json:"duration_minutes"`
	Status             string     `json:"status"`
	MeetingLink        *string    `json:"meeting_link"`
	CalendarEventID    *string    `json:"calendar_event_id"`
	CalendarLink       *string    `json:"calendar_link"`
	DocumentID         *string    `json:"document_id"`
	DocumentLink       *string    `json:"document_link"`
	TeacherNotes       *string    `json:"teacher_notes,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CancelledBy        *string    `json:"cancelled_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

// subscriptionResponse はサブスクリプション情報のAPIレスポンス。
type subscriptionResponse struct {
	ID            string    `json:"id"`
	StudentID     string    `json:"student_id"`
	Status        string    `json:"status"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	SessionsTotal int       `json:"sessions_total"`
	SessionsUsed  int       `json:"sessions_used"`
	Remaining     int       `json:"remaining"`
}

// bookingResponse は予約作成のAPIレスポンス。
type bookingResponse struct {
	Sessions     []sessionResponse    `json:"sessions"`
	Subscription subscriptionResponse `json:"subscription"`
}

// sessionListResponse はレッスン一覧のAPIレスポンス。
type sessionListResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

// availabilityResponse は受講可能時間帯1件分のAPIレスポンス。
type availabilityResponse struct {
	ID        string `json:"id"`
	DayOfWeek int    `json:"day_of_week"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Active    bool   `json:"active"`
}

// availabilityListResponse は受講可能時間帯一覧のAPIレスポンス。
type availabilityListResponse struct {
	TeacherID string                 `json:"teacher_id"`
	Slots     []availabilityResponse `json:"slots"`
}

// windowResponse は時間帯のAPIレスポンス。
type windowResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// freeBusyResponse は空き状況のAPIレスポンス。
type freeBusyResponse struct {
	TeacherID string           `json:"teacher_id"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Timezone  string           `json:"timezone"`
	Free      []windowResponse `json:"free"`
	Busy      []windowResponse `json:"busy"`
}

// --- 変換 ---

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		ID:                 s.ID,
		SubscriptionID:     s.SubscriptionID,
		StudentID:          s.StudentID,
		TeacherID:          s.TeacherID,
		ScheduledAt:        s.ScheduledAt,
		DurationMinutes:    s.DurationMinutes,
		Status:             string(s.Status),
		MeetingLink:        s.MeetingLink,
		CalendarEventID:    s.CalendarEventID,
		CalendarLink:       s.CalendarLink,
		DocumentID:         s.DocumentID,
		DocumentLink:       s.DocumentLink,
		TeacherNotes:       s.TeacherNotes,
		CancellationReason: s.CancellationReason,
		CancelledBy:        s.CancelledBy,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		CompletedAt:        s.CompletedAt,
		CancelledAt:        s.CancelledAt,
	}
}

func toSessionResponses(sessions []*model.Session) []sessionResponse {
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	return out
}

func toSubscriptionResponse(sub model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:            sub.ID,
		StudentID:     sub.StudentID,
		Status:        string(sub.Status),
		StartsAt:      sub.StartsAt,
		EndsAt:        sub.EndsAt,
		SessionsTotal: sub.SessionsTotal,
		SessionsUsed:  sub.SessionsUsed,
		Remaining:     sub.Remaining(),
	}
}

func toSubscriptionInfoResponse(info *subscription.Info) subscriptionResponse {
	resp := toSubscriptionResponse(info.Subscription)
	resp.Remaining = info.Remaining
	return resp
}

func toAvailabilityListResponse(teacherID string, slots []*model.Availability) availabilityListResponse {
	out := make([]availabilityResponse, 0, len(slots))
	for _, a := range slots {
		out = append(out, availabilityResponse{
			ID:        a.ID,
			DayOfWeek: a.DayOfWeek,
			StartTime: a.StartTime,
			EndTime:   a.EndTime,
			Active:    a.Active,
		})
	}
	return availabilityListResponse{TeacherID: teacherID, Slots: out}
}

func toWindowResponses(windows []model.Window) []windowResponse {
	out := make([]windowResponse, 0, len(windows))
	for _, w := range windows {
		out = append(out, windowResponse{Start: w.Start, End: w.End})
	}
	return out
}

func toFreeBusyResponse(fb *availability.FreeBusy) freeBusyResponse {
	return freeBusyResponse{
		TeacherID: fb.TeacherID,
		From:      fb.From,
		To:        fb.To,
		Timezone:  fb.Timezone,
		Free:      toWindowResponses(fb.Free),
		Busy:      toWindowResponses(fb.Busy),
	}
}
