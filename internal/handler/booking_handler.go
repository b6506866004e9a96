package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/lessonbook/internal/booking"
	"github.com/hitoshi/lessonbook/internal/model"
)

// BookingServiceInterface は予約ハンドラーが必要とするサービスインターフェース。
type BookingServiceInterface interface {
	Book(ctx context.Context, caller model.Caller, req booking.Request) (*booking.Result, error)
	BookBulk(ctx context.Context, caller model.Caller, req booking.BulkRequest) (*booking.Result, error)
	BookRecurring(ctx context.Context, caller model.Caller, req booking.RecurringRequest) (*booking.Result, error)
}

// BookingHandler は予約作成のHTTPハンドラー。
type BookingHandler struct {
	service BookingServiceInterface
}

// NewBookingHandler はBookingHandlerを生成する。
func NewBookingHandler(service BookingServiceInterface) *BookingHandler {
	return &BookingHandler{service: service}
}

// Create は単発のレッスンを予約する。
// POST /api/bookings
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	var req bookingRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.Book(r.Context(), caller, booking.Request{
		StudentID:         req.StudentID,
		TeacherID:         req.TeacherID,
		ScheduledAt:       req.ScheduledAt,
		DurationMinutes:   req.DurationMinutes,
		MeetingLink:       req.MeetingLink,
		AutoCreateMeeting: req.AutoCreateMeeting,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBookingResponse(result))
}

// CreateBulk は列挙された日時のレッスンをまとめて予約する。
// POST /api/bookings/bulk
func (h *BookingHandler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	var req bulkBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.BookBulk(r.Context(), caller, booking.BulkRequest{
		StudentID:         req.StudentID,
		TeacherID:         req.TeacherID,
		ScheduledAt:       req.ScheduledAt,
		DurationMinutes:   req.DurationMinutes,
		MeetingLink:       req.MeetingLink,
		AutoCreateMeeting: req.AutoCreateMeeting,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBookingResponse(result))
}

// CreateRecurring は毎週同じ曜日・時刻のレッスンをまとめて予約する。
// POST /api/bookings/recurring
func (h *BookingHandler) CreateRecurring(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	var req recurringBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleServiceError(w, err)
		return
	}

	// 形式はバリデータで確認済み
	startDate, _ := time.Parse(time.DateOnly, req.StartDate)
	var endDate *time.Time
	if req.EndDate != "" {
		d, _ := time.Parse(time.DateOnly, req.EndDate)
		if d.Before(startDate) {
			handleServiceError(w, model.NewValidationError("end_date は start_date 以降を指定してください"))
			return
		}
		endDate = &d
	}

	result, err := h.service.BookRecurring(r.Context(), caller, booking.RecurringRequest{
		StudentID:         req.StudentID,
		TeacherID:         req.TeacherID,
		Weekday:           time.Weekday(*req.Weekday),
		TimeOfDay:         req.TimeOfDay,
		Timezone:          req.Timezone,
		DurationMinutes:   req.DurationMinutes,
		StartDate:         startDate,
		EndDate:           endDate,
		MeetingLink:       req.MeetingLink,
		AutoCreateMeeting: req.AutoCreateMeeting,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBookingResponse(result))
}

func toBookingResponse(result *booking.Result) bookingResponse {
	return bookingResponse{
		Sessions:     toSessionResponses(result.Sessions),
		Subscription: toSubscriptionResponse(result.Subscription),
	}
}
