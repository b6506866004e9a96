package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/lessonbook/internal/availability"
	"github.com/hitoshi/lessonbook/internal/booking"
	"github.com/hitoshi/lessonbook/internal/lifecycle"
	"github.com/hitoshi/lessonbook/internal/middleware"
	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/subscription"
)

// --- モック定義 ---

// mockBookingService はBookingServiceInterfaceのモック実装。
type mockBookingService struct {
	bookFn          func(ctx context.Context, caller model.Caller, req booking.Request) (*booking.Result, error)
	bookBulkFn      func(ctx context.Context, caller model.Caller, req booking.BulkRequest) (*booking.Result, error)
	bookRecurringFn func(ctx context.Context, caller model.Caller, req booking.RecurringRequest) (*booking.Result, error)
}

func (m *mockBookingService) Book(ctx context.Context, caller model.Caller, req booking.Request) (*booking.Result, error) {
	if m.bookFn != nil {
		return m.bookFn(ctx, caller, req)
	}
	return &booking.Result{}, nil
}

func (m *mockBookingService) BookBulk(ctx context.Context, caller model.Caller, req booking.BulkRequest) (*booking.Result, error) {
	if m.bookBulkFn != nil {
		return m.bookBulkFn(ctx, caller, req)
	}
	return &booking.Result{}, nil
}

func (m *mockBookingService) BookRecurring(ctx context.Context, caller model.Caller, req booking.RecurringRequest) (*booking.Result, error) {
	if m.bookRecurringFn != nil {
		return m.bookRecurringFn(ctx, caller, req)
	}
	return &booking.Result{}, nil
}

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	listFn    func(ctx context.Context, caller model.Caller, filter model.SessionFilter) ([]*model.Session, error)
	getFn     func(ctx context.Context, caller model.Caller, id string) (*model.Session, error)
	performFn func(ctx context.Context, caller model.Caller, req lifecycle.ActionRequest) (*model.Session, error)
}

func (m *mockSessionService) List(ctx context.Context, caller model.Caller, filter model.SessionFilter) ([]*model.Session, error) {
	if m.listFn != nil {
		return m.listFn(ctx, caller, filter)
	}
	return []*model.Session{}, nil
}

func (m *mockSessionService) Get(ctx context.Context, caller model.Caller, id string) (*model.Session, error) {
	if m.getFn != nil {
		return m.getFn(ctx, caller, id)
	}
	return nil, model.NewSessionNotFoundError(id)
}

func (m *mockSessionService) Perform(ctx context.Context, caller model.Caller, req lifecycle.ActionRequest) (*model.Session, error) {
	if m.performFn != nil {
		return m.performFn(ctx, caller, req)
	}
	return nil, model.NewSessionNotFoundError(req.SessionID)
}

// mockSubscriptionService はSubscriptionServiceInterfaceのモック実装。
type mockSubscriptionService struct {
	getActiveFn func(ctx context.Context, caller model.Caller, studentID string) (*subscription.Info, error)
}

func (m *mockSubscriptionService) GetActive(ctx context.Context, caller model.Caller, studentID string) (*subscription.Info, error) {
	if m.getActiveFn != nil {
		return m.getActiveFn(ctx, caller, studentID)
	}
	return nil, model.NewNoActiveSubscriptionError(studentID)
}

// mockAvailabilityService はAvailabilityServiceInterfaceのモック実装。
type mockAvailabilityService struct {
	listFn     func(ctx context.Context, teacherID string) ([]*model.Availability, error)
	replaceFn  func(ctx context.Context, caller model.Caller, teacherID string, slots []availability.Slot) ([]*model.Availability, error)
	freeBusyFn func(ctx context.Context, teacherID string, from, to time.Time) (*availability.FreeBusy, error)
}

func (m *mockAvailabilityService) List(ctx context.Context, teacherID string) ([]*model.Availability, error) {
	if m.listFn != nil {
		return m.listFn(ctx, teacherID)
	}
	return []*model.Availability{}, nil
}

func (m *mockAvailabilityService) Replace(ctx context.Context, caller model.Caller, teacherID string, slots []availability.Slot) ([]*model.Availability, error) {
	if m.replaceFn != nil {
		return m.replaceFn(ctx, caller, teacherID, slots)
	}
	return []*model.Availability{}, nil
}

func (m *mockAvailabilityService) FreeBusy(ctx context.Context, teacherID string, from, to time.Time) (*availability.FreeBusy, error) {
	if m.freeBusyFn != nil {
		return m.freeBusyFn(ctx, teacherID, from, to)
	}
	return &availability.FreeBusy{TeacherID: teacherID, From: from, To: to}, nil
}

// --- テストヘルパー ---

var (
	teacherCaller = model.Caller{UserID: "teacher-1", Role: model.RoleTeacher}
	studentCaller = model.Caller{UserID: "student-1", Role: model.RoleStudent}
	adminCaller   = model.Caller{UserID: "admin-1", Role: model.RoleAdmin}
)

// withCaller はテスト用にリクエストコンテキストに呼び出し元を注入するヘルパー。
func withCaller(r *http.Request, caller model.Caller) *http.Request {
	return r.WithContext(middleware.ContextWithCaller(r.Context(), caller))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeBody はレスポンスボディをdstにデコードするヘルパー。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func strPtr(s string) *string { return &s }
