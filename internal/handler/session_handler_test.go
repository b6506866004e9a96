package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/lessonbook/internal/lifecycle"
	"github.com/hitoshi/lessonbook/internal/model"
)

func testSession(id string, status model.SessionStatus) *model.Session {
	return &model.Session{
		ID: id, SubscriptionID: "sub-1", StudentID: "student-1", TeacherID: "teacher-1",
		ScheduledAt: bookedAt, DurationMinutes: 60, Status: status,
		MeetingLink: strPtr("https://meet.example.com/abc"),
	}
}

// --- GET /api/sessions テスト ---

func TestSessionHandler_List_ParsesFilter(t *testing.T) {
	svc := &mockSessionService{
		listFn: func(ctx context.Context, caller model.Caller, filter model.SessionFilter) ([]*model.Session, error) {
			if caller != studentCaller {
				t.Errorf("caller = %+v", caller)
			}
			if filter.Status != model.SessionStatusScheduled {
				t.Errorf("Status = %q, want scheduled", filter.Status)
			}
			if filter.From == nil || !filter.From.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("From = %v", filter.From)
			}
			if filter.To != nil {
				t.Errorf("To = %v, want nil", filter.To)
			}
			if filter.Limit != 10 {
				t.Errorf("Limit = %d, want 10", filter.Limit)
			}
			return []*model.Session{testSession("s-1", model.SessionStatusScheduled)}, nil
		},
	}
	h := NewSessionHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions?status=scheduled&from=2026-04-01T00:00:00Z&limit=10", nil)
	req = withCaller(req, studentCaller)
	w := httptest.NewRecorder()

	h.List(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp sessionListResponse
	decodeBody(t, w, &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "s-1" {
		t.Errorf("sessions = %+v", resp.Sessions)
	}
	if resp.Sessions[0].MeetingLink == nil || *resp.Sessions[0].MeetingLink != "https://meet.example.com/abc" {
		t.Errorf("meeting_link = %v", resp.Sessions[0].MeetingLink)
	}
}

func TestSessionHandler_List_InvalidQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"未知のstatus", "status=done"},
		{"fromの形式不正", "from=2026-04-01"},
		{"toの形式不正", "to=tomorrow"},
		{"limitが数値でない", "limit=abc"},
		{"limitが0", "limit=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSessionHandler(&mockSessionService{})

			req := httptest.NewRequest(http.MethodGet, "/api/sessions?"+tt.query, nil)
			req = withCaller(req, adminCaller)
			w := httptest.NewRecorder()

			h.List(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// --- GET /api/sessions/{id} テスト ---

func TestSessionHandler_Get(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"成功", nil, http.StatusOK},
		{"参加者以外", model.NewForbiddenError("not participant"), http.StatusForbidden},
		{"存在しない", model.NewSessionNotFoundError("s-1"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSessionHandler(&mockSessionService{
				getFn: func(ctx context.Context, caller model.Caller, id string) (*model.Session, error) {
					if id != "s-1" {
						t.Errorf("id = %q, want s-1", id)
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return testSession(id, model.SessionStatusScheduled), nil
				},
			})

			req := httptest.NewRequest(http.MethodGet, "/api/sessions/s-1", nil)
			req = withChiURLParam(withCaller(req, teacherCaller), "id", "s-1")
			w := httptest.NewRecorder()

			h.Get(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- POST /api/sessions/{id}/actions テスト ---

func TestSessionHandler_PerformAction_Cancel(t *testing.T) {
	svc := &mockSessionService{
		performFn: func(ctx context.Context, caller model.Caller, req lifecycle.ActionRequest) (*model.Session, error) {
			if req.SessionID != "s-1" || req.Action != "cancel" || req.Reason != "体調不良" {
				t.Errorf("req = %+v", req)
			}
			s := testSession(req.SessionID, model.SessionStatusCancelled)
			s.CancellationReason = strPtr(req.Reason)
			s.CancelledBy = strPtr(caller.UserID)
			return s, nil
		},
	}
	h := NewSessionHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s-1/actions", bytes.NewBufferString(`{"action":"cancel","reason":"体調不良"}`))
	req = withChiURLParam(withCaller(req, studentCaller), "id", "s-1")
	w := httptest.NewRecorder()

	h.PerformAction(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp sessionResponse
	decodeBody(t, w, &resp)
	if resp.Status != "cancelled" {
		t.Errorf("status = %q, want cancelled", resp.Status)
	}
	if resp.CancelledBy == nil || *resp.CancelledBy != "student-1" {
		t.Errorf("cancelled_by = %v, want student-1", resp.CancelledBy)
	}
}

func TestSessionHandler_PerformAction_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"actionなし", `{}`, nil, http.StatusBadRequest, model.ErrCodeValidation},
		{"未知のaction", `{"action":"reschedule"}`, model.NewInvalidActionError("reschedule"), http.StatusBadRequest, model.ErrCodeInvalidAction},
		{"期限切れ", `{"action":"cancel"}`, model.NewTooLateToCancelError(24 * time.Hour), http.StatusBadRequest, model.ErrCodeTooLateToCancel},
		{"終了済み", `{"action":"complete"}`, model.NewInvalidSessionStateError(model.SessionStatusCancelled), http.StatusBadRequest, model.ErrCodeInvalidSessionState},
		{"権限なし", `{"action":"complete"}`, model.NewForbiddenError("teacher only"), http.StatusForbidden, model.ErrCodeForbidden},
		{"同時更新", `{"action":"cancel"}`, model.NewConcurrentModificationError(), http.StatusConflict, model.ErrCodeConcurrentModification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSessionHandler(&mockSessionService{
				performFn: func(ctx context.Context, caller model.Caller, req lifecycle.ActionRequest) (*model.Session, error) {
					return nil, tt.err
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/api/sessions/s-1/actions", bytes.NewBufferString(tt.body))
			req = withChiURLParam(withCaller(req, studentCaller), "id", "s-1")
			w := httptest.NewRecorder()

			h.PerformAction(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}
