package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/lessonbook/internal/lifecycle"
	"github.com/hitoshi/lessonbook/internal/model"
)

// SessionServiceInterface はレッスンハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	List(ctx context.Context, caller model.Caller, filter model.SessionFilter) ([]*model.Session, error)
	Get(ctx context.Context, caller model.Caller, id string) (*model.Session, error)
	Perform(ctx context.Context, caller model.Caller, req lifecycle.ActionRequest) (*model.Session, error)
}

// SessionHandler はレッスンの参照・操作のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{service: service}
}

// List はレッスン一覧を返す。
// GET /api/sessions?student_id=&teacher_id=&status=&from=&to=&limit=
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	filter, err := parseSessionFilter(r.URL.Query())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	sessions, err := h.service.List(r.Context(), caller, filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: toSessionResponses(sessions)})
}

// Get はレッスン詳細を返す。
// GET /api/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	session, err := h.service.Get(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// PerformAction はレッスンに対する操作を実行する。
// POST /api/sessions/{id}/actions
func (h *SessionHandler) PerformAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		handleServiceError(w, err)
		return
	}

	session, err := h.service.Perform(r.Context(), caller, lifecycle.ActionRequest{
		SessionID: chi.URLParam(r, "id"),
		Action:    req.Action,
		Reason:    req.Reason,
		Notes:     req.Notes,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// parseSessionFilter はクエリパラメータからフィルタ条件を組み立てる。
func parseSessionFilter(q url.Values) (model.SessionFilter, error) {
	filter := model.SessionFilter{
		StudentID: q.Get("student_id"),
		TeacherID: q.Get("teacher_id"),
	}

	if s := q.Get("status"); s != "" {
		status, ok := model.ParseSessionStatus(s)
		if !ok {
			return filter, model.NewValidationError("status は scheduled, completed, cancelled, no_show のいずれかを指定してください")
		}
		filter.Status = status
	}

	from, err := parseTimeParam(q, "from")
	if err != nil {
		return filter, err
	}
	filter.From = from

	to, err := parseTimeParam(q, "to")
	if err != nil {
		return filter, err
	}
	filter.To = to

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			return filter, model.NewValidationError("limit は1以上の整数で指定してください")
		}
		filter.Limit = limit
	}
	return filter, nil
}

// parseTimeParam はRFC3339形式のクエリパラメータを解析する。未指定の場合はnilを返す。
func parseTimeParam(q url.Values, key string) (*time.Time, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, model.NewValidationError(key + " はRFC3339形式で指定してください")
	}
	return &t, nil
}
