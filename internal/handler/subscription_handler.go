package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/lessonbook/internal/model"
	"github.com/hitoshi/lessonbook/internal/subscription"
)

// SubscriptionServiceInterface はサブスクリプションハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// GetActive は生徒の予約に使用されるサブスクリプションを返す。
	GetActive(ctx context.Context, caller model.Caller, studentID string) (*subscription.Info, error)
}

// SubscriptionHandler はサブスクリプション参照のHTTPハンドラー。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: service,
	}
}

// GetActive は有効なサブスクリプションと残り枠数を返す。
// GET /api/subscriptions/active?student_id=
func (h *SubscriptionHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	info, err := h.service.GetActive(r.Context(), caller, r.URL.Query().Get("student_id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSubscriptionInfoResponse(info))
}
