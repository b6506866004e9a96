package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/lessonbook/internal/middleware"
	"github.com/hitoshi/lessonbook/internal/model"
)

// maxBodyBytes はリクエストボディの最大サイズ。
const maxBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをdstにデコードする。
// 未知のフィールドや複数のJSON値はINVALID_REQUESTとして扱う。
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewInvalidRequestError()
	}
	if dec.More() {
		return model.NewInvalidRequestError()
	}
	return nil
}

// callerFromRequest は認証済みの呼び出し元を取り出す。
// 存在しない場合は401を書き込みfalseを返す。
func callerFromRequest(w http.ResponseWriter, r *http.Request) (model.Caller, bool) {
	caller, err := middleware.CallerFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return model.Caller{}, false
	}
	return caller, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは詳細をログのみに残し、内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeValidation,
		model.ErrCodeNoActiveSubscription, model.ErrCodeQuotaExceeded,
		model.ErrCodeTooLateToCancel, model.ErrCodeInvalidSessionState,
		model.ErrCodeInvalidAction:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeSessionNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeBookingConflict, model.ErrCodeConcurrentModification,
		model.ErrCodeCalendarUnavailable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
