// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, booking, session, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// HasCode はerrがAPIErrorであり、指定コードを持つかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeForbidden              = "FORBIDDEN"
	ErrCodeUserNotFound           = "USER_NOT_FOUND"
	ErrCodeNoActiveSubscription   = "NO_ACTIVE_SUBSCRIPTION"
	ErrCodeQuotaExceeded          = "QUOTA_EXCEEDED"
	ErrCodeBookingConflict        = "BOOKING_CONFLICT"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeCalendarUnavailable    = "CALENDAR_UNAVAILABLE"
	ErrCodeSessionNotFound        = "SESSION_NOT_FOUND"
	ErrCodeInvalidAction          = "INVALID_ACTION"
	ErrCodeInvalidSessionState    = "INVALID_SESSION_STATE"
	ErrCodeTooLateToCancel        = "TOO_LATE_TO_CANCEL"
)

// 競合の検出元
const (
	ConflictSourceInternal = "internal"
	ConflictSourceExternal = "external"
	ConflictSourceBatch    = "batch"
)

// NewValidationError は入力値エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewInvalidRequestError はリクエストボディ解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", reason),
		Category: "auth",
		Action:   "操作対象と権限を確認してください。",
	}
}

// NewUserNotFoundError は利用者が見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定された利用者が見つかりません: %s", userID),
		Category: "validation",
		Action:   "生徒IDまたは講師IDを確認してください。",
	}
}

// NewNoActiveSubscriptionError は有効なサブスクリプションがない場合のエラーを生成する。
func NewNoActiveSubscriptionError(studentID string) *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveSubscription,
		Message:  fmt.Sprintf("有効なサブスクリプションがありません: %s", studentID),
		Category: "booking",
		Action:   "受講パッケージの購入状況と有効期限を確認してください。",
	}
}

// NewQuotaExceededError はレッスン枠不足エラーを生成する。
func NewQuotaExceededError(remaining, requested int) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("レッスン枠が不足しています（残り%d回、要求%d回）。", remaining, requested),
		Category: "booking",
		Action:   "予約数を減らすか、受講パッケージを追加購入してください。",
	}
}

// NewBookingConflictError は予約時間帯の重複エラーを生成する。
// atには重複を検出した候補枠の開始時刻を指定する。
func NewBookingConflictError(at time.Time, source string) *APIError {
	return &APIError{
		Code:     ErrCodeBookingConflict,
		Message:  fmt.Sprintf("%s の枠は既存の予定と重複しています（%s）。", at.UTC().Format(time.RFC3339), source),
		Category: "booking",
		Action:   "別の時間帯を選択してください。",
	}
}

// NewConcurrentModificationError は同時更新によるレッスン枠の予約失敗エラーを生成する。
func NewConcurrentModificationError() *APIError {
	return &APIError{
		Code:     ErrCodeConcurrentModification,
		Message:  "他の予約処理と競合したため、レッスン枠を確保できませんでした。",
		Category: "booking",
		Action:   "最新の状態を確認してから再度お試しください。",
	}
}

// NewCalendarUnavailableError は外部カレンダーの空き状況を確認できない場合のエラーを生成する。
func NewCalendarUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeCalendarUnavailable,
		Message:  "講師の外部カレンダーの空き状況を確認できませんでした。",
		Category: "booking",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewSessionNotFoundError はセッションが見つからない場合のエラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたレッスンが見つかりません: %s", sessionID),
		Category: "session",
		Action:   "レッスンIDを確認してください。",
	}
}

// NewInvalidActionError は未知のアクション指定エラーを生成する。
func NewInvalidActionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAction,
		Message:  fmt.Sprintf("無効なアクションです: %s", action),
		Category: "validation",
		Action:   "アクションには cancel、complete、no_show、update_notes のいずれかを指定してください。",
	}
}

// NewInvalidSessionStateError は現在の状態では実行できない操作のエラーを生成する。
func NewInvalidSessionStateError(status SessionStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSessionState,
		Message:  fmt.Sprintf("現在の状態（%s）のレッスンにはこの操作を実行できません。", status),
		Category: "session",
		Action:   "予約済みのレッスンに対してのみ実行できます。",
	}
}

// NewTooLateToCancelError はキャンセル期限超過エラーを生成する。
func NewTooLateToCancelError(window time.Duration) *APIError {
	return &APIError{
		Code:     ErrCodeTooLateToCancel,
		Message:  fmt.Sprintf("レッスン開始の%s前を過ぎているためキャンセルできません。", formatWindow(window)),
		Category: "session",
		Action:   "講師または管理者に連絡してください。",
	}
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d時間", int(d/time.Hour))
	}
	return d.String()
}
