package effects

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大1時間。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ProviderError は外部APIの呼び出し失敗を表す。
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	// Transient はステータスコードに関わらず再試行で回復しうることを示す。
	Transient bool
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable は再試行で成功する見込みがあるかを返す。
// 認証エラーや不正な要求は再試行しても結果が変わらない。
func (e *ProviderError) Retryable() bool {
	return e.Transient || ClassifyHTTPStatus(e.StatusCode) == ResultRetry
}

// Result はHTTPステータスコードに基づく外部API呼び出し結果の分類。
type Result int

const (
	// ResultOK は成功（2xx）。
	ResultOK Result = iota
	// ResultNotFound は対象が存在しない（404/410）。
	ResultNotFound
	// ResultPermanent は再試行しても成功しない（400/401/403 など）。
	ResultPermanent
	// ResultRetry はバックオフ後に再試行する（429/5xx）。
	ResultRetry
)

// ClassifyHTTPStatus はHTTPステータスコードを呼び出し結果に分類する。
func ClassifyHTTPStatus(statusCode int) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResultOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return ResultNotFound
	case statusCode == http.StatusTooManyRequests:
		return ResultRetry
	case statusCode == http.StatusRequestTimeout:
		return ResultRetry
	case statusCode >= 500:
		return ResultRetry
	default:
		return ResultPermanent
	}
}

// IsRetryable はジョブのエラーに再試行の余地があるかを判定する。
// 複数ステップのエラーが結合されている場合、1つでも再試行可能なら true。
// ProviderError 以外のエラー（DB・ネットワーク）は再試行可能とみなす。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if IsRetryable(e) {
				return true
			}
		}
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}
