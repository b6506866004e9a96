// Package googleapi はGoogle API（Calendar / Drive / Docs）クライアントの共通処理を提供する。
// サービスアカウントまたはADCによるOAuth2トークンの取得と自動更新、
// クライアント側のレート制御、APIエラーの分類を行う。
package googleapi

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gapi "google.golang.org/api/googleapi"

	"github.com/hitoshi/lessonbook/internal/effects"
)

// NewLimiter は1秒あたり perSecond 件のリクエストを許可するリミッターを生成する。
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Wrap はGoogle APIクライアントが返したエラーを *effects.ProviderError に変換する。
// APIのエラーレスポンスとトークン取得の失敗はステータスコード付きで返し、
// それ以外（ネットワーク・タイムアウト）は再試行可能なエラーとしてそのまま包む。
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *gapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" && len(apiErr.Errors) > 0 {
			msg = apiErr.Errors[0].Message
		}
		// 401 はキャッシュ済みトークンの失効による。次回の試行で再取得したトークンを使う。
		return &effects.ProviderError{
			Provider:   provider,
			StatusCode: apiErr.Code,
			Message:    msg,
			Transient:  apiErr.Code == http.StatusUnauthorized,
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		msg := retrieveErr.ErrorCode
		if retrieveErr.ErrorDescription != "" {
			msg += ": " + retrieveErr.ErrorDescription
		}
		return &effects.ProviderError{
			Provider:   provider,
			StatusCode: retrieveErr.Response.StatusCode,
			Message:    "token: " + msg,
		}
	}

	return fmt.Errorf("%s: %w", provider, err)
}

// IsNotFound はerrが対象の存在しないことを示すProviderErrorかを判定する。
func IsNotFound(err error) bool {
	var pe *effects.ProviderError
	return errors.As(err, &pe) && effects.ClassifyHTTPStatus(pe.StatusCode) == effects.ResultNotFound
}
