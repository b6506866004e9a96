package googleapi

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/lessonbook/internal/metrics"
)

// userAgent はGoogle APIへのリクエストに付与するUser-Agent。
const userAgent = "Lessonbook/1.0"

// NewHTTPClient はGoogle APIクライアントに渡すHTTPクライアントを生成する。
// リクエストは limiter で間隔を空け、ts のトークンをAuthorizationヘッダーに付与して
// base のTransport（SSRF対策済みの外部向けクライアント）から送信する。
// limiter は複数のプロバイダーで共有してよい。nilの場合はレート制御を行わない。
func NewHTTPClient(provider string, base *http.Client, ts oauth2.TokenSource, limiter *rate.Limiter, mc metrics.MetricsCollector) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if mc == nil {
		mc = metrics.Nop{}
	}

	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}

	var rt http.RoundTripper = &pacedTransport{
		provider: provider,
		next:     next,
		limiter:  limiter,
		metrics:  mc,
	}
	if ts != nil {
		rt = &oauth2.Transport{Source: ts, Base: rt}
	}

	return &http.Client{
		Transport:     rt,
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
	}
}

// pacedTransport はレート制御とレイテンシの計測を行うRoundTripper。
type pacedTransport struct {
	provider string
	next     http.RoundTripper
	limiter  *rate.Limiter
	metrics  metrics.MetricsCollector
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", t.provider, err)
		}
	}

	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	t.metrics.RecordProviderLatency(t.provider, time.Since(start))
	return resp, err
}
