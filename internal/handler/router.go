package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer
	HealthChecker     HealthChecker
	LoginSessions     middleware.LoginSessionFinder
	Users             middleware.UserFinder
	CORSAllowedOrigin string
	CSRF              *middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 予約
	BookingService BookingServiceInterface

	// レッスン
	SessionService SessionServiceInterface

	// サブスクリプション
	SubscriptionService SubscriptionServiceInterface

	// 受講可能時間帯
	AvailabilityService AvailabilityServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (CSRF) → Caller → RateLimit(General)
//
// /health と /metrics は認証ミドルウェアの外に配置する。
// CSRFがnilの場合はCSRF検証を行わない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, mc))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	bookingHandler := NewBookingHandler(deps.BookingService)
	sessionHandler := NewSessionHandler(deps.SessionService)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService)
	availabilityHandler := NewAvailabilityHandler(deps.AvailabilityService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	if deps.CSRF != nil {
		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(*deps.CSRF))
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: (CSRF) → Caller → RateLimit(General)
	r.Group(func(r chi.Router) {
		if deps.CSRF != nil {
			r.Use(middleware.NewCSRFMiddleware(*deps.CSRF))
		}
		r.Use(middleware.NewCallerMiddleware(deps.LoginSessions, deps.Users))

		limit := func(next http.Handler) http.Handler { return next }
		bookingLimit := limit
		if deps.RateLimiter != nil {
			limit = deps.RateLimiter.GeneralMiddleware()
			bookingLimit = deps.RateLimiter.BookingMiddleware()
		}
		r.Use(limit)

		// 予約作成（予約専用レート制限を追加）
		r.Route("/api/bookings", func(r chi.Router) {
			r.Use(bookingLimit)
			r.Post("/", bookingHandler.Create)
			r.Post("/bulk", bookingHandler.CreateBulk)
			r.Post("/recurring", bookingHandler.CreateRecurring)
		})

		// レッスン
		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Post("/actions", sessionHandler.PerformAction)
			})
		})

		// サブスクリプション
		r.Get("/api/subscriptions/active", subHandler.GetActive)

		// 講師の受講可能時間帯
		r.Route("/api/teachers/{id}", func(r chi.Router) {
			r.Get("/availability", availabilityHandler.List)
			r.Put("/availability", availabilityHandler.Replace)
			r.Get("/freebusy", availabilityHandler.FreeBusy)
		})
	})

	return r
}
