package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/lessonbook/internal/metrics"
	"github.com/hitoshi/lessonbook/internal/model"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// callerHolder は内側のミドルウェアで解決された呼び出し元を外側のログに渡す。
type callerHolder struct {
	userID string
	role   string
}

var callerHolderKey = contextKey("caller_holder")

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力し、ステータスコードをメトリクスに記録するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms と、認証済みの場合は user_id、role を含む。
func NewLoggingMiddleware(logger *slog.Logger, mc metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			holder := &callerHolder{}
			ctx := contextWithHolder(r, holder)

			next.ServeHTTP(rec, r.WithContext(ctx))

			mc.RecordHTTPStatus(rec.statusCode)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/float64(time.Millisecond)),
			}
			if holder.userID != "" {
				attrs = append(attrs, slog.String("user_id", holder.userID), slog.String("role", holder.role))
			}

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request", attrs...)
		})
	}
}

func contextWithHolder(r *http.Request, h *callerHolder) context.Context {
	return context.WithValue(r.Context(), callerHolderKey, h)
}

// recordCaller はロギングミドルウェアに呼び出し元を通知する。
func recordCaller(ctx context.Context, caller model.Caller) {
	if h, ok := ctx.Value(callerHolderKey).(*callerHolder); ok {
		h.userID = caller.UserID
		h.role = string(caller.Role)
	}
}
