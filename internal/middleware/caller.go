// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/lessonbook/internal/model"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// callerContextKey はリクエストコンテキストに認証済みの呼び出し元を格納するためのキー。
var callerContextKey = contextKey("caller")

// LoginSessionFinder はログインセッションの検索インターフェース。
// 期限切れのセッションは nil を返すこと。
type LoginSessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.LoginSession, error)
}

// UserFinder は利用者の検索インターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// NewCallerMiddleware はHTTP Only Cookieのログインセッションから呼び出し元（利用者IDとロール）を解決し、
// リクエストコンテキストに注入するミドルウェアを返す。
// 未認証のリクエストには401を返す。
func NewCallerMiddleware(sessions LoginSessionFinder, users UserFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteUnauthorized(w)
				return
			}

			session, err := sessions.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find login session", slog.String("error", err.Error()))
				WriteUnauthorized(w)
				return
			}
			if session == nil {
				WriteUnauthorized(w)
				return
			}

			user, err := users.FindByID(r.Context(), session.UserID)
			if err != nil {
				slog.Error("failed to find user for login session",
					slog.String("user_id", session.UserID),
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}
			if user == nil || !user.Role.Valid() {
				WriteUnauthorized(w)
				return
			}

			caller := model.Caller{UserID: user.ID, Role: user.Role}
			recordCaller(r.Context(), caller)
			ctx := ContextWithCaller(r.Context(), caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext はリクエストコンテキストから呼び出し元を取得する。
func CallerFromContext(ctx context.Context) (model.Caller, error) {
	caller, ok := ctx.Value(callerContextKey).(model.Caller)
	if !ok || caller.UserID == "" {
		return model.Caller{}, errors.New("caller not found in context")
	}
	return caller, nil
}

// UserIDFromContext はリクエストコンテキストから呼び出し元の利用者IDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	caller, err := CallerFromContext(ctx)
	if err != nil {
		return "", err
	}
	return caller.UserID, nil
}

// ContextWithCaller はコンテキストに呼び出し元を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithCaller(ctx context.Context, caller model.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}
