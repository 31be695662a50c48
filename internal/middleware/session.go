// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/trainsync/internal/model"
)

// sessionCookieName はログイン基盤が発行するセッションCookieの名前。
const sessionCookieName = "session_id"

type contextKey string

var userIDContextKey = contextKey("user_id")

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はCookieのセッションを検証し、ユーザーIDをコンテキストに注入する。
// セッションの発行は行わない。無効なセッションには401を返す。
func NewSessionMiddleware(sessions SessionFinder, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteUnauthorized(w)
				return
			}

			session, err := sessions.FindByID(r.Context(), cookie.Value)
			if err != nil {
				logger.Error("セッションの取得に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteUnauthorized(w)
				return
			}
			if session == nil {
				WriteUnauthorized(w)
				return
			}

			recordUserID(r.Context(), session.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), session.UserID)))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
