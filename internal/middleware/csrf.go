package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/trainsync/internal/model"
)

const (
	// csrfCookieName はダブルサブミット用トークンのCookie名。
	// フロントエンドが読み取ってヘッダーに載せるためHttpOnlyにしない。
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
	csrfMaxAge     = 86400
)

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
}

// CSRF はセッションCookieで認証される状態変更リクエスト（同期実行、接続解除）を
// ダブルサブミットトークンで保護する。
type CSRF struct {
	config CSRFConfig
	logger *slog.Logger
}

// NewCSRF はCSRFを生成する。
func NewCSRF(config CSRFConfig, logger *slog.Logger) *CSRF {
	return &CSRF{config: config, logger: logger}
}

// Middleware は安全なメソッドではトークンCookieを用意し、
// それ以外のメソッドではCookieとヘッダーのトークン一致を要求する。
func (c *CSRF) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				if _, err := r.Cookie(csrfCookieName); err != nil {
					c.issue(w)
				}
				next.ServeHTTP(w, r)
				return
			}

			if reason := c.verify(r); reason != "" {
				c.logger.Warn("CSRFトークンの検証に失敗しました",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("reason", reason),
				)
				WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
					Code:     "CSRF_TOKEN_INVALID",
					Message:  "リクエストを検証できませんでした。",
					Category: "auth",
					Action:   "ページを再読み込みしてから再度お試しください。",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TokenHandler は GET /api/csrf-token のハンドラー。既存のトークンがあればそれを返す。
func (c *CSRF) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if cookie, err := r.Cookie(csrfCookieName); err == nil && cookie.Value != "" {
			token = cookie.Value
		} else if token = c.issue(w); token == "" {
			WriteInternalServerError(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
}

// verify は検証に失敗した理由を返す。成功時は空文字列。
func (c *CSRF) verify(r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return "missing_cookie"
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return "missing_header"
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return "mismatch"
	}
	return ""
}

// issue は新しいトークンを生成してCookieに設定し、トークンを返す。失敗時は空文字列。
func (c *CSRF) issue(w http.ResponseWriter) string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		c.logger.Error("CSRFトークンの生成に失敗しました", slog.String("error", err.Error()))
		return ""
	}
	token := hex.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   c.config.CookieDomain,
		MaxAge:   csrfMaxAge,
		HttpOnly: false,
		Secure:   c.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
