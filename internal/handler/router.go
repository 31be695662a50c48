package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/trainsync/internal/middleware"
)

// HealthChecker はデータベースの疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              *middleware.CSRF

	// /metrics のハンドラー。nilの場合はルートを登録しない。
	MetricsHandler http.Handler

	// 連携
	SyncService       SyncServiceInterface
	ConnectService    ConnectServiceInterface
	IntegrationConfig IntegrationHandlerConfig
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS
//	  → (連携API) Session → RateLimit → CSRF
//
// OAuthコールバックはstateでユーザーを特定するため、セッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	h := NewIntegrationHandler(deps.SyncService, deps.ConnectService, deps.IntegrationConfig, deps.Logger)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", deps.CSRF.TokenHandler())

	r.Route("/api/integrations", func(r chi.Router) {
		r.Get("/{provider}/callback", h.Callback)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, deps.Logger))
			r.Use(deps.RateLimiter.Middleware())
			r.Use(deps.CSRF.Middleware())

			r.Post("/sync", h.BulkSync)

			r.Route("/{provider}", func(r chi.Router) {
				r.Delete("/", h.Disconnect)
				r.Get("/connect", h.Connect)
				r.Get("/status", h.Status)
				r.Post("/activities/{externalID}/sync", h.SyncActivity)
			})
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認するヘルスチェックハンドラー。
func healthHandler(db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
