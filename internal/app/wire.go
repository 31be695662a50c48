package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/trainsync/internal/activitysync"
	"github.com/hitoshi/trainsync/internal/auth"
	"github.com/hitoshi/trainsync/internal/config"
	"github.com/hitoshi/trainsync/internal/logger"
	"github.com/hitoshi/trainsync/internal/metrics"
	"github.com/hitoshi/trainsync/internal/middleware"
	"github.com/hitoshi/trainsync/internal/provider"
	"github.com/hitoshi/trainsync/internal/repository"
	"github.com/hitoshi/trainsync/internal/security"
	"github.com/hitoshi/trainsync/internal/token"
)

// endpointGuard はプロバイダー通信に使うSSRF防止機能。
type endpointGuard interface {
	NewSafeClient(timeout time.Duration) *http.Client
	ValidateEndpoint(rawURL string) error
}

// services はserveとworkerで共有するドメインサービス群。
type services struct {
	sessions  *repository.PostgresSessionRepo
	conns     *repository.PostgresConnectionRepo
	sync      *activitysync.Service
	connect   *auth.ConnectService
	collector *metrics.Collector
	registry  *provider.Registry
}

// newServices はリポジトリ、プロバイダー、同期サービスを構築する。
// メトリクスはregに登録される。
func newServices(cfg *config.Config, db *sql.DB, log *slog.Logger, reg prometheus.Registerer) (*services, error) {
	collector := metrics.NewCollector(reg)

	registry, err := buildProviders(cfg, security.NewSSRFGuard(), collector)
	if err != nil {
		return nil, err
	}

	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	settingsRepo := repository.NewPostgresUserSettingsRepo(db)
	connRepo := repository.NewPostgresConnectionRepo(db)
	workoutRepo := repository.NewPostgresWorkoutRepo(db)
	recordRepo := repository.NewPostgresSyncRecordRepo(db)

	tokens := token.NewManager(connRepo, registry, collector, logger.Component(log, "token"))

	syncSvc := activitysync.NewService(
		tokens, registry, connRepo, workoutRepo, recordRepo, settingsRepo,
		security.NewNotesSanitizer(), collector, logger.Component(log, "sync"),
		syncConfig(cfg),
	)

	connectSvc := auth.NewConnectService(
		auth.NewStateCodec(cfg.StateSecret, cfg.StateMaxAge),
		registry, userRepo, connRepo, logger.Component(log, "connect"),
	)

	return &services{
		sessions:  sessionRepo,
		conns:     connRepo,
		sync:      syncSvc,
		connect:   connectSvc,
		collector: collector,
		registry:  registry,
	}, nil
}

// syncConfig は同期サービスの設定を環境変数の値で上書きする。
func syncConfig(cfg *config.Config) activitysync.Config {
	sc := activitysync.DefaultConfig()
	sc.Timeout = cfg.SyncTimeout
	sc.MaxRetries = cfg.SyncMaxRetries
	sc.BulkPerHour = cfg.BulkSyncPerHour
	sc.BulkPageSize = cfg.BulkSyncPageSize
	sc.Matcher.MaxCandidates = cfg.MatchMaxCandidates
	return sc
}

// bulkRetryAfterSeconds は一括同期の回数超過時に次の1回が許可されるまでの秒数。
func bulkRetryAfterSeconds(perHour int) int {
	return middleware.RetryAfterSeconds(rate.Limit(float64(perHour) / 3600))
}

// buildProviders は設定済みのプロバイダーのクライアントを登録したRegistryを返す。
// 上書きされたエンドポイントはSSRFガードで検証し、HTTPクライアントもガード経由で生成する。
func buildProviders(cfg *config.Config, guard endpointGuard, observer provider.RequestObserver) (*provider.Registry, error) {
	httpClient := guard.NewSafeClient(cfg.ProviderHTTPTimeout)

	var clients []provider.Client
	for _, p := range []struct {
		name string
		cfg  config.ProviderConfig
	}{
		{provider.Strava, cfg.Strava},
		{provider.Fitbit, cfg.Fitbit},
	} {
		if !p.cfg.Enabled() {
			continue
		}
		for _, endpoint := range []string{p.cfg.APIBaseURL, p.cfg.TokenURL} {
			if endpoint == "" {
				continue
			}
			if err := guard.ValidateEndpoint(endpoint); err != nil {
				return nil, fmt.Errorf("%s endpoint is not allowed: %w", p.name, err)
			}
		}

		oauthCfg := provider.OAuthConfig{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			RedirectURL:  p.cfg.RedirectURL,
			TokenURL:     p.cfg.TokenURL,
			APIBaseURL:   p.cfg.APIBaseURL,
		}
		switch p.name {
		case provider.Strava:
			clients = append(clients, provider.NewStravaClient(oauthCfg, httpClient, observer))
		case provider.Fitbit:
			clients = append(clients, provider.NewFitbitClient(oauthCfg, httpClient, observer))
		}
	}

	return provider.NewRegistry(clients...), nil
}
