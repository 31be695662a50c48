// Package app はtrainsyncの起動処理とサブコマンドを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/trainsync/internal/config"
	"github.com/hitoshi/trainsync/internal/database"
	"github.com/hitoshi/trainsync/internal/handler"
	"github.com/hitoshi/trainsync/internal/logger"
	"github.com/hitoshi/trainsync/internal/metrics"
	"github.com/hitoshi/trainsync/internal/middleware"
	"github.com/hitoshi/trainsync/internal/worker/cleanup"
	"github.com/hitoshi/trainsync/internal/worker/syncjob"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをグローバルロガーに設定する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込みの失敗もJSONで出力できるように、先にInfoレベルで初期化する
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel)), nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// openDB はコネクションプールを設定してDBを開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "trainsync"),
	)

	svc, err := newServices(cfg, db, log, reg)
	if err != nil {
		return err
	}
	log.Info("providers registered", slog.Any("providers", svc.registry.Names()))

	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral), logger.Component(log, "ratelimit"))
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger.Component(log, "http"),
		HealthChecker:     db,
		SessionFinder:     svc.sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		CSRF: middleware.NewCSRF(middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		}, logger.Component(log, "csrf")),
		MetricsHandler: metrics.Handler(reg),
		SyncService:    svc.sync,
		ConnectService: svc.connect,
		IntegrationConfig: handler.IntegrationHandlerConfig{
			ConnectedRedirectURL:  strings.TrimRight(cfg.CORSAllowedOrigin, "/") + "/settings/integrations",
			BulkRetryAfterSeconds: bulkRetryAfterSeconds(cfg.BulkSyncPerHour),
		},
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.SyncTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップをバックグラウンドで実行し、
// 同期スケジューラをctxがキャンセルされるまで実行する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established (worker)")

	// ワーカーはメトリクスを公開しないが、計測の経路はサーバーと共通にする
	svc, err := newServices(cfg, db, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	cleanupJob := cleanup.NewCleanupJob(svc.sessions, logger.Component(log, "cleanup"))
	go cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	scheduler := syncjob.NewScheduler(svc.conns, svc.sync, svc.collector, logger.Component(log, "scheduler"), syncjob.Config{
		StaleAfter:     cfg.SyncStaleAfter,
		BatchSize:      cfg.SyncBatchSize,
		MaxConcurrency: cfg.SyncMaxConcurrent,
		AutoApply:      true,
	})

	log.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)
	scheduler.Start(ctx, cfg.SyncInterval)

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はすべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はdistroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", port))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
