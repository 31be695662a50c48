// Package syncjob は接続済みユーザーのバックグラウンド一括同期を提供する。
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/trainsync/internal/activitysync"
	"github.com/hitoshi/trainsync/internal/model"
)

// Result はスケジューラが記録する同期結果のラベル。
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultRateLimited = "rate_limited"
)

// DueUserLister は同期が必要なユーザーの一覧取得インターフェース。
type DueUserLister interface {
	ListUsersDueForSync(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
}

// BulkSyncer はユーザー単位の一括同期の実行インターフェース。
type BulkSyncer interface {
	BulkSync(ctx context.Context, userID string, opts activitysync.Options) (*activitysync.BulkResult, error)
}

// Recorder はユーザー単位の結果を記録する。
type Recorder interface {
	RecordScheduledSync(result string)
}

// Config はスケジューラの設定。
type Config struct {
	// StaleAfter はlast_synced_atがこれより古い接続を同期対象とする。
	StaleAfter time.Duration
	// BatchSize は1サイクルで処理するユーザー数の上限。
	BatchSize int
	// MaxConcurrency は同時に同期するユーザー数。
	MaxConcurrency int
	// AutoApply は一致したワークアウトの実績フィールドを更新するかどうか。
	AutoApply bool
}

// Scheduler はactiveな接続を持つユーザーの一括同期を定期的に実行する。
// semaphoreパターンで同時に同期するユーザー数を制限する。
type Scheduler struct {
	users    DueUserLister
	syncer   BulkSyncer
	recorder Recorder
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。recorderはnilでもよい。
func NewScheduler(users DueUserLister, syncer BulkSyncer, recorder Recorder, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Scheduler{
		users:    users,
		syncer:   syncer,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで戻らない。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.cfg.MaxConcurrency),
		slog.Duration("stale_after", s.cfg.StaleAfter),
	)

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("同期サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}
}

// RunOnce は同期が必要なユーザーを取得し、並列で一括同期を実行する。
// ユーザー単位のエラーはログと計測に記録し、サイクル自体は失敗させない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.now()

	userIDs, err := s.users.ListUsersDueForSync(ctx, start.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("同期対象ユーザーの取得に失敗しました: %w", err)
	}
	if len(userIDs) == 0 {
		s.logger.Debug("同期対象のユーザーはいません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します", slog.Int("user_count", len(userIDs)))

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup

loop:
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		wg.Add(1)

		go func(uid string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.syncUser(ctx, uid)
		}(userID)
	}

	wg.Wait()

	s.logger.Info("同期サイクルが完了しました",
		slog.Int("user_count", len(userIDs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return ctx.Err()
}

func (s *Scheduler) syncUser(ctx context.Context, userID string) {
	result, err := s.syncer.BulkSync(ctx, userID, activitysync.Options{AutoApply: s.cfg.AutoApply})
	switch {
	case errors.Is(err, model.ErrRateLimited):
		s.logger.Info("一括同期の回数上限のためスキップしました", slog.String("user_id", userID))
		s.record(ResultRateLimited)
	case err != nil:
		s.logger.Error("ユーザーの一括同期に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		s.record(ResultError)
	default:
		for _, itemErr := range result.Errors {
			s.logger.Warn("アクティビティの同期に失敗しました",
				slog.String("user_id", userID),
				slog.String("provider", itemErr.Provider),
				slog.String("external_id", itemErr.ExternalID),
				slog.String("error", itemErr.Err.Error()),
			)
		}
		s.logger.Info("ユーザーの一括同期が完了しました",
			slog.String("user_id", userID),
			slog.Int("listed", result.Listed),
			slog.Int("synced", len(result.Synced)),
			slog.Int("superseded", result.Superseded),
			slog.Int("errors", len(result.Errors)),
		)
		s.record(ResultOK)
	}
}

func (s *Scheduler) record(result string) {
	if s.recorder != nil {
		s.recorder.RecordScheduledSync(result)
	}
}
