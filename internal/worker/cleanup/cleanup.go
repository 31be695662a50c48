// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// 同期レコードは履歴として残すため、このジョブでは削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionDeleter は期限切れセッションの削除インターフェース。
type SessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。
// 削除対象がなくてもエラーにならないため、何度実行してもよい。
type CleanupJob struct {
	sessions SessionDeleter
	logger   *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		logger:   logger,
	}
}

// Run は期限切れのセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後とintervalごとにRunを実行する。コンテキストがキャンセルされるまで戻らない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	// エラーはRun内でログ済み
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
