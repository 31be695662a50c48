package activitysync

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/provider"
)

// withRetry はプロバイダー呼び出しを一時的な障害（model.ProviderUnavailableError）に限り
// 指数バックオフで最大MaxRetries回まで再試行する。それ以外のエラーは即座に返す。
func withRetry[T any](ctx context.Context, s *Service, operation string, call func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.cfg.MaxRetries, 0))), ctx)

	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := call()
		if err != nil && !model.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("プロバイダーの一時的な障害のため再試行します",
			slog.String("operation", operation),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}

// withTokenRetry はトークン無効による拒否を受けた場合に1回だけ強制リフレッシュして呼び出しをやり直す。
// 一時的な障害の再試行はwithRetryに委ねる。
func withTokenRetry[T any](
	ctx context.Context,
	s *Service,
	operation string,
	conn *model.Connection,
	call func(accessToken string) (T, error),
) (T, *model.Connection, error) {
	v, err := withRetry(ctx, s, operation, func() (T, error) { return call(conn.AccessToken) })
	if err == nil || !model.IsTokenInvalid(err) {
		return v, conn, err
	}

	s.logger.Info("アクセストークンが拒否されたためリフレッシュします",
		slog.String("user_id", conn.UserID),
		slog.String("provider", conn.Provider),
	)
	refreshed, rerr := s.tokens.ForceRefresh(ctx, conn)
	if rerr != nil {
		var zero T
		return zero, conn, rerr
	}

	v, err = withRetry(ctx, s, operation, func() (T, error) { return call(refreshed.AccessToken) })
	return v, refreshed, err
}

// fetchActivity は1件のアクティビティを取得する。
func (s *Service) fetchActivity(
	ctx context.Context,
	client provider.Client,
	conn *model.Connection,
	externalID string,
) (*model.Activity, *model.Connection, error) {
	return withTokenRetry(ctx, s, "fetch_activity", conn, func(accessToken string) (*model.Activity, error) {
		return client.FetchActivity(ctx, accessToken, externalID)
	})
}

// listRecent は直近のアクティビティを1ページ分取得する。
func (s *Service) listRecent(
	ctx context.Context,
	client provider.Client,
	conn *model.Connection,
) ([]*model.Activity, *model.Connection, error) {
	return withTokenRetry(ctx, s, "list_activities", conn, func(accessToken string) ([]*model.Activity, error) {
		return client.ListActivities(ctx, accessToken, 1, s.cfg.BulkPageSize)
	})
}
