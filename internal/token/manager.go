// Package token はプロバイダー接続のアクセストークンのライフサイクルを管理する。
//
// 有効期限切れのトークンはAPI呼び出しの前にリフレッシュされる。
// リフレッシュは接続ごとにsingleflightで直列化し、1回限り有効なリフレッシュトークン
// （Fitbit）を並行リクエストが二重に消費しないようにする。
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/provider"
	"github.com/hitoshi/trainsync/internal/repository"
)

// リフレッシュ結果のメトリクスラベル
const (
	resultSuccess     = "success"
	resultRejected    = "rejected"
	resultUnavailable = "unavailable"
	resultReused      = "reused"
)

// ProviderLookup はプロバイダー名からClientを引く。
type ProviderLookup interface {
	Get(name string) (provider.Client, error)
}

// RefreshRecorder はトークンリフレッシュの結果を記録する。
type RefreshRecorder interface {
	RecordTokenRefresh(provider, result string)
}

// ErrReconnectRequired はリフレッシュトークンが既に拒否されており、再接続するまで同期できないことを表す。
var ErrReconnectRequired = errors.New("接続が期限切れのため再接続が必要です")

// Manager はトークンの有効性を保証する。
type Manager struct {
	conns     repository.ConnectionRepository
	providers ProviderLookup
	recorder  RefreshRecorder
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group
}

// NewManager はManagerを生成する。recorderはnilでもよい。
func NewManager(
	conns repository.ConnectionRepository,
	providers ProviderLookup,
	recorder RefreshRecorder,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		conns:     conns,
		providers: providers,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// EnsureValidToken は有効なアクセストークンを持つ接続を返す。
//
// 接続がない、または解除済みの場合はmodel.NoConnectionErrorを返す。
// 有効期限（token_expires_at <= now）を過ぎている場合は1回だけリフレッシュを行い、
// 成功すればトークンと有効期限を保存して状態をactiveにする。
// プロバイダーがリフレッシュトークンを拒否した場合は接続をexpiredにし、
// model.TokenRefreshErrorを返す。内部でのリトライは行わない。
// 既にexpiredの接続はリフレッシュせずにmodel.TokenRefreshErrorを返す。
func (m *Manager) EnsureValidToken(ctx context.Context, userID, providerName string) (*model.Connection, error) {
	conn, err := m.conns.FindByUserAndProvider(ctx, userID, providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if conn == nil || conn.Status == model.ConnectionStatusDisconnected {
		return nil, &model.NoConnectionError{UserID: userID, Provider: providerName}
	}
	if conn.Status == model.ConnectionStatusExpired {
		return nil, &model.TokenRefreshError{Provider: providerName, Err: ErrReconnectRequired}
	}
	if !conn.TokenExpired(m.now()) {
		return conn, nil
	}
	return m.refresh(ctx, conn, false)
}

// ForceRefresh はAPI呼び出しがトークン無効で拒否された場合に有効期限に関わらずリフレッシュする。
// 別の呼び出しが既にトークンを更新していれば、リフレッシュせずにその結果を返す。
func (m *Manager) ForceRefresh(ctx context.Context, conn *model.Connection) (*model.Connection, error) {
	return m.refresh(ctx, conn, true)
}

// refresh は接続IDをキーにリフレッシュを直列化する。
// フライト内で接続を再読み込みするため、フライト完了直後に到着した呼び出しも
// 更新済みのトークンを再利用し、リフレッシュトークンを再度消費しない。
func (m *Manager) refresh(ctx context.Context, stale *model.Connection, force bool) (*model.Connection, error) {
	// 1つの呼び出しのキャンセルが同じフライトを待つ他の呼び出しに波及しないようにする
	flightCtx := context.WithoutCancel(ctx)

	ch := m.group.DoChan(stale.ID, func() (any, error) {
		current, err := m.conns.FindByID(flightCtx, stale.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload connection: %w", err)
		}
		if current == nil || current.Status == model.ConnectionStatusDisconnected {
			return nil, &model.NoConnectionError{UserID: stale.UserID, Provider: stale.Provider}
		}
		// 直前のフライトでリフレッシュトークンが拒否されている
		if current.Status == model.ConnectionStatusExpired {
			return nil, &model.TokenRefreshError{Provider: current.Provider, Err: ErrReconnectRequired}
		}

		now := m.now()
		rotated := current.AccessToken != stale.AccessToken
		if !current.TokenExpired(now) && (!force || rotated) {
			m.record(current.Provider, resultReused)
			return current, nil
		}
		return m.doRefresh(flightCtx, current)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// 共有結果を呼び出し元ごとに複製する
		conn := *res.Val.(*model.Connection)
		return &conn, nil
	}
}

// doRefresh はプロバイダーのリフレッシュを1回呼び、結果を保存する。
func (m *Manager) doRefresh(ctx context.Context, conn *model.Connection) (*model.Connection, error) {
	client, err := m.providers.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tokens, err := client.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		if model.IsRetryable(err) {
			// 一時的な障害では接続を降格しない
			m.record(conn.Provider, resultUnavailable)
			m.logger.Warn("トークンリフレッシュが一時的に失敗しました",
				slog.String("connection_id", conn.ID),
				slog.String("provider", conn.Provider),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		m.record(conn.Provider, resultRejected)
		m.expire(ctx, conn)
		return nil, &model.TokenRefreshError{Provider: conn.Provider, Err: err}
	}

	now := m.now()
	conn.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		conn.RefreshToken = tokens.RefreshToken
	}
	conn.TokenExpiresAt = tokens.ExpiresAt
	if len(tokens.Scopes) > 0 {
		conn.Scopes = tokens.Scopes
	}
	if err := conn.Transition(model.ConnectionStatusActive, now); err != nil {
		return nil, err
	}

	if err := m.conns.UpdateTokens(ctx, conn); err != nil {
		// リフレッシュトークンが1回限りのプロバイダーでは再接続が必要になる
		m.logger.Error("リフレッシュしたトークンの保存に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("provider", conn.Provider),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	m.record(conn.Provider, resultSuccess)
	m.logger.Info("トークンをリフレッシュしました",
		slog.String("connection_id", conn.ID),
		slog.String("provider", conn.Provider),
		slog.Time("expires_at", conn.TokenExpiresAt),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return conn, nil
}

// expire は接続をexpiredにする。保存の失敗はログのみ。
func (m *Manager) expire(ctx context.Context, conn *model.Connection) {
	now := m.now()
	if err := conn.Transition(model.ConnectionStatusExpired, now); err != nil {
		m.logger.Error("接続の状態遷移に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := m.conns.UpdateStatus(ctx, conn.ID, model.ConnectionStatusExpired, now); err != nil {
		m.logger.Error("接続の状態更新に失敗しました",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Warn("リフレッシュトークンが拒否されたため接続を期限切れにしました",
		slog.String("connection_id", conn.ID),
		slog.String("provider", conn.Provider),
	)
}

func (m *Manager) record(providerName, result string) {
	if m.recorder != nil {
		m.recorder.RecordTokenRefresh(providerName, result)
	}
}
