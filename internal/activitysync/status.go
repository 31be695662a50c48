package activitysync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

// Status はユーザーとプロバイダーの接続状態。
type Status struct {
	Provider     string
	Connected    bool
	State        model.ConnectionStatus
	TokenExpired bool
	LastSyncedAt *time.Time
	Scopes       []string
	Devices      []*model.Device
}

// Status は接続状態を返す。接続がない場合はConnected=falseを返し、エラーにはしない。
func (s *Service) Status(ctx context.Context, userID, providerName string) (*Status, error) {
	if _, err := s.providers.Get(providerName); err != nil {
		return nil, err
	}

	conn, err := s.conns.FindByUserAndProvider(ctx, userID, providerName)
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	if conn == nil || conn.Status == model.ConnectionStatusDisconnected {
		return &Status{Provider: providerName, Devices: []*model.Device{}}, nil
	}

	devices, err := s.conns.ListDevices(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("デバイスの取得に失敗しました: %w", err)
	}
	if devices == nil {
		devices = []*model.Device{}
	}

	return &Status{
		Provider:     providerName,
		Connected:    conn.Status == model.ConnectionStatusActive,
		State:        conn.Status,
		TokenExpired: conn.TokenExpired(s.now()),
		LastSyncedAt: conn.LastSyncedAt,
		Scopes:       conn.Scopes,
		Devices:      devices,
	}, nil
}

// Disconnect は接続を削除する。デバイスと同期レコードも削除される。
// 取り込み済みのワークアウトは残る。
func (s *Service) Disconnect(ctx context.Context, userID, providerName string) error {
	if _, err := s.providers.Get(providerName); err != nil {
		return err
	}

	deleted, err := s.conns.Delete(ctx, userID, providerName)
	if err != nil {
		return fmt.Errorf("接続の削除に失敗しました: %w", err)
	}
	if !deleted {
		return &model.NoConnectionError{UserID: userID, Provider: providerName}
	}

	s.logger.Info("プロバイダーとの接続を解除しました",
		slog.String("user_id", userID),
		slog.String("provider", providerName),
	)
	return nil
}
