package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/provider"
	"github.com/hitoshi/trainsync/internal/repository"
)

// ProviderLookup はプロバイダー名からClientを引く。
type ProviderLookup interface {
	Get(name string) (provider.Client, error)
}

// ConnectService はプロバイダー接続の開始とコールバック処理を提供する。
type ConnectService struct {
	states    *StateCodec
	providers ProviderLookup
	users     repository.UserRepository
	conns     repository.ConnectionRepository
	logger    *slog.Logger
	now       func() time.Time
}

// NewConnectService はConnectServiceを生成する。
func NewConnectService(
	states *StateCodec,
	providers ProviderLookup,
	users repository.UserRepository,
	conns repository.ConnectionRepository,
	logger *slog.Logger,
) *ConnectService {
	return &ConnectService{
		states:    states,
		providers: providers,
		users:     users,
		conns:     conns,
		logger:    logger,
		now:       time.Now,
	}
}

// BeginConnect はプロバイダーの認可画面URLを返す。
func (s *ConnectService) BeginConnect(userID, providerName string) (string, error) {
	client, err := s.providers.Get(providerName)
	if err != nil {
		return "", err
	}
	state, err := s.states.Issue(userID, providerName)
	if err != nil {
		return "", err
	}
	return client.AuthCodeURL(state), nil
}

// HandleCallback はOAuthコールバックを処理し、接続を作成または更新する。
//
// stateの検証、ユーザーの存在確認、認可コードの交換を行い、
// アスリートIDが別ユーザーに紐付いている場合はmodel.ErrAthleteAlreadyLinkedを返す。
// 接続はactiveとしてスコープとプロフィールのスナップショット付きで保存され、デバイス一覧は置き換えられる。
func (s *ConnectService) HandleCallback(ctx context.Context, providerName, code, state string) (*model.Connection, error) {
	// 1. stateを検証してユーザーを特定
	userID, err := s.states.Verify(state, providerName)
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}

	client, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, &model.ProviderRejectedError{Provider: providerName, StatusCode: 400, Body: "authorization was denied or no code was returned"}
	}

	// 2. 認可コードをトークンに交換し、プロフィールを取得
	tokens, profile, err := client.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange %s code: %w", providerName, err)
	}

	// 3. アスリートIDが別ユーザーに紐付いていないことを確認
	linked, err := s.conns.FindByProviderAthlete(ctx, providerName, profile.AthleteID)
	if err != nil {
		return nil, fmt.Errorf("failed to find connection by athlete: %w", err)
	}
	if linked != nil && linked.UserID != userID {
		s.logger.Warn("アスリートIDが別ユーザーに接続済みです",
			slog.String("user_id", userID),
			slog.String("provider", providerName),
			slog.String("linked_user_id", linked.UserID),
		)
		return nil, model.ErrAthleteAlreadyLinked
	}

	// 4. 接続をUPSERT
	now := s.now()
	conn := &model.Connection{
		ID:                uuid.New().String(),
		UserID:            userID,
		Provider:          providerName,
		ProviderAthleteID: profile.AthleteID,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		TokenExpiresAt:    tokens.ExpiresAt,
		Scopes:            tokens.Scopes,
		Profile:           profile.Raw,
		Status:            model.ConnectionStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	existing, err := s.conns.FindByUserAndProvider(ctx, userID, providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to find existing connection: %w", err)
	}
	if existing != nil {
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
		conn.LastSyncedAt = existing.LastSyncedAt
	}

	devices := make([]*model.Device, 0, len(profile.Devices))
	for _, d := range profile.Devices {
		devices = append(devices, &model.Device{
			ID:           uuid.New().String(),
			ConnectionID: conn.ID,
			ExternalID:   d.ExternalID,
			Name:         d.Name,
			Kind:         d.Kind,
			LastSyncAt:   d.LastSyncAt,
			CreatedAt:    now,
		})
	}

	if err := s.conns.Upsert(ctx, conn, devices); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	s.logger.Info("プロバイダーに接続しました",
		slog.String("user_id", userID),
		slog.String("provider", providerName),
		slog.String("connection_id", conn.ID),
		slog.Int("device_count", len(devices)),
	)
	return conn, nil
}
