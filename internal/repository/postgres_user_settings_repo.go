package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/trainsync/internal/model"
)

// PostgresUserSettingsRepo はPostgreSQLを使用したユーザー設定リポジトリ。
type PostgresUserSettingsRepo struct {
	db *sql.DB
}

// NewPostgresUserSettingsRepo はPostgresUserSettingsRepoを生成する。
func NewPostgresUserSettingsRepo(db *sql.DB) *PostgresUserSettingsRepo {
	return &PostgresUserSettingsRepo{db: db}
}

// FindByUserID は指定ユーザーの設定を取得する。見つからない場合はnilを返す。
func (r *PostgresUserSettingsRepo) FindByUserID(ctx context.Context, userID string) (*model.UserSettings, error) {
	settings := &model.UserSettings{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, source_preference, updated_at FROM user_settings WHERE user_id = $1`,
		userID,
	).Scan(&settings.UserID, &settings.SourcePreference, &settings.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー設定の取得に失敗しました: %w", err)
	}
	return settings, nil
}

var _ UserSettingsRepository = (*PostgresUserSettingsRepo)(nil)
