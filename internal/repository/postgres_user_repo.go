package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/trainsync/internal/model"
)

// PostgresUserRepo はusersテーブルを参照する。
// ユーザーの作成と更新はログイン基盤の責務で、ここでは読み取りのみ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID はユーザーを取得する。見つからない場合はnilを返す。
// OAuthコールバック時点でstateのユーザーがまだ存在するかの確認に使う。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	row := r.db.QueryRowContext(ctx, `SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`, id)
	switch err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt); {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("ユーザー %s の取得に失敗しました: %w", id, err)
	}
	return &u, nil
}

var _ UserRepository = (*PostgresUserRepo)(nil)
