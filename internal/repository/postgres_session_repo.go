package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/trainsync/internal/model"
)

// PostgresSessionRepo はsessionsテーブルを扱う。
// セッションの発行はログイン基盤が行い、ここでは参照と期限切れの削除のみ行う。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// FindByID は有効期限内のセッションを取得する。期限切れや存在しない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = $1 AND expires_at > now()`,
		id,
	)
	switch err := row.Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt); {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	return &s, nil
}

// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
// 同期レコードやワークアウトには触れない。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("期限切れセッションの削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
