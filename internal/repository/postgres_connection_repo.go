package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/trainsync/internal/model"
)

// connectionColumns はconnectionsのSELECT列。scanConnectionと順序を合わせる。
const connectionColumns = `id, user_id, provider, provider_athlete_id, access_token, refresh_token,
	token_expires_at, scopes, profile, status, last_synced_at, created_at, updated_at`

// PostgresConnectionRepo はPostgreSQLを使用したプロバイダー接続リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*model.Connection, error) {
	conn := &model.Connection{}
	var profile []byte
	var lastSynced sql.NullTime

	if err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Provider, &conn.ProviderAthleteID,
		&conn.AccessToken, &conn.RefreshToken, &conn.TokenExpiresAt,
		pq.Array(&conn.Scopes), &profile, &conn.Status, &lastSynced,
		&conn.CreatedAt, &conn.UpdatedAt,
	); err != nil {
		return nil, err
	}

	conn.Profile = profile
	if lastSynced.Valid {
		t := lastSynced.Time
		conn.LastSyncedAt = &t
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) findOne(ctx context.Context, where string, args ...any) (*model.Connection, error) {
	conn, err := scanConnection(r.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	return conn, nil
}

// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByID(ctx context.Context, id string) (*model.Connection, error) {
	return r.findOne(ctx, `id = $1`, id)
}

// FindByUserAndProvider はユーザーとプロバイダーで接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.Connection, error) {
	return r.findOne(ctx, `user_id = $1 AND provider = $2`, userID, provider)
}

// FindByProviderAthlete はプロバイダーのアスリートIDで接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByProviderAthlete(ctx context.Context, provider, athleteID string) (*model.Connection, error) {
	return r.findOne(ctx, `provider = $1 AND provider_athlete_id = $2`, provider, athleteID)
}

// ListActiveByUser はユーザーのactiveな接続をプロバイダー名順に返す。
func (r *PostgresConnectionRepo) ListActiveByUser(ctx context.Context, userID string) ([]*model.Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+`
		 FROM connections
		 WHERE user_id = $1 AND status = 'active'
		 ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("接続一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var conns []*model.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("接続の読み取りに失敗しました: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// ListUsersDueForSync は同期が古い（または未同期の）activeな接続を持つユーザーIDを、
// 最も長く同期されていない順に返す。
func (r *PostgresConnectionRepo) ListUsersDueForSync(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id
		 FROM connections
		 WHERE status = 'active'
		   AND (last_synced_at IS NULL OR last_synced_at < $1)
		 GROUP BY user_id
		 ORDER BY min(last_synced_at) NULLS FIRST, user_id
		 LIMIT $2`,
		staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("同期対象ユーザーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("同期対象ユーザーの読み取りに失敗しました: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// Upsert は (user_id, provider) で接続をUPSERTし、デバイス一覧を置き換える。
// 既存の行がある場合はconn.IDを既存のIDで上書きする。
// アスリートIDが別ユーザーに紐付いている場合はmodel.ErrAthleteAlreadyLinkedを返す。
func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn *model.Connection, devices []*model.Device) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// lib/pqは[]byteをbyteaとして送るため、jsonbには文字列で渡す
	profile := string(conn.Profile)
	if profile == "" {
		profile = "{}"
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO connections (id, user_id, provider, provider_athlete_id, access_token, refresh_token,
		                          token_expires_at, scopes, profile, status, last_synced_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		    provider_athlete_id = EXCLUDED.provider_athlete_id,
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    token_expires_at = EXCLUDED.token_expires_at,
		    scopes = EXCLUDED.scopes,
		    profile = EXCLUDED.profile,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		conn.ID, conn.UserID, conn.Provider, conn.ProviderAthleteID,
		conn.AccessToken, conn.RefreshToken, conn.TokenExpiresAt,
		pq.Array(conn.Scopes), profile, conn.Status, conn.LastSyncedAt,
		conn.CreatedAt, conn.UpdatedAt,
	).Scan(&conn.ID)
	if err != nil {
		if constraint, ok := uniqueViolationOn(err); ok && constraint == constraintAthlete {
			return model.ErrAthleteAlreadyLinked
		}
		return fmt.Errorf("接続の保存に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE connection_id = $1`, conn.ID); err != nil {
		return fmt.Errorf("デバイスの削除に失敗しました: %w", err)
	}
	for _, d := range devices {
		d.ConnectionID = conn.ID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO devices (id, connection_id, external_id, name, kind, last_sync_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (connection_id, external_id) DO NOTHING`,
			d.ID, d.ConnectionID, d.ExternalID, d.Name, d.Kind, d.LastSyncAt, d.CreatedAt,
		); err != nil {
			return fmt.Errorf("デバイスの保存に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateTokens はトークンペア、有効期限、スコープ、状態を更新する。
func (r *PostgresConnectionRepo) UpdateTokens(ctx context.Context, conn *model.Connection) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connections SET
		    access_token = $2, refresh_token = $3, token_expires_at = $4,
		    scopes = $5, status = $6, updated_at = $7
		 WHERE id = $1`,
		conn.ID, conn.AccessToken, conn.RefreshToken, conn.TokenExpiresAt,
		pq.Array(conn.Scopes), conn.Status, conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus は接続の状態を更新する。
func (r *PostgresConnectionRepo) UpdateStatus(ctx context.Context, id string, status model.ConnectionStatus, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connections SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("接続状態の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は接続を削除する。devicesとsync_recordsはCASCADE削除される。
func (r *PostgresConnectionRepo) Delete(ctx context.Context, userID, provider string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM connections WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	if err != nil {
		return false, fmt.Errorf("接続の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListDevices は接続に紐付くデバイスを名前順に返す。
func (r *PostgresConnectionRepo) ListDevices(ctx context.Context, connectionID string) ([]*model.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, connection_id, external_id, name, kind, last_sync_at, created_at
		 FROM devices
		 WHERE connection_id = $1
		 ORDER BY name, external_id`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("デバイスの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		d := &model.Device{}
		var lastSync sql.NullTime
		if err := rows.Scan(&d.ID, &d.ConnectionID, &d.ExternalID, &d.Name, &d.Kind, &lastSync, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("デバイスの読み取りに失敗しました: %w", err)
		}
		if lastSync.Valid {
			t := lastSync.Time
			d.LastSyncAt = &t
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)
