package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/trainsync/internal/model"
)

const syncRecordColumns = `id, user_id, connection_id, provider, external_activity_id, workout_id,
	status, error_message, match_class, confidence, activity_started_at, activity_duration_minutes,
	created_at, updated_at`

func scanSyncRecord(row rowScanner) (*model.SyncRecord, error) {
	rec := &model.SyncRecord{}
	var workoutID sql.NullString
	var startedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.ConnectionID, &rec.Provider, &rec.ExternalActivityID, &workoutID,
		&rec.Status, &rec.ErrorMessage, &rec.MatchClass, &rec.Confidence, &startedAt, &rec.ActivityDurationMinutes,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if workoutID.Valid {
		id := workoutID.String
		rec.WorkoutID = &id
	}
	if startedAt.Valid {
		rec.ActivityStartedAt = startedAt.Time
	}
	return rec, nil
}

// PostgresSyncRecordRepo はPostgreSQLを使用した同期レコードリポジトリ。
type PostgresSyncRecordRepo struct {
	db *sql.DB
}

// NewPostgresSyncRecordRepo はPostgresSyncRecordRepoを生成する。
func NewPostgresSyncRecordRepo(db *sql.DB) *PostgresSyncRecordRepo {
	return &PostgresSyncRecordRepo{db: db}
}

// CreatePending はpendingの同期レコードを作成する。
// 部分一意インデックス違反はErrDuplicateに変換する。
func (r *PostgresSyncRecordRepo) CreatePending(ctx context.Context, rec *model.SyncRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_records (id, user_id, connection_id, provider, external_activity_id,
		                           status, activity_started_at, activity_duration_minutes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.UserID, rec.ConnectionID, rec.Provider, rec.ExternalActivityID,
		model.SyncStatusPending, nullTime(rec.ActivityStartedAt), rec.ActivityDurationMinutes, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolationOn(err); ok && constraint == constraintActiveRecord {
			return ErrDuplicate
		}
		return fmt.Errorf("同期レコードの作成に失敗しました: %w", err)
	}
	return nil
}

// FindActive は失敗していない同期レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresSyncRecordRepo) FindActive(ctx context.Context, provider, externalID string) (*model.SyncRecord, error) {
	rec, err := scanSyncRecord(r.db.QueryRowContext(ctx,
		`SELECT `+syncRecordColumns+`
		 FROM sync_records
		 WHERE provider = $1 AND external_activity_id = $2 AND status <> 'failed'`,
		provider, externalID,
	))
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("同期レコードの取得に失敗しました: %w", err)
	}
	return rec, nil
}

// FindSessionCounterparts は、excludeProvider以外のプロバイダーから取り込まれて
// ワークアウトに紐付いた同期レコードのうち、アクティビティの開始時刻が[from, to]にあるものを返す。
func (r *PostgresSyncRecordRepo) FindSessionCounterparts(ctx context.Context, userID, excludeProvider string, from, to time.Time) ([]*model.SyncRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncRecordColumns+`
		 FROM sync_records
		 WHERE user_id = $1 AND provider <> $2
		   AND status = 'synced' AND workout_id IS NOT NULL
		   AND activity_started_at BETWEEN $3 AND $4
		 ORDER BY activity_started_at, id`,
		userID, excludeProvider, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("同一セッションの同期レコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var recs []*model.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("同期レコードの読み取りに失敗しました: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ActiveExternalIDs は指定された外部IDのうち、失敗していない同期レコードが存在するものを返す。
func (r *PostgresSyncRecordRepo) ActiveExternalIDs(ctx context.Context, provider string, externalIDs []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(externalIDs) == 0 {
		return found, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT external_activity_id
		 FROM sync_records
		 WHERE provider = $1 AND external_activity_id = ANY($2) AND status <> 'failed'`,
		provider, pq.Array(externalIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("同期済みアクティビティの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("同期済みアクティビティの読み取りに失敗しました: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// Commit はワークアウトの書き込み、同期レコードのsyncedへの遷移、
// 接続のlast_synced_at更新を1トランザクションで行う。
// レコードがpendingでない場合はmodel.ErrInvalidTransitionを返す。
func (r *PostgresSyncRecordRepo) Commit(ctx context.Context, rec *model.SyncRecord, write WorkoutWrite) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	switch write.Op {
	case WorkoutOpInsert:
		if err := insertWorkout(ctx, tx, write.Workout); err != nil {
			return err
		}
	case WorkoutOpUpdate:
		if err := updateWorkoutActuals(ctx, tx, write.Workout); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sync_records SET
		    workout_id = $2, status = $3, error_message = '',
		    match_class = $4, confidence = $5, updated_at = $6
		 WHERE id = $1 AND status = 'pending'`,
		rec.ID, rec.WorkoutID, model.SyncStatusSynced, rec.MatchClass, rec.Confidence, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期レコードの更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("同期レコード %s: %w", rec.ID, model.ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE connections SET last_synced_at = $2 WHERE id = $1`,
		rec.ConnectionID, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("最終同期日時の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkFailed は同期レコードをfailedに更新する。pending以外のレコードは変更しない。
func (r *PostgresSyncRecordRepo) MarkFailed(ctx context.Context, rec *model.SyncRecord) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_records SET status = 'failed', error_message = $2, updated_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		rec.ID, rec.ErrorMessage, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期レコードの失敗記録に失敗しました: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ SyncRecordRepository = (*PostgresSyncRecordRepo)(nil)
