package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

// dateLayout はDATE列へ渡す日付の書式。
const dateLayout = "2006-01-02"

const workoutColumns = `id, user_id, planned_date, planned_type, planned_distance_miles, planned_duration_minutes,
	actual_type, actual_distance_miles, actual_duration_minutes, actual_elevation_feet,
	average_heart_rate, notes, status, source_provider, created_at, updated_at`

// PostgresWorkoutRepo はPostgreSQLを使用したワークアウトリポジトリ。
type PostgresWorkoutRepo struct {
	db *sql.DB
}

// NewPostgresWorkoutRepo はPostgresWorkoutRepoを生成する。
func NewPostgresWorkoutRepo(db *sql.DB) *PostgresWorkoutRepo {
	return &PostgresWorkoutRepo{db: db}
}

func scanWorkout(row rowScanner) (*model.Workout, error) {
	w := &model.Workout{}
	var heartRate sql.NullFloat64
	if err := row.Scan(
		&w.ID, &w.UserID, &w.PlannedDate, &w.PlannedType, &w.PlannedDistanceMiles, &w.PlannedDurationMinutes,
		&w.ActualType, &w.ActualDistanceMiles, &w.ActualDurationMinutes, &w.ActualElevationFeet,
		&heartRate, &w.Notes, &w.Status, &w.SourceProvider, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if heartRate.Valid {
		hr := heartRate.Float64
		w.AverageHeartRate = &hr
	}
	return w, nil
}

// FindByID はユーザーのワークアウトを取得する。見つからない場合はnilを返す。
func (r *PostgresWorkoutRepo) FindByID(ctx context.Context, userID, id string) (*model.Workout, error) {
	w, err := scanWorkout(r.db.QueryRowContext(ctx,
		`SELECT `+workoutColumns+` FROM workouts WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ワークアウトの取得に失敗しました: %w", err)
	}
	return w, nil
}

// ListOpenInRange はplanned_dateが[from, to]にあるplannedのワークアウトを返す。
// from, toは日付部分のみが使われる。
func (r *PostgresWorkoutRepo) ListOpenInRange(ctx context.Context, userID string, from, to time.Time, limit int) ([]*model.Workout, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+workoutColumns+`
		 FROM workouts
		 WHERE user_id = $1
		   AND status = 'planned'
		   AND planned_date BETWEEN $2::date AND $3::date
		 ORDER BY planned_date, id
		 LIMIT $4`,
		userID, from.Format(dateLayout), to.Format(dateLayout), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("候補ワークアウトの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var workouts []*model.Workout
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, fmt.Errorf("ワークアウトの読み取りに失敗しました: %w", err)
		}
		workouts = append(workouts, w)
	}
	return workouts, rows.Err()
}

func insertWorkout(ctx context.Context, tx *sql.Tx, w *model.Workout) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workouts (id, user_id, planned_date, planned_type, planned_distance_miles, planned_duration_minutes,
		                       actual_type, actual_distance_miles, actual_duration_minutes, actual_elevation_feet,
		                       average_heart_rate, notes, status, source_provider, created_at, updated_at)
		 VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		w.ID, w.UserID, w.PlannedDate.Format(dateLayout), w.PlannedType, w.PlannedDistanceMiles, w.PlannedDurationMinutes,
		w.ActualType, w.ActualDistanceMiles, w.ActualDurationMinutes, w.ActualElevationFeet,
		w.AverageHeartRate, w.Notes, w.Status, w.SourceProvider, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ワークアウトの作成に失敗しました: %w", err)
	}
	return nil
}

// updateWorkoutActuals は実績フィールドのみを更新する。予定フィールドは変更しない。
// 対象はplannedのワークアウトに限り、並行する同期が先に完了させていた場合は
// model.ErrWorkoutNotOpenを返す。
func updateWorkoutActuals(ctx context.Context, tx *sql.Tx, w *model.Workout) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE workouts SET
		    actual_type = $3, actual_distance_miles = $4, actual_duration_minutes = $5,
		    actual_elevation_feet = $6, average_heart_rate = $7, notes = $8,
		    status = $9, source_provider = $10, updated_at = $11
		 WHERE id = $1 AND user_id = $2 AND status = 'planned'`,
		w.ID, w.UserID, w.ActualType, w.ActualDistanceMiles, w.ActualDurationMinutes,
		w.ActualElevationFeet, w.AverageHeartRate, w.Notes,
		w.Status, w.SourceProvider, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ワークアウトの更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ワークアウト %s: %w", w.ID, model.ErrWorkoutNotOpen)
	}
	return nil
}

var _ WorkoutRepository = (*PostgresWorkoutRepo)(nil)
