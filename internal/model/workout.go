package model

import "time"

// WorkoutStatus はワークアウトの進行状態を表す。
type WorkoutStatus string

const (
	// WorkoutStatusPlanned は予定のみで実績未入力の状態。
	WorkoutStatusPlanned WorkoutStatus = "planned"
	// WorkoutStatusCompleted は実績が入力された状態。
	WorkoutStatusCompleted WorkoutStatus = "completed"
	// WorkoutStatusSkipped は実施されなかった状態。
	WorkoutStatusSkipped WorkoutStatus = "skipped"
)

// Workout はアプリケーションの予定/実績トレーニング記録を表す。
// 予定が先に存在する場合と、突合結果から未計画の実績として作成される場合がある。
type Workout struct {
	ID                     string
	UserID                 string
	PlannedDate            time.Time
	PlannedType            Category
	PlannedDistanceMiles   float64
	PlannedDurationMinutes float64

	ActualType            Category
	ActualDistanceMiles   float64
	ActualDurationMinutes float64
	ActualElevationFeet   float64
	AverageHeartRate      *float64
	Notes                 string
	Status                WorkoutStatus
	SourceProvider        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApplyActivity はアクティビティの値で実績フィールドを埋め、完了状態にする。
func (w *Workout) ApplyActivity(a *Activity, notes string, now time.Time) {
	w.ActualType = a.Category
	w.ActualDistanceMiles = a.DistanceMiles
	w.ActualDurationMinutes = a.DurationMinutes()
	w.ActualElevationFeet = a.ElevationGainFeet
	w.AverageHeartRate = a.AverageHeartRate
	if notes != "" {
		w.Notes = notes
	}
	w.Status = WorkoutStatusCompleted
	w.SourceProvider = a.Provider
	w.UpdatedAt = now
}
