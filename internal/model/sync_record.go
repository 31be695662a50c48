package model

import (
	"fmt"
	"time"
)

// SyncStatus は同期試行の状態を表す。
// pending → synced または pending → failed のみ許可され、どちらも終端。
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// CanTransitionTo は次の状態へ遷移可能かを返す。
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	return s == SyncStatusPending && (next == SyncStatusSynced || next == SyncStatusFailed)
}

// SyncRecord は外部アクティビティと（任意の）ワークアウトの永続的な紐付け。
// 失敗していないレコードの中で (provider, external_activity_id) は一意。
// 失敗したレコードは履歴として残り、再試行は新しいレコードとして作成される。
type SyncRecord struct {
	ID                 string
	UserID             string
	ConnectionID       string
	Provider           string
	ExternalActivityID string
	WorkoutID          *string
	Status             SyncStatus
	ErrorMessage       string
	MatchClass         MatchClass
	Confidence         float64
	// ActivityStartedAt と ActivityDurationMinutes は別プロバイダーの同一セッション判定に使う。
	ActivityStartedAt       time.Time
	ActivityDurationMinutes float64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// MarkSynced はレコードを同期済みにする。
func (r *SyncRecord) MarkSynced(workoutID *string, result *MatchResult, now time.Time) error {
	if !r.Status.CanTransitionTo(SyncStatusSynced) {
		return fmt.Errorf("%w: sync record %s -> %s", ErrInvalidTransition, r.Status, SyncStatusSynced)
	}
	r.Status = SyncStatusSynced
	r.WorkoutID = workoutID
	r.ErrorMessage = ""
	if result != nil {
		r.MatchClass = result.Class
		r.Confidence = result.Confidence
	}
	r.UpdatedAt = now
	return nil
}

// MarkFailed はレコードを失敗にし、エラー内容を記録する。
func (r *SyncRecord) MarkFailed(cause error, now time.Time) error {
	if !r.Status.CanTransitionTo(SyncStatusFailed) {
		return fmt.Errorf("%w: sync record %s -> %s", ErrInvalidTransition, r.Status, SyncStatusFailed)
	}
	r.Status = SyncStatusFailed
	if cause != nil {
		r.ErrorMessage = cause.Error()
	}
	r.UpdatedAt = now
	return nil
}
