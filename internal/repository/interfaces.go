// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

// ErrDuplicate は失敗していない同期レコードが既に存在することを表す。
// (provider, external_activity_id) の部分一意インデックス違反から変換される。
var ErrDuplicate = errors.New("sync record already exists")

// UserRepository はユーザーデータの参照インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// UserSettingsRepository はユーザー設定の参照インターフェース。
type UserSettingsRepository interface {
	// FindByUserID は指定ユーザーの設定を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.UserSettings, error)
}

// ConnectionRepository はプロバイダー接続の永続化インターフェース。
type ConnectionRepository interface {
	// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Connection, error)

	// FindByUserAndProvider はユーザーとプロバイダーで接続を取得する。見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID, provider string) (*model.Connection, error)

	// FindByProviderAthlete はプロバイダーのアスリートIDで接続を取得する。見つからない場合はnilを返す。
	FindByProviderAthlete(ctx context.Context, provider, athleteID string) (*model.Connection, error)

	// ListActiveByUser はユーザーのactiveな接続をプロバイダー名順に返す。
	ListActiveByUser(ctx context.Context, userID string) ([]*model.Connection, error)

	// ListUsersDueForSync はactiveな接続のうちlast_synced_atがstaleBeforeより古い（または未同期の）
	// 接続を持つユーザーIDを返す。
	ListUsersDueForSync(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)

	// Upsert は (user_id, provider) で接続をUPSERTし、デバイス一覧を置き換える。
	// アスリートIDが別ユーザーに紐付いている場合はmodel.ErrAthleteAlreadyLinkedを返す。
	Upsert(ctx context.Context, conn *model.Connection, devices []*model.Device) error

	// UpdateTokens はトークンペア、有効期限、スコープ、状態を更新する。
	UpdateTokens(ctx context.Context, conn *model.Connection) error

	// UpdateStatus は接続の状態を更新する。
	UpdateStatus(ctx context.Context, id string, status model.ConnectionStatus, updatedAt time.Time) error

	// Delete は接続を削除する。devicesとsync_recordsはCASCADE削除される。
	// 削除対象が存在しなかった場合はfalseを返す。
	Delete(ctx context.Context, userID, provider string) (bool, error)

	// ListDevices は接続に紐付くデバイスを返す。
	ListDevices(ctx context.Context, connectionID string) ([]*model.Device, error)
}

// WorkoutRepository はワークアウトの参照インターフェース。
// 書き込みは同期レコードの遷移と同一トランザクションで行うためSyncRecordRepository.Commitが担う。
type WorkoutRepository interface {
	// FindByID はユーザーのワークアウトを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID, id string) (*model.Workout, error)

	// ListOpenInRange はplanned_dateが[from, to]にある未完了（planned）のワークアウトを
	// planned_date、id順に最大limit件返す。
	ListOpenInRange(ctx context.Context, userID string, from, to time.Time, limit int) ([]*model.Workout, error)
}

// WorkoutOp は同期確定時のワークアウトへの書き込み種別。
type WorkoutOp int

const (
	// WorkoutOpNone はワークアウトを書き込まない（紐付けのみ、または紐付けなし）。
	WorkoutOpNone WorkoutOp = iota
	// WorkoutOpInsert は未計画の実績としてワークアウトを作成する。
	WorkoutOpInsert
	// WorkoutOpUpdate は既存ワークアウトの実績フィールドを更新する。
	WorkoutOpUpdate
)

// WorkoutWrite は同期確定時に行うワークアウトの書き込み。
type WorkoutWrite struct {
	Op      WorkoutOp
	Workout *model.Workout
}

// SyncRecordRepository は同期レコードの永続化インターフェース。
type SyncRecordRepository interface {
	// CreatePending はpendingの同期レコードを作成する。
	// 失敗していない同一 (provider, external_activity_id) が存在する場合はErrDuplicateを返す。
	// このINSERTが重複判定そのものであり、事前のSELECTは行わない。
	CreatePending(ctx context.Context, rec *model.SyncRecord) error

	// FindActive は失敗していない同期レコードを取得する。見つからない場合はnilを返す。
	FindActive(ctx context.Context, provider, externalID string) (*model.SyncRecord, error)

	// ActiveExternalIDs は指定された外部IDのうち、失敗していない同期レコードが存在するものを返す。
	ActiveExternalIDs(ctx context.Context, provider string, externalIDs []string) (map[string]bool, error)

	// FindSessionCounterparts はexcludeProvider以外のプロバイダーから取り込まれ、
	// ワークアウトに紐付いたsyncedの同期レコードのうち、アクティビティの開始時刻が[from, to]にあるものを返す。
	FindSessionCounterparts(ctx context.Context, userID, excludeProvider string, from, to time.Time) ([]*model.SyncRecord, error)

	// Commit はワークアウトの書き込み、同期レコードの遷移、接続のlast_synced_at更新を
	// 1トランザクションで行う。
	Commit(ctx context.Context, rec *model.SyncRecord, write WorkoutWrite) error

	// MarkFailed は同期レコードをfailedに更新する。
	MarkFailed(ctx context.Context, rec *model.SyncRecord) error
}
