// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, integration, sync, system
	Action   string // ユーザー向け対処方法
	Details  any    // 突合の差分など、呼び出し元が判断に使う追加情報
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNoConnection        = "NO_CONNECTION"
	ErrCodeTokenRefresh        = "TOKEN_REFRESH_FAILED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderRejected    = "PROVIDER_REJECTED"
	ErrCodeDuplicateSync       = "DUPLICATE_SYNC"
	ErrCodeAmbiguousMatch      = "AMBIGUOUS_MATCH"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeAthleteLinked       = "ATHLETE_ALREADY_LINKED"
	ErrCodeUnknownProvider     = "UNKNOWN_PROVIDER"
	ErrCodeWorkoutNotFound     = "WORKOUT_NOT_FOUND"
	ErrCodeWorkoutNotOpen      = "WORKOUT_NOT_OPEN"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
)

var (
	// ErrInvalidTransition は許可されていない状態遷移を表す。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidState はOAuthのstateパラメータが不正・期限切れであることを表す。
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrAthleteAlreadyLinked はプロバイダーのアスリートIDが別ユーザーに紐付いていることを表す。
	ErrAthleteAlreadyLinked = errors.New("provider athlete is linked to another user")
	// ErrUnknownProvider は登録されていないプロバイダー名を表す。
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrWorkoutNotFound は指定されたワークアウトが存在しないことを表す。
	ErrWorkoutNotFound = errors.New("workout not found")
	// ErrWorkoutNotOpen はワークアウトが既に完了しており、実績を書き込めないことを表す。
	ErrWorkoutNotOpen = errors.New("workout is not open")
	// ErrRateLimited はユーザーごとの一括同期の予算を超過したことを表す。
	ErrRateLimited = errors.New("bulk sync rate limit exceeded")
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")
)

// NoConnectionError はユーザーがプロバイダーに接続していないことを表す。
// 致命的ではなく、呼び出し元は接続フローを案内する。
type NoConnectionError struct {
	UserID   string
	Provider string
}

func (e *NoConnectionError) Error() string {
	return fmt.Sprintf("no %s connection for user %s", e.Provider, e.UserID)
}

// TokenRefreshError はリフレッシュトークンがプロバイダーに拒否されたことを表す。
// 接続はexpiredに降格され、ユーザーは再接続が必要。
type TokenRefreshError struct {
	Provider string
	Err      error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("%s token refresh rejected: %v", e.Provider, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// ProviderUnavailableError は5xx・タイムアウト等の一時的な障害を表す。再試行可能。
type ProviderUnavailableError struct {
	Provider   string
	StatusCode int // ネットワークエラーの場合は0
	Err        error
}

func (e *ProviderUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s unavailable (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// ProviderRejectedError は4xxによる拒否を表す。再試行しない。
type ProviderRejectedError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("%s rejected request (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// TokenInvalid はアクセストークンの期限切れ・失効による拒否かを返す。
// trueの場合はトークンのリフレッシュに切り替える。
func (e *ProviderRejectedError) TokenInvalid() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// DuplicateSyncError は同一の外部アクティビティが既に取り込まれていることを表す。
type DuplicateSyncError struct {
	Provider   string
	ExternalID string
}

func (e *DuplicateSyncError) Error() string {
	return fmt.Sprintf("%s activity %s has already been synced", e.Provider, e.ExternalID)
}

// AmbiguousMatchError は突合結果がconflictで、呼び出し元の判断が必要なことを表す。
type AmbiguousMatchError struct {
	Result *MatchResult
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("activity matches %d planned workouts equally well", len(e.Result.Candidates))
}

// IsRetryable は一時的なプロバイダー障害かどうかを返す。
func IsRetryable(err error) bool {
	var unavailable *ProviderUnavailableError
	return errors.As(err, &unavailable)
}

// IsTokenInvalid はアクセストークン起因の拒否かどうかを返す。
func IsTokenInvalid(err error) bool {
	var rejected *ProviderRejectedError
	return errors.As(err, &rejected) && rejected.TokenInvalid()
}

// NewNoConnectionAPIError は未接続エラーを生成する。
func NewNoConnectionAPIError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeNoConnection,
		Message:  fmt.Sprintf("%s と接続されていません。", provider),
		Category: "integration",
		Action:   "連携設定から接続してください。",
	}
}

// NewTokenRefreshAPIError はトークン更新失敗エラーを生成する。
func NewTokenRefreshAPIError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeTokenRefresh,
		Message:  fmt.Sprintf("%s の認証が無効になりました。", provider),
		Category: "integration",
		Action:   "連携設定から再接続してください。",
	}
}

// NewProviderUnavailableAPIError はプロバイダー一時障害エラーを生成する。
func NewProviderUnavailableAPIError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("%s に一時的に接続できません。", provider),
		Category: "integration",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderRejectedAPIError はプロバイダーによる拒否エラーを生成する。
func NewProviderRejectedAPIError(provider string, status int) *APIError {
	return &APIError{
		Code:     ErrCodeProviderRejected,
		Message:  fmt.Sprintf("%s がリクエストを拒否しました（ステータス %d）。", provider, status),
		Category: "integration",
		Action:   "アクティビティIDと接続状態を確認してください。",
	}
}

// NewDuplicateSyncAPIError は重複取り込みエラーを生成する。
func NewDuplicateSyncAPIError(provider, externalID string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSync,
		Message:  fmt.Sprintf("%s のアクティビティ %s は既に取り込まれています。", provider, externalID),
		Category: "sync",
		Action:   "ワークアウト一覧で取り込み済みの記録を確認してください。",
	}
}

// NewAmbiguousMatchAPIError は突合の曖昧さエラーを生成する。
// 差分の内訳をDetailsに含め、呼び出し元が対象ワークアウトを選べるようにする。
func NewAmbiguousMatchAPIError(result *MatchResult) *APIError {
	return &APIError{
		Code:     ErrCodeAmbiguousMatch,
		Message:  "アクティビティが複数の予定ワークアウトと同程度に一致しました。",
		Category: "sync",
		Action:   "対象のワークアウトを選択して再度同期してください。",
		Details:  result,
	}
}

// NewInvalidStateAPIError は不正なstateパラメータのエラーを生成する。
func NewInvalidStateAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "認可リクエストが無効か期限切れです。",
		Category: "auth",
		Action:   "もう一度接続操作をやり直してください。",
	}
}

// NewAthleteLinkedAPIError はアスリートID重複エラーを生成する。
func NewAthleteLinkedAPIError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeAthleteLinked,
		Message:  fmt.Sprintf("この %s アカウントは別のユーザーに接続されています。", provider),
		Category: "integration",
		Action:   "別のアカウントで接続するか、もう一方のユーザーで接続を解除してください。",
	}
}

// NewUnknownProviderAPIError は未対応プロバイダーエラーを生成する。
func NewUnknownProviderAPIError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応のプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "strava または fitbit を指定してください。",
	}
}

// NewWorkoutNotFoundAPIError はワークアウト未検出エラーを生成する。
func NewWorkoutNotFoundAPIError(workoutID string) *APIError {
	return &APIError{
		Code:     ErrCodeWorkoutNotFound,
		Message:  fmt.Sprintf("指定されたワークアウトが見つかりません: %s", workoutID),
		Category: "validation",
		Action:   "ワークアウトIDを確認してください。",
	}
}

// NewWorkoutNotOpenAPIError は完了済みワークアウトへの書き込みエラーを生成する。
func NewWorkoutNotOpenAPIError(workoutID string) *APIError {
	return &APIError{
		Code:     ErrCodeWorkoutNotOpen,
		Message:  fmt.Sprintf("ワークアウトは既に完了しています: %s", workoutID),
		Category: "sync",
		Action:   "未完了のワークアウトを選択して再度同期してください。",
	}
}

// NewRateLimitedAPIError は一括同期の回数超過エラーを生成する。
func NewRateLimitedAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "一括同期の実行回数が上限に達しました。",
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
