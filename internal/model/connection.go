package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionStatus は外部プロバイダー接続の状態を表す。
type ConnectionStatus string

const (
	// ConnectionStatusActive は有効なトークンを保持している状態。
	ConnectionStatusActive ConnectionStatus = "active"
	// ConnectionStatusExpired はリフレッシュトークンが拒否され、再接続が必要な状態。
	ConnectionStatusExpired ConnectionStatus = "expired"
	// ConnectionStatusDisconnected はユーザーが接続を解除した状態。
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// connectionTransitions は許可される状態遷移。
var connectionTransitions = map[ConnectionStatus][]ConnectionStatus{
	ConnectionStatusActive:  {ConnectionStatusActive, ConnectionStatusExpired, ConnectionStatusDisconnected},
	ConnectionStatusExpired: {ConnectionStatusActive, ConnectionStatusExpired, ConnectionStatusDisconnected},
}

// CanTransitionTo は次の状態へ遷移可能かを返す。
// disconnectedは終端状態で、再接続はOAuthコールバックによる新規作成として扱う。
func (s ConnectionStatus) CanTransitionTo(next ConnectionStatus) bool {
	for _, allowed := range connectionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Connection は1ユーザーと1プロバイダーの間のOAuth認証情報と同期状態を表す。
// (user_id, provider) および (provider, provider_athlete_id) はそれぞれ一意。
type Connection struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAthleteID string
	AccessToken       string
	RefreshToken      string
	TokenExpiresAt    time.Time
	Scopes            []string
	Profile           json.RawMessage // プロバイダーのプロフィールのスナップショット
	Status            ConnectionStatus
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TokenExpired はアクセストークンの有効期限がnow以前かどうかを返す。
// 早期リフレッシュのマージンは設けない。
func (c *Connection) TokenExpired(now time.Time) bool {
	return !c.TokenExpiresAt.After(now)
}

// Transition は状態遷移を検証した上で適用する。
func (c *Connection) Transition(next ConnectionStatus, now time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: connection %s -> %s", ErrInvalidTransition, c.Status, next)
	}
	c.Status = next
	c.UpdatedAt = now
	return nil
}

// Device はプロバイダーのプロフィールから得られた計測デバイス（ギア含む）を表す。
// 接続解除時にCASCADE削除される。
type Device struct {
	ID           string
	ConnectionID string
	ExternalID   string
	Name         string
	Kind         string // "tracker", "watch", "bike", "shoes" 等
	LastSyncAt   *time.Time
	CreatedAt    time.Time
}
