// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// ユーザーの登録・ログインは外部の認証基盤が担い、本エンジンは参照のみ行う。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SourcePreference は同一セッションが複数プロバイダーから見える場合に
// どのプロバイダーのデータを採用するかのユーザー設定。
type SourcePreference string

const (
	// SourcePreferenceAuto は同期パス内で最初に取得したアクティビティを採用する。
	SourcePreferenceAuto SourcePreference = "auto"
	// SourcePreferenceStrava はStravaのデータのみ採用する。
	SourcePreferenceStrava SourcePreference = "strava"
	// SourcePreferenceFitbit はFitbitのデータのみ採用する。
	SourcePreferenceFitbit SourcePreference = "fitbit"
	// SourcePreferenceManual は外部データによる実績の自動入力を一切行わない。
	SourcePreferenceManual SourcePreference = "manual"
)

// Valid は定義済みの設定値かどうかを返す。
func (p SourcePreference) Valid() bool {
	switch p {
	case SourcePreferenceAuto, SourcePreferenceStrava, SourcePreferenceFitbit, SourcePreferenceManual:
		return true
	}
	return false
}

// UserSettings はユーザーごとの同期設定を表す。
type UserSettings struct {
	UserID           string
	SourcePreference SourcePreference
	UpdatedAt        time.Time
}
