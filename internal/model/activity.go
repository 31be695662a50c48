package model

import (
	"encoding/json"
	"time"
)

// Category はアプリケーション共通のワークアウト種別。
// 各プロバイダー固有の種別はアダプター境界でこの値に変換される。
type Category string

const (
	CategoryRun           Category = "run"
	CategoryRide          Category = "ride"
	CategorySwim          Category = "swim"
	CategoryWalk          Category = "walk"
	CategoryHike          Category = "hike"
	CategoryStrength      Category = "strength"
	CategoryCrossTraining Category = "cross_training"
	// CategoryOther は変換表に存在しない種別のフォールバック。
	CategoryOther Category = "other"
)

// Activity は外部プロバイダーで記録された1セッションの正規化表現。
// 距離はマイル、時間は分、獲得標高はフィートで保持する。
// 取得後は変更せず、プロバイダーへ書き戻すこともない。
type Activity struct {
	Provider          string
	ExternalID        string
	Name              string
	Description       string
	StartTime         time.Time
	ElapsedMinutes    float64
	MovingMinutes     float64
	DistanceMiles     float64
	ElevationGainFeet float64
	AverageHeartRate  *float64
	SportType         string // プロバイダー固有の種別
	Category          Category
	Raw               json.RawMessage // 監査・デバッグ用の元ペイロード
	FetchedAt         time.Time       // 同期パス内での取得時刻
}

// DurationMinutes はマッチングに使用する所要時間を返す。
// 移動時間があればそれを、なければ経過時間を使う。
func (a *Activity) DurationMinutes() float64 {
	if a.MovingMinutes > 0 {
		return a.MovingMinutes
	}
	return a.ElapsedMinutes
}
