// Package provider は外部フィットネスプロバイダー（Strava、Fitbit）との通信を
// 共通インターフェースの裏に隠蔽する。
//
// 各アダプターはOAuth2の認可コード交換とトークンリフレッシュ、アクティビティの取得を行い、
// プロバイダー固有の単位と種別をアプリケーション共通の表現に正規化する。
// 正規化はアダプター内で完結し、呼び出し元にプロバイダー固有の単位が漏れることはない。
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

// プロバイダー名
const (
	Strava = "strava"
	Fitbit = "fitbit"
)

// Tokens はOAuth2のトークンペアと有効期限。
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// DeviceInfo はプロフィールから得られたデバイス・ギアの情報。
type DeviceInfo struct {
	ExternalID string
	Name       string
	Kind       string
	LastSyncAt *time.Time
}

// Profile は接続時に取得するアスリート情報のスナップショット。
type Profile struct {
	AthleteID   string
	DisplayName string
	Devices     []DeviceInfo
	Raw         json.RawMessage
}

// Client はプロバイダーアダプターのインターフェース。
type Client interface {
	// Name はプロバイダー名を返す。
	Name() string
	// AuthCodeURL は認可画面のURLを返す。
	AuthCodeURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、アスリートのプロフィールを取得する。
	ExchangeCode(ctx context.Context, code string) (*Tokens, *Profile, error)
	// Refresh はリフレッシュトークンで新しいトークンペアを取得する。
	// プロバイダーが新しいリフレッシュトークンを返さない場合は元の値を維持する。
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	// FetchActivity は1件のアクティビティを取得して正規化する。
	FetchActivity(ctx context.Context, accessToken, externalID string) (*model.Activity, error)
	// ListActivities は新しい順にアクティビティを取得する。pageは1始まり。
	ListActivities(ctx context.Context, accessToken string, page, perPage int) ([]*model.Activity, error)
}

// RequestObserver はプロバイダーへのHTTPリクエストの結果を受け取る。
// ステータスコードはネットワークエラーの場合0。
type RequestObserver interface {
	ObserveProviderRequest(provider, operation string, statusCode int, elapsed time.Duration)
}

// Registry はプロバイダー名からClientを引くための登録簿。
type Registry struct {
	clients map[string]Client
}

// NewRegistry は指定されたClientを登録したRegistryを生成する。
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get はプロバイダー名に対応するClientを返す。
// 未登録の場合はmodel.ErrUnknownProviderをラップしたエラーを返す。
func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, name)
	}
	return c, nil
}

// Names は登録済みのプロバイダー名をソートして返す。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
