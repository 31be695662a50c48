package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/units"
)

const (
	defaultFitbitAuthURL  = "https://www.fitbit.com/oauth2/authorize"
	defaultFitbitTokenURL = "https://api.fitbit.com/oauth2/token"
	defaultFitbitAPIURL   = "https://api.fitbit.com"

	// fitbitMaxPageSize はactivities/list.jsonのlimit上限。
	fitbitMaxPageSize = 100
)

var defaultFitbitScopes = []string{"activity", "heartrate", "profile", "settings"}

// fitbitCategories はFitbitのactivityName（小文字）から共通種別への変換表。
var fitbitCategories = map[string]model.Category{
	"run":              model.CategoryRun,
	"treadmill":        model.CategoryRun,
	"bike":             model.CategoryRide,
	"outdoor bike":     model.CategoryRide,
	"spinning":         model.CategoryRide,
	"swim":             model.CategorySwim,
	"walk":             model.CategoryWalk,
	"hike":             model.CategoryHike,
	"weights":          model.CategoryStrength,
	"weight lifting":   model.CategoryStrength,
	"elliptical":       model.CategoryCrossTraining,
	"workout":          model.CategoryCrossTraining,
	"aerobic workout":  model.CategoryCrossTraining,
	"interval workout": model.CategoryCrossTraining,
}

// FitbitCategory はFitbitの種別名を共通種別に変換する。未知の種別はotherになる。
func FitbitCategory(activityName string) model.Category {
	if c, ok := fitbitCategories[strings.ToLower(strings.TrimSpace(activityName))]; ok {
		return c
	}
	return model.CategoryOther
}

// FitbitClient はFitbit Web APIのアダプター。
// Fitbitのリフレッシュトークンは1回限り有効なため、並行リフレッシュの直列化は呼び出し側が保証する。
type FitbitClient struct {
	cfg   OAuthConfig
	token *tokenEndpoint
	api   *apiClient
	now   func() time.Time
}

// NewFitbitClient はFitbitClientを生成する。
func NewFitbitClient(cfg OAuthConfig, httpClient *http.Client, observer RequestObserver) *FitbitClient {
	cfg = cfg.withDefaults(defaultFitbitAuthURL, defaultFitbitTokenURL, defaultFitbitAPIURL, defaultFitbitScopes)
	return &FitbitClient{
		cfg: cfg,
		token: &tokenEndpoint{
			provider:   Fitbit,
			config:     cfg.oauth2Config(oauth2.AuthStyleInHeader),
			httpClient: httpClient,
			observer:   observer,
		},
		api: &apiClient{
			provider:   Fitbit,
			baseURL:    cfg.APIBaseURL,
			httpClient: httpClient,
			observer:   observer,
		},
		now: time.Now,
	}
}

// Name はプロバイダー名を返す。
func (c *FitbitClient) Name() string { return Fitbit }

// AuthCodeURL はFitbitの認可画面URLを返す。
func (c *FitbitClient) AuthCodeURL(state string) string {
	return c.token.config.AuthCodeURL(state)
}

type fitbitProfile struct {
	User struct {
		EncodedID   string `json:"encodedId"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
}

type fitbitDevice struct {
	ID            string `json:"id"`
	DeviceVersion string `json:"deviceVersion"`
	Type          string `json:"type"`
	LastSyncTime  string `json:"lastSyncTime"`
}

// ExchangeCode は認可コードを交換し、プロフィールとデバイス一覧を取得する。
func (c *FitbitClient) ExchangeCode(ctx context.Context, code string) (*Tokens, *Profile, error) {
	tok, err := c.token.exchange(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	tokens := toTokens(tok, c.cfg.Scopes)

	body, err := c.api.getJSON(ctx, "profile", tokens.AccessToken, "/1/user/-/profile.json")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch fitbit profile: %w", err)
	}
	var fp fitbitProfile
	if err := json.Unmarshal(body, &fp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode fitbit profile: %w", err)
	}

	athleteID := fp.User.EncodedID
	if userID, ok := tok.Extra("user_id").(string); ok && userID != "" {
		athleteID = userID
	}
	if athleteID == "" {
		return nil, nil, fmt.Errorf("fitbit profile response has no user id")
	}

	profile := &Profile{
		AthleteID:   athleteID,
		DisplayName: fp.User.DisplayName,
		Raw:         json.RawMessage(body),
	}

	// settingsスコープが許可されていない場合は403になるため、拒否はデバイスなしとして扱う
	var devices []fitbitDevice
	if err := c.api.decodeJSON(ctx, "devices", tokens.AccessToken, "/1/user/-/devices.json", &devices); err != nil {
		var rejected *model.ProviderRejectedError
		if !errors.As(err, &rejected) {
			return nil, nil, fmt.Errorf("failed to fetch fitbit devices: %w", err)
		}
		devices = nil
	}
	for _, d := range devices {
		info := DeviceInfo{
			ExternalID: d.ID,
			Name:       d.DeviceVersion,
			Kind:       strings.ToLower(d.Type),
		}
		if ts, err := parseFitbitTime(d.LastSyncTime); err == nil {
			info.LastSyncAt = &ts
		}
		profile.Devices = append(profile.Devices, info)
	}
	return tokens, profile, nil
}

// Refresh はリフレッシュトークンで新しいトークンペアを取得する。
func (c *FitbitClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	return c.token.refresh(ctx, refreshToken)
}

// fitbitActivity はFitbitのアクティビティログ。
// 時間はミリ秒、距離はdistanceUnit（既定はキロメートル）、獲得標高はメートル。
type fitbitActivity struct {
	LogID            int64    `json:"logId"`
	ActivityName     string   `json:"activityName"`
	StartTime        string   `json:"startTime"`
	Duration         float64  `json:"duration"`
	ActiveDuration   float64  `json:"activeDuration"`
	Distance         float64  `json:"distance"`
	DistanceUnit     string   `json:"distanceUnit"`
	ElevationGain    float64  `json:"elevationGain"`
	AverageHeartRate *float64 `json:"averageHeartRate"`
}

// FetchActivity は/1/user/-/activities/{logId}.jsonを取得して正規化する。
func (c *FitbitClient) FetchActivity(ctx context.Context, accessToken, externalID string) (*model.Activity, error) {
	path := "/1/user/-/activities/" + url.PathEscape(externalID) + ".json"
	body, err := c.api.getJSON(ctx, "activity", accessToken, path)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		ActivityLog json.RawMessage `json:"activityLog"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.ActivityLog) > 0 {
		body = wrapped.ActivityLog
	}
	return c.normalize(body)
}

// ListActivities は/1/user/-/activities/list.jsonを新しい順にオフセット指定で取得する。
func (c *FitbitClient) ListActivities(ctx context.Context, accessToken string, page, perPage int) ([]*model.Activity, error) {
	perPage = min(max(perPage, 1), fitbitMaxPageSize)
	q := url.Values{
		// beforeDateかafterDateのどちらかが必須
		"beforeDate": {c.now().AddDate(0, 0, 1).Format("2006-01-02")},
		"sort":       {"desc"},
		"offset":     {strconv.Itoa((max(page, 1) - 1) * perPage)},
		"limit":      {strconv.Itoa(perPage)},
	}
	var resp struct {
		Activities []json.RawMessage `json:"activities"`
	}
	if err := c.api.decodeJSON(ctx, "activities", accessToken, "/1/user/-/activities/list.json?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	activities := make([]*model.Activity, 0, len(resp.Activities))
	for _, raw := range resp.Activities {
		a, err := c.normalize(raw)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// normalize はFitbitのペイロードを共通表現に変換する。
func (c *FitbitClient) normalize(raw []byte) (*model.Activity, error) {
	var fa fitbitActivity
	if err := json.Unmarshal(raw, &fa); err != nil {
		return nil, fmt.Errorf("failed to decode fitbit activity: %w", err)
	}
	start, err := parseFitbitTime(fa.StartTime)
	if err != nil {
		return nil, fmt.Errorf("invalid fitbit startTime %q: %w", fa.StartTime, err)
	}

	distance := fa.Distance
	if !strings.EqualFold(fa.DistanceUnit, "mile") {
		distance = units.KilometersToMiles(fa.Distance)
	}

	return &model.Activity{
		Provider:          Fitbit,
		ExternalID:        strconv.FormatInt(fa.LogID, 10),
		Name:              fa.ActivityName,
		StartTime:         start,
		ElapsedMinutes:    units.MillisecondsToMinutes(fa.Duration),
		MovingMinutes:     units.MillisecondsToMinutes(fa.ActiveDuration),
		DistanceMiles:     distance,
		ElevationGainFeet: units.MetersToFeet(fa.ElevationGain),
		AverageHeartRate:  fa.AverageHeartRate,
		SportType:         fa.ActivityName,
		Category:          FitbitCategory(fa.ActivityName),
		Raw:               json.RawMessage(raw),
		FetchedAt:         c.now(),
	}, nil
}

// parseFitbitTime はオフセット付き・なしの両方の時刻表記を解釈する。
// オフセットがない場合はUTCとして扱う。
func parseFitbitTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.000", s)
}

var _ Client = (*FitbitClient)(nil)
