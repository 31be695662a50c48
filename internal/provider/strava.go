package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"golang.org/x/oauth2"

	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/units"
)

const (
	defaultStravaAuthURL  = "https://www.strava.com/oauth/authorize"
	defaultStravaTokenURL = "https://www.strava.com/oauth/token"
	defaultStravaAPIURL   = "https://www.strava.com/api/v3"
)

// Stravaのスコープはカンマ区切りの1要素として送る
var defaultStravaScopes = []string{"read,activity:read_all,profile:read_all"}

// stravaCategories はStravaのsport_typeから共通種別への変換表。
var stravaCategories = map[string]model.Category{
	"Run":              model.CategoryRun,
	"TrailRun":         model.CategoryRun,
	"VirtualRun":       model.CategoryRun,
	"Ride":             model.CategoryRide,
	"VirtualRide":      model.CategoryRide,
	"MountainBikeRide": model.CategoryRide,
	"GravelRide":       model.CategoryRide,
	"EBikeRide":        model.CategoryRide,
	"Swim":             model.CategorySwim,
	"Walk":             model.CategoryWalk,
	"Hike":             model.CategoryHike,
	"WeightTraining":   model.CategoryStrength,
	"Crossfit":         model.CategoryCrossTraining,
	"Elliptical":       model.CategoryCrossTraining,
	"StairStepper":     model.CategoryCrossTraining,
	"Rowing":           model.CategoryCrossTraining,
	"Workout":          model.CategoryCrossTraining,
}

// StravaCategory はStravaの種別を共通種別に変換する。未知の種別はotherになる。
func StravaCategory(sportType string) model.Category {
	if c, ok := stravaCategories[sportType]; ok {
		return c
	}
	return model.CategoryOther
}

// StravaClient はStrava API v3のアダプター。
type StravaClient struct {
	cfg   OAuthConfig
	token *tokenEndpoint
	api   *apiClient
	now   func() time.Time
}

// NewStravaClient はStravaClientを生成する。
// httpClientは本番ではSSRF防止付きのクライアントを渡す。
func NewStravaClient(cfg OAuthConfig, httpClient *http.Client, observer RequestObserver) *StravaClient {
	cfg = cfg.withDefaults(defaultStravaAuthURL, defaultStravaTokenURL, defaultStravaAPIURL, defaultStravaScopes)
	return &StravaClient{
		cfg: cfg,
		token: &tokenEndpoint{
			provider:   Strava,
			config:     cfg.oauth2Config(oauth2.AuthStyleInParams),
			httpClient: httpClient,
			observer:   observer,
		},
		api: &apiClient{
			provider:   Strava,
			baseURL:    cfg.APIBaseURL,
			httpClient: httpClient,
			observer:   observer,
		},
		now: time.Now,
	}
}

// Name はプロバイダー名を返す。
func (c *StravaClient) Name() string { return Strava }

// AuthCodeURL はStravaの認可画面URLを返す。
func (c *StravaClient) AuthCodeURL(state string) string {
	return c.token.config.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// stravaAthlete は/athleteのレスポンス。
type stravaAthlete struct {
	ID        int64        `json:"id"`
	Firstname string       `json:"firstname"`
	Lastname  string       `json:"lastname"`
	Bikes     []stravaGear `json:"bikes"`
	Shoes     []stravaGear `json:"shoes"`
}

type stravaGear struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ExchangeCode は認可コードを交換し、/athleteからプロフィールとギアを取得する。
func (c *StravaClient) ExchangeCode(ctx context.Context, code string) (*Tokens, *Profile, error) {
	tok, err := c.token.exchange(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	tokens := toTokens(tok, c.cfg.Scopes)

	body, err := c.api.getJSON(ctx, "athlete", tokens.AccessToken, "/athlete")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch strava athlete: %w", err)
	}
	var athlete stravaAthlete
	if err := json.Unmarshal(body, &athlete); err != nil {
		return nil, nil, fmt.Errorf("failed to decode strava athlete: %w", err)
	}
	if athlete.ID == 0 {
		return nil, nil, fmt.Errorf("strava athlete response has no id")
	}

	profile := &Profile{
		AthleteID:   strconv.FormatInt(athlete.ID, 10),
		DisplayName: strings.TrimSpace(athlete.Firstname + " " + athlete.Lastname),
		Raw:         json.RawMessage(body),
	}
	for _, g := range athlete.Bikes {
		profile.Devices = append(profile.Devices, DeviceInfo{ExternalID: g.ID, Name: g.Name, Kind: "bike"})
	}
	for _, g := range athlete.Shoes {
		profile.Devices = append(profile.Devices, DeviceInfo{ExternalID: g.ID, Name: g.Name, Kind: "shoes"})
	}
	return tokens, profile, nil
}

// Refresh はリフレッシュトークンで新しいトークンペアを取得する。
func (c *StravaClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	return c.token.refresh(ctx, refreshToken)
}

// stravaActivity はStravaのアクティビティ表現。距離はメートル、時間は秒。
type stravaActivity struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Distance           float64  `json:"distance"`
	MovingTime         float64  `json:"moving_time"`
	ElapsedTime        float64  `json:"elapsed_time"`
	TotalElevationGain float64  `json:"total_elevation_gain"`
	Type               string   `json:"type"`
	SportType          string   `json:"sport_type"`
	StartDate          string   `json:"start_date"`
	Timezone           string   `json:"timezone"`
	AverageHeartrate   *float64 `json:"average_heartrate"`
}

// FetchActivity は/activities/{id}を取得して正規化する。
func (c *StravaClient) FetchActivity(ctx context.Context, accessToken, externalID string) (*model.Activity, error) {
	body, err := c.api.getJSON(ctx, "activity", accessToken, "/activities/"+url.PathEscape(externalID))
	if err != nil {
		return nil, err
	}
	return c.normalize(body)
}

// ListActivities は/athlete/activitiesを新しい順に取得する。
func (c *StravaClient) ListActivities(ctx context.Context, accessToken string, page, perPage int) ([]*model.Activity, error) {
	q := url.Values{
		"page":     {strconv.Itoa(max(page, 1))},
		"per_page": {strconv.Itoa(perPage)},
	}
	var raws []json.RawMessage
	if err := c.api.decodeJSON(ctx, "activities", accessToken, "/athlete/activities?"+q.Encode(), &raws); err != nil {
		return nil, err
	}

	activities := make([]*model.Activity, 0, len(raws))
	for _, raw := range raws {
		a, err := c.normalize(raw)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// normalize はStravaのペイロードを共通表現に変換する。
func (c *StravaClient) normalize(raw []byte) (*model.Activity, error) {
	var sa stravaActivity
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("failed to decode strava activity: %w", err)
	}
	start, err := time.Parse(time.RFC3339, sa.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid strava start_date %q: %w", sa.StartDate, err)
	}

	sport := sa.SportType
	if sport == "" {
		sport = sa.Type
	}

	return &model.Activity{
		Provider:          Strava,
		ExternalID:        strconv.FormatInt(sa.ID, 10),
		Name:              sa.Name,
		Description:       sa.Description,
		StartTime:         start.In(stravaLocation(sa.Timezone)),
		ElapsedMinutes:    units.SecondsToMinutes(sa.ElapsedTime),
		MovingMinutes:     units.SecondsToMinutes(sa.MovingTime),
		DistanceMiles:     units.MetersToMiles(sa.Distance),
		ElevationGainFeet: units.MetersToFeet(sa.TotalElevationGain),
		AverageHeartRate:  sa.AverageHeartrate,
		SportType:         sport,
		Category:          StravaCategory(sport),
		Raw:               json.RawMessage(raw),
		FetchedAt:         c.now(),
	}, nil
}

// stravaLocation は "(GMT-08:00) America/Los_Angeles" 形式のタイムゾーンを解釈する。
// 解釈できない場合はUTC。
func stravaLocation(tz string) *time.Location {
	if i := strings.LastIndex(tz, ") "); i >= 0 {
		tz = tz[i+2:]
	}
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

var _ Client = (*StravaClient)(nil)
