// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/trainsync/internal/activitysync"
	"github.com/hitoshi/trainsync/internal/middleware"
	"github.com/hitoshi/trainsync/internal/model"
)

// maxOptionsBodyBytes は同期オプションのリクエストボディの上限。
const maxOptionsBodyBytes = 4 << 10

// SyncServiceInterface は連携ハンドラーが必要とする同期サービスのインターフェース。
type SyncServiceInterface interface {
	SyncActivity(ctx context.Context, userID, provider, externalID string, opts activitysync.Options) (*activitysync.Outcome, error)
	BulkSync(ctx context.Context, userID string, opts activitysync.Options) (*activitysync.BulkResult, error)
	Status(ctx context.Context, userID, provider string) (*activitysync.Status, error)
	Disconnect(ctx context.Context, userID, provider string) error
}

// ConnectServiceInterface はOAuth接続フローのインターフェース。
type ConnectServiceInterface interface {
	BeginConnect(userID, provider string) (string, error)
	HandleCallback(ctx context.Context, provider, code, state string) (*model.Connection, error)
}

// IntegrationHandlerConfig は連携ハンドラーの設定。
type IntegrationHandlerConfig struct {
	// ConnectedRedirectURL は接続完了後のリダイレクト先。空の場合はJSONで接続状態を返す。
	ConnectedRedirectURL string
	// BulkRetryAfterSeconds は一括同期の回数超過時に返すRetry-Afterの秒数。
	BulkRetryAfterSeconds int
}

// IntegrationHandler はプロバイダー連携と同期のHTTPハンドラー。
type IntegrationHandler struct {
	sync    SyncServiceInterface
	connect ConnectServiceInterface
	config  IntegrationHandlerConfig
	logger  *slog.Logger
}

// NewIntegrationHandler はIntegrationHandlerを生成する。
func NewIntegrationHandler(sync SyncServiceInterface, connect ConnectServiceInterface, config IntegrationHandlerConfig, logger *slog.Logger) *IntegrationHandler {
	if config.BulkRetryAfterSeconds <= 0 {
		config.BulkRetryAfterSeconds = 600
	}
	return &IntegrationHandler{
		sync:    sync,
		connect: connect,
		config:  config,
		logger:  logger,
	}
}

// syncRequest は同期リクエストのボディ。ボディは省略できる。
type syncRequest struct {
	AutoApply       bool   `json:"auto_apply"`
	TargetWorkoutID string `json:"target_workout_id"`
}

type deviceResponse struct {
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

type statusResponse struct {
	Provider     string           `json:"provider"`
	Connected    bool             `json:"connected"`
	Status       string           `json:"status,omitempty"`
	TokenExpired bool             `json:"token_expired"`
	LastSyncedAt *time.Time       `json:"last_synced_at,omitempty"`
	Scopes       []string         `json:"scopes"`
	Devices      []deviceResponse `json:"devices"`
}

type syncResponse struct {
	RecordID           string             `json:"record_id"`
	Provider           string             `json:"provider"`
	ExternalActivityID string             `json:"external_activity_id"`
	Status             string             `json:"status"`
	WorkoutID          *string            `json:"workout_id"`
	Applied            bool               `json:"applied"`
	Created            bool               `json:"created"`
	Superseded         bool               `json:"superseded"`
	// CounterpartWorkoutID は同一セッションとして先に取り込まれたワークアウト。
	CounterpartWorkoutID *string            `json:"counterpart_workout_id,omitempty"`
	Match                *model.MatchResult `json:"match,omitempty"`
}

type bulkErrorResponse struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"external_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type bulkResponse struct {
	Listed        int                 `json:"listed"`
	AlreadySynced int                 `json:"already_synced"`
	Superseded    int                 `json:"superseded"`
	Synced        []syncResponse      `json:"synced"`
	Errors        []bulkErrorResponse `json:"errors"`
}

// Connect はプロバイダーの認可画面へリダイレクトする。
// GET /api/integrations/{provider}/connect
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")

	authURL, err := h.connect.BeginConnect(userID, provider)
	if err != nil {
		h.writeServiceError(w, r, err, provider, "")
		return
	}
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。ユーザーはstateから特定するためセッションは不要。
// GET /api/integrations/{provider}/callback?code=xxx&state=yyy
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	conn, err := h.connect.HandleCallback(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		h.logger.Warn("OAuthコールバックの処理に失敗しました",
			slog.String("provider", provider),
			slog.String("provider_error", q.Get("error")),
			slog.String("error", err.Error()),
		)
		h.writeServiceError(w, r, err, provider, "")
		return
	}

	h.logger.Info("プロバイダーと接続しました",
		slog.String("user_id", conn.UserID),
		slog.String("provider", provider),
	)

	if h.config.ConnectedRedirectURL != "" {
		target := h.config.ConnectedRedirectURL + "?connected=" + url.QueryEscape(provider)
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Provider:  provider,
		Connected: true,
		Status:    string(conn.Status),
		Scopes:    nonNilStrings(conn.Scopes),
		Devices:   []deviceResponse{},
	})
}

// Status は接続状態を返す。
// GET /api/integrations/{provider}/status
func (h *IntegrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")

	st, err := h.sync.Status(r.Context(), userID, provider)
	if err != nil {
		h.writeServiceError(w, r, err, provider, "")
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

// Disconnect は接続を解除する。
// DELETE /api/integrations/{provider}
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")

	if err := h.sync.Disconnect(r.Context(), userID, provider); err != nil {
		h.writeServiceError(w, r, err, provider, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncActivity は1件のアクティビティを同期する。
// POST /api/integrations/{provider}/activities/{externalID}/sync
func (h *IntegrationHandler) SyncActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")
	externalID := chi.URLParam(r, "externalID")

	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}

	outcome, err := h.sync.SyncActivity(r.Context(), userID, provider, externalID, activitysync.Options{
		AutoApply:       req.AutoApply,
		TargetWorkoutID: req.TargetWorkoutID,
	})
	if err != nil {
		h.writeServiceError(w, r, err, provider, req.TargetWorkoutID)
		return
	}
	writeJSON(w, http.StatusOK, toSyncResponse(outcome))
}

// BulkSync は接続済みの全プロバイダーから直近のアクティビティを同期する。
// 個々のアクティビティのエラーはレスポンスのerrorsに含め、リクエスト自体は成功とする。
// POST /api/integrations/sync
func (h *IntegrationHandler) BulkSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}

	result, err := h.sync.BulkSync(r.Context(), userID, activitysync.Options{AutoApply: req.AutoApply})
	if err != nil {
		h.writeServiceError(w, r, err, "", "")
		return
	}
	writeJSON(w, http.StatusOK, h.toBulkResponse(result))
}

func (h *IntegrationHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return "", false
	}
	return userID, true
}

// decodeSyncRequest は同期オプションを読み取る。空のボディはデフォルト値として扱う。
func decodeSyncRequest(w http.ResponseWriter, r *http.Request) (syncRequest, bool) {
	var req syncRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOptionsBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return req, false
	}
	return req, true
}

func toStatusResponse(st *activitysync.Status) statusResponse {
	resp := statusResponse{
		Provider:     st.Provider,
		Connected:    st.Connected,
		Status:       string(st.State),
		TokenExpired: st.TokenExpired,
		LastSyncedAt: st.LastSyncedAt,
		Scopes:       nonNilStrings(st.Scopes),
		Devices:      make([]deviceResponse, 0, len(st.Devices)),
	}
	for _, d := range st.Devices {
		resp.Devices = append(resp.Devices, deviceResponse{
			ExternalID: d.ExternalID,
			Name:       d.Name,
			Kind:       d.Kind,
			LastSyncAt: d.LastSyncAt,
		})
	}
	return resp
}

func toSyncResponse(o *activitysync.Outcome) syncResponse {
	resp := syncResponse{
		Applied:    o.Applied,
		Created:    o.Created,
		Superseded: o.Superseded,
		Match:      o.Match,
	}
	if o.Counterpart != nil {
		resp.CounterpartWorkoutID = o.Counterpart.WorkoutID
	}
	if rec := o.Record; rec != nil {
		resp.RecordID = rec.ID
		resp.Provider = rec.Provider
		resp.ExternalActivityID = rec.ExternalActivityID
		resp.Status = string(rec.Status)
		resp.WorkoutID = rec.WorkoutID
	}
	return resp
}

func (h *IntegrationHandler) toBulkResponse(result *activitysync.BulkResult) bulkResponse {
	resp := bulkResponse{
		Listed:        result.Listed,
		AlreadySynced: result.AlreadySynced,
		Superseded:    result.Superseded,
		Synced:        make([]syncResponse, 0, len(result.Synced)),
		Errors:        make([]bulkErrorResponse, 0, len(result.Errors)),
	}
	for _, o := range result.Synced {
		resp.Synced = append(resp.Synced, toSyncResponse(o))
	}
	for _, itemErr := range result.Errors {
		code := "INTERNAL_ERROR"
		message := "内部エラーが発生しました。"
		if _, apiErr := errorResponse(itemErr.Err, itemErr.Provider, ""); apiErr != nil {
			code, message = apiErr.Code, apiErr.Message
		}
		resp.Errors = append(resp.Errors, bulkErrorResponse{
			Provider:   itemErr.Provider,
			ExternalID: itemErr.ExternalID,
			Code:       code,
			Message:    message,
		})
	}
	return resp
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
