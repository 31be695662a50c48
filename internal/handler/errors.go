package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/trainsync/internal/middleware"
	"github.com/hitoshi/trainsync/internal/model"
)

// errorResponse はサービス層のエラーをHTTPステータスと統一エラーに変換する。
// 変換できないエラーはnilを返し、呼び出し元で500として扱う。
func errorResponse(err error, provider, workoutID string) (int, *model.APIError) {
	var (
		apiErr      *model.APIError
		duplicate   *model.DuplicateSyncError
		ambiguous   *model.AmbiguousMatchError
		noConn      *model.NoConnectionError
		refresh     *model.TokenRefreshError
		unavailable *model.ProviderUnavailableError
		rejected    *model.ProviderRejectedError
	)

	switch {
	case errors.As(err, &apiErr):
		return statusForCode(apiErr.Code), apiErr
	case errors.As(err, &duplicate):
		return http.StatusConflict, model.NewDuplicateSyncAPIError(duplicate.Provider, duplicate.ExternalID)
	case errors.As(err, &ambiguous):
		return http.StatusConflict, model.NewAmbiguousMatchAPIError(ambiguous.Result)
	case errors.As(err, &noConn):
		return http.StatusNotFound, model.NewNoConnectionAPIError(noConn.Provider)
	case errors.As(err, &refresh):
		return http.StatusUnauthorized, model.NewTokenRefreshAPIError(refresh.Provider)
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, model.NewProviderUnavailableAPIError(unavailable.Provider)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, model.NewProviderUnavailableAPIError(provider)
	case errors.As(err, &rejected):
		status := http.StatusBadGateway
		if rejected.StatusCode == http.StatusNotFound || rejected.StatusCode == http.StatusBadRequest {
			status = rejected.StatusCode
		}
		return status, model.NewProviderRejectedAPIError(rejected.Provider, rejected.StatusCode)
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests, model.NewRateLimitedAPIError()
	case errors.Is(err, model.ErrUnknownProvider):
		return http.StatusNotFound, model.NewUnknownProviderAPIError(provider)
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusBadRequest, model.NewInvalidStateAPIError()
	case errors.Is(err, model.ErrAthleteAlreadyLinked):
		return http.StatusConflict, model.NewAthleteLinkedAPIError(provider)
	case errors.Is(err, model.ErrWorkoutNotFound):
		return http.StatusNotFound, model.NewWorkoutNotFoundAPIError(workoutID)
	case errors.Is(err, model.ErrWorkoutNotOpen):
		return http.StatusConflict, model.NewWorkoutNotOpenAPIError(workoutID)
	case errors.Is(err, model.ErrUserNotFound):
		return http.StatusNotFound, model.NewUserNotFoundError()
	}
	return http.StatusInternalServerError, nil
}

// statusForCode はAPIErrorコードからHTTPステータスコードにマッピングする。
func statusForCode(code string) int {
	switch code {
	case model.ErrCodeDuplicateSync, model.ErrCodeAmbiguousMatch, model.ErrCodeAthleteLinked, model.ErrCodeWorkoutNotOpen:
		return http.StatusConflict
	case model.ErrCodeNoConnection, model.ErrCodeUnknownProvider, model.ErrCodeWorkoutNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeTokenRefresh:
		return http.StatusUnauthorized
	case model.ErrCodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeProviderRejected:
		return http.StatusBadGateway
	case model.ErrCodeInvalidState:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError はエラーを統一エラーフォーマットで書き込む。
// 429の場合はRetry-Afterを付与する。
func (h *IntegrationHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, provider, workoutID string) {
	status, apiErr := errorResponse(err, provider, workoutID)
	if apiErr == nil {
		h.logger.Error("内部エラーが発生しました",
			slog.String("path", r.URL.Path),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(h.config.BulkRetryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("プロバイダーとの通信に失敗しました",
			slog.String("provider", provider),
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}
