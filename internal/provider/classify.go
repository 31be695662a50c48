package provider

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/hitoshi/trainsync/internal/model"
)

// ResponseClass はHTTPステータスコードに基づくレスポンスの分類。
type ResponseClass int

const (
	// ResponseOK は成功（2xx）。
	ResponseOK ResponseClass = iota
	// ResponseRetryable は一時的な障害（429/5xx）。
	ResponseRetryable
	// ResponseRejected は再試行しても結果が変わらない拒否（429以外の4xx）。
	ResponseRejected
)

// maxErrorBodyLen はエラーに含めるレスポンスボディの最大長。
const maxErrorBodyLen = 512

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) ResponseClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResponseOK
	case statusCode == http.StatusTooManyRequests:
		return ResponseRetryable
	case statusCode >= 500:
		return ResponseRetryable
	default:
		return ResponseRejected
	}
}

// statusError は非2xxレスポンスをドメインエラーに変換する。
func statusError(provider string, statusCode int, body []byte) error {
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}
	switch ClassifyHTTPStatus(statusCode) {
	case ResponseRetryable:
		return &model.ProviderUnavailableError{
			Provider:   provider,
			StatusCode: statusCode,
			Err:        fmt.Errorf("unexpected status %d: %s", statusCode, body),
		}
	default:
		return &model.ProviderRejectedError{
			Provider:   provider,
			StatusCode: statusCode,
			Body:       string(body),
		}
	}
}

// transportError はネットワークエラー・タイムアウトを一時的な障害として扱う。
func transportError(provider string, err error) error {
	return &model.ProviderUnavailableError{Provider: provider, Err: err}
}

// classifyOAuthError はトークンエンドポイントのエラーを分類する。
// oauth2.RetrieveErrorはステータスコードで分類し、それ以外は通信エラーとみなす。
func classifyOAuthError(provider string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return statusError(provider, retrieveErr.Response.StatusCode, retrieveErr.Body)
	}
	return transportError(provider, err)
}
