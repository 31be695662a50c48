package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseSize はAPIレスポンスの最大読み込みサイズ（5MB）。
const maxResponseSize = 5 * 1024 * 1024

// apiClient はプロバイダーのREST APIを呼び出す共通処理。
type apiClient struct {
	provider   string
	baseURL    string
	httpClient *http.Client
	observer   RequestObserver
}

// getJSON はベアラートークン付きでGETし、レスポンスボディを返す。
// 非2xxはドメインエラーに分類して返す。
func (c *apiClient) getJSON(ctx context.Context, operation, accessToken, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(operation, 0, start)
		return nil, transportError(c.provider, err)
	}
	defer resp.Body.Close()
	c.observe(operation, resp.StatusCode, start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(c.provider, fmt.Errorf("failed to read %s response: %w", operation, err))
	}

	if ClassifyHTTPStatus(resp.StatusCode) != ResponseOK {
		return nil, statusError(c.provider, resp.StatusCode, body)
	}
	return body, nil
}

// decodeJSON はgetJSONの結果をoutにデコードする。
func (c *apiClient) decodeJSON(ctx context.Context, operation, accessToken, path string, out any) error {
	body, err := c.getJSON(ctx, operation, accessToken, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", c.provider, operation, err)
	}
	return nil
}

func (c *apiClient) observe(operation string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveProviderRequest(c.provider, operation, status, time.Since(start))
	}
}
