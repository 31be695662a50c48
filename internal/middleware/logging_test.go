package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	w := httptest.NewRecorder()
	NewLoggingMiddleware(captureLogger(&buf))(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	entry := decodeLog(t, &buf)
	if entry["msg"] != "http_request" || entry["method"] != "GET" || entry["path"] != "/health" {
		t.Errorf("基本フィールドが不正: %v", entry)
	}
	if entry["status"] != float64(200) || entry["level"] != "INFO" {
		t.Errorf("status/levelが不正: %v", entry)
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("未認証リクエストにuser_idを含めないべき")
	}
}

func TestLoggingMiddleware_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusConflict, "WARN"},
		{http.StatusServiceUnavailable, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		handler := NewLoggingMiddleware(captureLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/integrations/sync", nil))

		entry := decodeLog(t, &buf)
		if entry["status"] != float64(tt.status) || entry["level"] != tt.level {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.level)
		}
	}
}

func TestLoggingMiddleware_WithRouterAndSession(t *testing.T) {
	var buf bytes.Buffer

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewLoggingMiddleware(captureLogger(&buf)))
	r.Route("/api/integrations/{provider}", func(r chi.Router) {
		r.Use(NewSessionMiddleware(validSessions(), discardLogger()))
		r.Get("/status", okHandler)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/integrations/fitbit/status", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session-id"})
	r.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLog(t, &buf)
	if entry["user_id"] != "user-123" {
		t.Errorf("内側のセッションで認証したuser_idを含めるべき: %v", entry["user_id"])
	}
	if entry["provider"] != "fitbit" {
		t.Errorf("provider = %v, want fitbit", entry["provider"])
	}
	if entry["route"] != "/api/integrations/{provider}/status" {
		t.Errorf("route = %v", entry["route"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("request_idを含めるべき")
	}
}
