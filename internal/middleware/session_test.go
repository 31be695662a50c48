package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

type mockSessionRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func validSessions() *mockSessionRepository {
	return &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "valid-session-id" {
				return &model.Session{ID: id, UserID: "user-123", ExpiresAt: time.Now().Add(time.Hour)}, nil
			}
			return nil, nil
		},
	}
}

func TestSessionMiddleware_ValidSession_InjectsUserID(t *testing.T) {
	var captured string
	handler := NewSessionMiddleware(validSessions(), discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		captured = userID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/integrations/strava/status", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "valid-session-id"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured != "user-123" {
		t.Errorf("userID = %q, want %q", captured, "user-123")
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		cookie *http.Cookie
		repo   *mockSessionRepository
	}{
		{"Cookieなし", nil, validSessions()},
		{"空のCookie", &http.Cookie{Name: "session_id", Value: ""}, validSessions()},
		{"期限切れまたは不明なセッション", &http.Cookie{Name: "session_id", Value: "expired"}, validSessions()},
		{"リポジトリエラー", &http.Cookie{Name: "session_id", Value: "valid-session-id"}, &mockSessionRepository{
			findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
				return nil, errors.New("connection refused")
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewSessionMiddleware(tt.repo, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/integrations/sync", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called {
				t.Error("ハンドラーが呼ばれるべきではない")
			}
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if body := decodeError(t, w); body.Code != "UNAUTHORIZED" || body.Category != "auth" {
				t.Errorf("統一エラーフォーマットで返すべき: %+v", body)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("値がない場合はエラーを返すべき")
	}
	got, err := UserIDFromContext(ContextWithUserID(context.Background(), "user-456"))
	if err != nil || got != "user-456" {
		t.Errorf("UserIDFromContext() = %q, %v", got, err)
	}
}
