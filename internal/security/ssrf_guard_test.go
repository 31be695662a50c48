package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewSafeClient(t *testing.T) {
	guard := NewSSRFGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)

	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("SSRF防止用のTransportが設定されるべき")
	}
}

// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewSafeClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateURL(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://www.strava.com/api/v3", false},
		{"https://api.fitbit.com", false},
		{"http://example.org/path", false},
		{"", true},
		{"not-a-url", true},
		{"ftp://example.com/file", true},
		{"file:///etc/passwd", true},
		{"http://10.0.0.1/api", true},
		{"http://172.16.0.1/api", true},
		{"http://192.168.1.100/api", true},
		{"http://127.0.0.1/api", true},
		{"http://localhost/api", true},
		{"http://[::1]/api", true},
		{"http://169.254.169.254/latest/meta-data/", true},
		{"http://metadata.google.internal/computeMetadata/v1/", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEndpoint_RequiresHTTPS(t *testing.T) {
	guard := NewSSRFGuard()

	if err := guard.ValidateEndpoint("https://www.strava.com/oauth/token"); err != nil {
		t.Errorf("httpsのエンドポイントは許可されるべき: %v", err)
	}
	if err := guard.ValidateEndpoint("http://www.strava.com/oauth/token"); err == nil {
		t.Error("httpのエンドポイントは拒否されるべき")
	}
	if err := guard.ValidateEndpoint("https://192.168.0.10/token"); err == nil {
		t.Error("プライベートIPのエンドポイントは拒否されるべき")
	}
}
