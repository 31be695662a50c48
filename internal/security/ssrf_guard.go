// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService は外向き通信のSSRF防止機能のインターフェースを定義する。
// プロバイダーAPIへのHTTPクライアント生成と、設定で上書きされたエンドポイントの検証に使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
	// DNS解決後にDialerレベルで拒否される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はURLの安全性をDNS解決なしで静的に検証する。
	ValidateURL(rawURL string) error

	// ValidateEndpoint はプロバイダーのエンドポイントURLを検証する。
	// ValidateURLに加えてhttpsであることを要求する。
	ValidateEndpoint(rawURL string) error
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は拒否するネットワーク範囲。パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIP 169.254.169.254 を含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct{}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// ポートは80と443のみ許可する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS再バインディングはNewSafeClient側のDialer検証で防止される。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// ValidateEndpoint はプロバイダーのエンドポイントURLを検証する。
func (g *ssrfGuard) ValidateEndpoint(rawURL string) error {
	if err := g.ValidateURL(rawURL); err != nil {
		return err
	}
	if !strings.HasPrefix(strings.ToLower(rawURL), "https://") {
		return fmt.Errorf("provider endpoint must use https: %s", rawURL)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}

var _ SSRFGuardService = (*ssrfGuard)(nil)
