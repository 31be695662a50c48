package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuthConfig はプロバイダーのOAuth2クライアント設定。
// URLは空の場合プロバイダーの既定値を使う。テストではhttptestサーバーに向ける。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	Scopes       []string
}

// withDefaults は空のURLを既定値で埋めた設定を返す。
func (c OAuthConfig) withDefaults(authURL, tokenURL, apiBaseURL string, scopes []string) OAuthConfig {
	if c.AuthURL == "" {
		c.AuthURL = authURL
	}
	if c.TokenURL == "" {
		c.TokenURL = tokenURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = apiBaseURL
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if len(c.Scopes) == 0 {
		c.Scopes = scopes
	}
	return c
}

// oauth2Config はoauth2.Configを組み立てる。
// Stravaはクライアント認証情報をボディで、FitbitはBasic認証で送る。
func (c OAuthConfig) oauth2Config(style oauth2.AuthStyle) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: style,
		},
	}
}

// tokenEndpoint はoauth2.Configと外向きHTTPクライアントをまとめたもの。
type tokenEndpoint struct {
	provider   string
	config     *oauth2.Config
	httpClient *http.Client
	observer   RequestObserver
}

// withClient はoauth2パッケージが使うHTTPクライアントをcontextに設定する。
func (e *tokenEndpoint) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

// exchange は認可コードをトークンに交換する。
func (e *tokenEndpoint) exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	start := time.Now()
	tok, err := e.config.Exchange(e.withClient(ctx), code)
	e.observe("token_exchange", err, start)
	if err != nil {
		return nil, classifyOAuthError(e.provider, err)
	}
	return tok, nil
}

// refresh はリフレッシュトークングラントを1回だけ実行する。
// 内部でのリトライは行わない。
func (e *tokenEndpoint) refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: empty refresh token", e.provider)
	}
	start := time.Now()
	// アクセストークンを持たないTokenは常に無効とみなされ、トークンエンドポイントが呼ばれる
	src := e.config.TokenSource(e.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	e.observe("token_refresh", err, start)
	if err != nil {
		return nil, classifyOAuthError(e.provider, err)
	}
	tokens := toTokens(tok, e.config.Scopes)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func (e *tokenEndpoint) observe(operation string, err error, start time.Time) {
	if e.observer == nil {
		return
	}
	status := http.StatusOK
	if err != nil {
		status = 0
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
	}
	e.observer.ObserveProviderRequest(e.provider, operation, status, time.Since(start))
}

// toTokens はoauth2.TokenをTokensに変換する。
// レスポンスにscopeが含まれていればそれを、なければ要求したスコープを使う。
func toTokens(tok *oauth2.Token, requested []string) *Tokens {
	scopes := requested
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scopes = splitScopes(raw)
	}
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopes,
	}
}

// splitScopes はスペース区切り・カンマ区切りのどちらのスコープ表記も分割する。
func splitScopes(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
}
