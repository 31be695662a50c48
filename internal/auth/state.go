// Package auth はプロバイダー接続のOAuthフロー（認可URLの発行とコールバック処理）を提供する。
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/trainsync/internal/model"
)

// stateClaims はOAuthのstateパラメータに載せるクレーム。
type stateClaims struct {
	UserID   string `json:"uid"`
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// StateCodec はstateパラメータをHS256署名付きJWTとして発行・検証する。
// stateにユーザーIDを含めることで、コールバックはセッションなしで処理できる。
type StateCodec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewStateCodec はStateCodecを生成する。
func NewStateCodec(secret string, maxAge time.Duration) *StateCodec {
	return &StateCodec{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Issue はユーザーとプロバイダーに紐付くstateを発行する。
func (c *StateCodec) Issue(userID, provider string) (string, error) {
	claims := stateClaims{
		UserID:   userID,
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.New().String(),
			IssuedAt: jwt.NewNumericDate(c.now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Verify はstateを検証し、ユーザーIDを返す。
// 署名不正、形式不正、プロバイダー不一致、maxAge超過の場合はmodel.ErrInvalidStateを返す。
func (c *StateCodec) Verify(state, provider string) (string, error) {
	if state == "" {
		return "", model.ErrInvalidState
	}

	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidState, err)
	}

	if claims.UserID == "" || claims.IssuedAt == nil {
		return "", fmt.Errorf("%w: missing claims", model.ErrInvalidState)
	}
	if claims.Provider != provider {
		return "", fmt.Errorf("%w: provider mismatch", model.ErrInvalidState)
	}
	if c.now().Sub(claims.IssuedAt.Time) > c.maxAge {
		return "", fmt.Errorf("%w: expired", model.ErrInvalidState)
	}
	return claims.UserID, nil
}
