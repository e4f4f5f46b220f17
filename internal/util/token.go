package util

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// SessionClaims 会话令牌载荷, jti 即会话ID
type SessionClaims struct {
	Kind   string `json:"knd"`
	Tenant string `json:"tnt,omitempty"`
	Mode   string `json:"mode,omitempty"`
	jwt.RegisteredClaims
}

type TokenSigner struct {
	secret []byte
}

func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret)}
}

// GenerateToken 生成JWT令牌, expiresAt 为 nil 时不设置过期时间
func (s *TokenSigner) GenerateToken(sessionID, subjectID string, claims SessionClaims, issuedAt time.Time, expiresAt *time.Time) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:       sessionID,
		Subject:  subjectID,
		IssuedAt: jwt.NewNumericDate(issuedAt),
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken 校验签名, 并以调用方给出的当前时间检查过期. 不检查会话是否已被吊销
func (s *TokenSigner) ValidateToken(tokenString string, now time.Time) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(now, false) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}
