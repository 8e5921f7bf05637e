package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const ownerTokenType = "owner"

var ErrInvalidOwnerToken = errors.New("invalid owner token")

// OwnerClaims identify a keysystem owner. Subject is the owner id.
type OwnerClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

type OwnerTokenManager struct {
	issuer   string
	audience string
	secret   []byte
	now      func() time.Time
}

func NewOwnerTokenManager(issuer, audience, secret string) *OwnerTokenManager {
	return &OwnerTokenManager{
		issuer:   issuer,
		audience: audience,
		secret:   []byte(secret),
		now:      time.Now,
	}
}

func (m *OwnerTokenManager) Sign(ownerID string, ttl time.Duration) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	now := m.now()
	claims := OwnerClaims{
		TokenType: ownerTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   ownerID,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *OwnerTokenManager) Parse(raw string) (*OwnerClaims, error) {
	claims := &OwnerClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwnerToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidOwnerToken
	}
	if claims.TokenType != ownerTokenType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidOwnerToken, claims.TokenType)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidOwnerToken)
	}
	return claims, nil
}
