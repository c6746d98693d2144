package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const accessTokenType = "access"

var (
	ErrMissingSubject = errors.New("token has no subject")
	ErrTokenType      = errors.New("unexpected token type")
)

type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// OwnerID is the principal the token was issued to.
func (c *Claims) OwnerID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// JWTManager verifies HS256 access tokens issued by the identity service and
// can mint them for local tooling and tests.
type JWTManager struct {
	issuer   string
	audience string
	secret   []byte
	now      func() time.Time
}

func NewJWTManager(issuer, audience, accessSecret string) *JWTManager {
	return &JWTManager{
		issuer:   issuer,
		audience: audience,
		secret:   []byte(accessSecret),
		now:      time.Now,
	}
}

func (m *JWTManager) SignAccessToken(ownerID string, ttl time.Duration) (string, error) {
	return m.SignAccessTokenWithJTI(ownerID, ttl, uuid.NewString())
}

func (m *JWTManager) SignAccessTokenWithJTI(ownerID string, ttl time.Duration, jti string) (string, error) {
	if ownerID == "" {
		return "", ErrMissingSubject
	}
	if jti == "" {
		jti = uuid.NewString()
	}
	now := m.now()
	claims := Claims{
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   ownerID,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TokenType != accessTokenType {
		return nil, fmt.Errorf("%w: %s", ErrTokenType, claims.TokenType)
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// TokenVerifier is the verification side of JWTManager.
type TokenVerifier interface {
	ParseAccessToken(raw string) (*Claims, error)
}

var _ TokenVerifier = (*JWTManager)(nil)
