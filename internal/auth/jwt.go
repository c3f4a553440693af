package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const issuer = "cgsbridge"

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	UID      string `json:"uid,omitempty"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// User returns the user the token was issued for.
func (c *Claims) User() *User {
	return &User{Username: c.Username, UID: c.UID, Role: c.Role}
}

// JWTManager handles JWT token operations
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewJWTManager creates new JWT manager. An empty secret gets a random
// one, which invalidates tokens on restart.
func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	if secretKey == "" {
		bytes := make([]byte, 32)
		_, _ = rand.Read(bytes)
		secretKey = hex.EncodeToString(bytes)
	}
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Duration is the default token lifetime.
func (m *JWTManager) Duration() time.Duration {
	return m.tokenDuration
}

// GenerateToken creates a token with the default lifetime.
func (m *JWTManager) GenerateToken(user *User) (string, error) {
	return m.GenerateTokenWithDuration(user, m.tokenDuration)
}

// GenerateTokenWithDuration creates a token valid for d.
func (m *JWTManager) GenerateTokenWithDuration(user *User, d time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: user.Username,
		UID:      user.UID,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ValidateToken validates JWT token and returns claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
