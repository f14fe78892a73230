// Package auth issues and verifies the bearer tokens that gate terminal
// channels, and provides the client-side token sources.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret     = errors.New("jwt secret not configured")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoToken      = errors.New("no token available")
)

// Claims are the portal token claims the gateway cares about.
type Claims struct {
	jwt.RegisteredClaims
}

// Issue signs an HS256 token for subject that expires after ttl.
func Issue(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// Verify checks signature, algorithm and expiry and returns the claims.
func Verify(secret, token string) (*Claims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// TokenSource yields the bearer credential a client presents when opening a
// terminal channel.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token. An empty StaticToken means the
// gateway runs without authentication.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// FileToken reads the token from a file on every call so that a token
// refreshed by the portal is picked up by the next connect.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, f.Path)
	}
	return tok, nil
}
