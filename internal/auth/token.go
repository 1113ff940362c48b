// Package auth inspects the access tokens the sync engine presents to a Memos server and
// issues compatible tokens for local test servers.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrEmptyToken indicates no access token was configured.
var ErrEmptyToken = errors.New("auth: access token is empty")

// TokenInfo is what the client can learn from a token without the server's secret.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
	Opaque    bool
}

// Expired reports whether the token carries an expiry at or before now.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// InspectToken reads the claims of a JWT access token without verifying its signature.
// Tokens that are not JWTs are reported as opaque and left for the server to judge.
func InspectToken(rawToken string) (TokenInfo, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return TokenInfo{}, ErrEmptyToken
	}
	if strings.Count(token, ".") != 2 {
		return TokenInfo{Opaque: true}, nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{Opaque: true}, nil
	}
	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
