// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and validates the principal tokens that scope a sync
// session to one owner.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "go-twosync"

// ErrInvalidToken is returned for malformed, expired or incomplete tokens
var ErrInvalidToken = errors.New("invalid token")

// JWTAuth signs and verifies principal tokens with HMAC-SHA256
type JWTAuth struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Claims carries the principal: owner in 'sub', client store name in 'cid'
type Claims struct {
	Client string `json:"cid"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for ownerID syncing through client
func (j *JWTAuth) GenerateToken(ownerID, client string, expiration time.Duration) (string, error) {
	if ownerID == "" || client == "" {
		return "", errors.New("owner and client are required")
	}
	now := j.now()
	claims := &Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   ownerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken verifies tokenString and returns its principal
func (j *JWTAuth) ValidateToken(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(j.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing sub (owner id)", ErrInvalidToken)
	}
	if claims.Client == "" {
		return Principal{}, fmt.Errorf("%w: missing cid (client)", ErrInvalidToken)
	}
	return Principal{OwnerID: claims.Subject, Client: claims.Client}, nil
}
