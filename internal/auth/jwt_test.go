package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("owner-1", "phone", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	p, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, Principal{OwnerID: "owner-1", Client: "phone"}, p)
}

func TestJWTAuth_GenerateToken_RequiresOwnerAndClient(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	_, err := jwtAuth.GenerateToken("", "phone", time.Hour)
	require.Error(t, err)
	_, err = jwtAuth.GenerateToken("owner-1", "", time.Hour)
	require.Error(t, err)
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("owner-1", "phone", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	jwtAuth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := jwtAuth.GenerateToken("owner-1", "phone", time.Hour)
	require.NoError(t, err)

	jwtAuth.now = time.Now
	_, err = jwtAuth.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
	require.True(t, errors.Is(err, jwt.ErrTokenExpired))
}

func TestJWTAuth_ValidateToken_MissingClient(t *testing.T) {
	secret := "test-secret"
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "owner-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = NewJWTAuth(secret).ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
	require.Contains(t, err.Error(), "cid")
}

func TestJWTAuth_ValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	claims := &Claims{
		Client: "phone",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  issuer,
			Subject: "owner-1",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTAuth("test-secret").ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	require.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{OwnerID: "owner-1", Client: "phone"})
	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	require.Equal(t, "owner-1", p.OwnerID)
}
