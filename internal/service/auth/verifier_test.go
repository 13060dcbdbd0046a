package auth

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestVerifySignedToken(t *testing.T) {
	req := require.New(t)
	verifier, err := NewVerifier(testSecret)
	req.NoError(err)

	token, err := Issue(testSecret, Identity{UserID: "u1", Username: "ana"}, time.Hour)
	req.NoError(err)

	id, err := verifier.Verify(token)
	req.NoError(err)
	req.Equal(Identity{UserID: "u1", Username: "ana"}, id)
}

func TestVerifyFailures(t *testing.T) {
	verifier, err := NewVerifier(testSecret)
	require.NoError(t, err)

	sign := func(id Identity, ttl time.Duration, secret []byte) string {
		token, err := Issue(secret, id, ttl)
		require.NoError(t, err)
		return token
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrMalformed},
		{"garbage", "not-a-jwt", ErrMalformed},
		{"expired", sign(Identity{UserID: "u1", Username: "ana"}, -time.Minute, testSecret), ErrExpired},
		{"wrong secret", sign(Identity{UserID: "u1", Username: "ana"}, time.Hour, []byte("another-secret-another-secret-00")), ErrInvalidSignature},
		{"missing user id", sign(Identity{Username: "ana"}, time.Hour, testSecret), ErrMissingClaim},
		{"missing subject", sign(Identity{UserID: "u1"}, time.Hour, testSecret), ErrMissingClaim},
		{"debug token while disabled", "mock-jwt-token-abcd1234", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			_, err := verifier.Verify(tt.token)
			req.ErrorIs(err, tt.wantErr)
		})
	}
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	req := require.New(t)
	verifier, err := NewVerifier(testSecret)
	req.NoError(err)

	claims := Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{Subject: "ana"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	req.NoError(err)

	_, err = verifier.Verify(token)
	req.ErrorIs(err, ErrInvalidSignature)
}

func TestVerifyInsecureTestTokens(t *testing.T) {
	req := require.New(t)
	verifier, err := NewVerifier(testSecret, WithInsecureTestTokens(true))
	req.NoError(err)
	req.True(verifier.InsecureTestTokens())

	id, err := verifier.Verify("mock-jwt-token-abcd1234")
	req.NoError(err)
	req.Equal(Identity{UserID: "abcd1234", Username: "User_abcd"}, id)

	_, err = verifier.Verify("mock-jwt-token-ab")
	req.ErrorIs(err, ErrMalformed)

	token, err := Issue(testSecret, Identity{UserID: "u1", Username: "ana"}, time.Hour)
	req.NoError(err)
	id, err = verifier.Verify(token)
	req.NoError(err)
	req.Equal("u1", id.UserID)
}

func TestVerifyInsecureTokenMultibyteID(t *testing.T) {
	req := require.New(t)
	verifier, err := NewVerifier(testSecret, WithInsecureTestTokens(true))
	req.NoError(err)

	id, err := verifier.Verify("mock-jwt-token-日本語テスト")
	req.NoError(err)
	req.Equal("User_日本語テ", id.Username)
	req.True(utf8.ValidString(id.Username))

	// three runes, nine bytes
	_, err = verifier.Verify("mock-jwt-token-日本語")
	req.ErrorIs(err, ErrMalformed)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	req := require.New(t)
	_, err := NewVerifier(nil)
	req.ErrorIs(err, ErrMissingSecret)

	_, err = Issue(nil, Identity{UserID: "u1", Username: "ana"}, time.Hour)
	req.ErrorIs(err, ErrMissingSecret)
}
