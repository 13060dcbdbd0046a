// Package auth verifies the bearer credentials presented by relay clients.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrMissingClaim     = errors.New("token missing required claim")
	ErrMalformed        = errors.New("malformed token")
	ErrMissingSecret    = errors.New("signing secret is empty")
)

// insecureTokenPrefix marks debug credentials that carry the user id in clear text.
const insecureTokenPrefix = "mock-jwt-token-"

const issuer = "z-relay"

// Identity is the authenticated owner of a connection.
type Identity struct {
	UserID   string
	Username string
}

// Claims is the JWT body: the user id travels in a private claim, the
// username in the registered subject.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed tokens. It holds no mutable state and is safe
// for concurrent use.
type Verifier struct {
	secret        []byte
	insecureDebug bool
	parser        *jwt.Parser
}

// Option configures a Verifier at construction.
type Option func(*Verifier)

// WithInsecureTestTokens accepts "mock-jwt-token-<id>" credentials without any
// signature check. Never enable in production.
func WithInsecureTestTokens(enabled bool) Option {
	return func(v *Verifier) {
		v.insecureDebug = enabled
	}
}

// NewVerifier builds a verifier for the shared secret.
func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	v := &Verifier{
		secret: append([]byte(nil), secret...),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{
				jwt.SigningMethodHS256.Alg(),
				jwt.SigningMethodHS384.Alg(),
				jwt.SigningMethodHS512.Alg(),
			}),
		),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// InsecureTestTokens reports whether debug credentials are honoured.
func (v *Verifier) InsecureTestTokens() bool {
	return v.insecureDebug
}

// Verify checks the token and extracts the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	if v.insecureDebug && strings.HasPrefix(token, insecureTokenPrefix) {
		return insecureIdentity(strings.TrimPrefix(token, insecureTokenPrefix))
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, classify(err)
	}

	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: userId", ErrMissingClaim)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return Identity{UserID: claims.UserID, Username: claims.Subject}, nil
}

// insecureIdentity derives the username from the first four characters of the id.
func insecureIdentity(id string) (Identity, error) {
	runes := []rune(id)
	if len(runes) < 4 {
		return Identity{}, fmt.Errorf("%w: debug token id too short", ErrMalformed)
	}
	return Identity{UserID: id, Username: "User_" + string(runes[:4])}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// Issue signs an HS256 token for the identity. It backs the local token command
// and tests; real users obtain tokens from the account service.
func Issue(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
