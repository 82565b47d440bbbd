package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAssertion = errors.New("auth: assertion required")
	ErrInvalidAssertion = errors.New("auth: invalid assertion")
)

// assertionClaims mirrors the JWT payload the main platform backend signs
// when it hands a user over to the chat service.
type assertionClaims struct {
	UserID          string `json:"user_id"`
	UserDisplayName string `json:"user_display_name"`
	UserAvatarURL   string `json:"user_avatar_url"`
	jwt.RegisteredClaims
}

// AssertionVerifierConfig describes how to validate platform assertions.
type AssertionVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// AssertionVerifier validates HS256 identity assertions minted by the main
// platform backend. The chat service never sees the platform's own login
// flow; the shared-secret assertion is its only trust anchor.
type AssertionVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewAssertionVerifier constructs a verifier with the provided configuration.
func NewAssertionVerifier(cfg AssertionVerifierConfig) (*AssertionVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("%w: issuer required", ErrInvalidAssertion)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AssertionVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Verify validates the assertion and returns the identity it asserts.
func (v *AssertionVerifier) Verify(_ context.Context, assertion string) (IdentityClaims, error) {
	token := strings.TrimSpace(assertion)
	if token == "" {
		return IdentityClaims{}, ErrMissingAssertion
	}

	claims := &assertionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidAssertion, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return IdentityClaims{}, ErrExpiredToken
		}
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if parsed == nil || !parsed.Valid {
		return IdentityClaims{}, ErrInvalidAssertion
	}
	if claims.Issuer != v.issuer {
		return IdentityClaims{}, ErrInvalidAssertion
	}

	subject := strings.TrimSpace(claims.UserID)
	if subject == "" {
		subject = strings.TrimSpace(claims.Subject)
	}
	if subject == "" {
		return IdentityClaims{}, ErrMissingSubject
	}
	return IdentityClaims{
		Subject:     subject,
		DisplayName: claims.UserDisplayName,
		AvatarURL:   claims.UserAvatarURL,
	}, nil
}
