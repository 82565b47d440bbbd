package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "rallye-auth",
		Audience:      "rallye-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesBearerTokens(t *testing.T) {
	issuer := newIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), IdentityClaims{
		Subject:     "user-123",
		DisplayName: "Margot",
		AvatarURL:   "https://cdn.example/avatars/margot.png",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &backendClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "rallye-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "rallye-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if claims.DisplayName != "Margot" {
		t.Fatalf("display name claim missing: %#v", claims)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		Issuer:   "rallye-auth",
		Audience: "rallye-api",
	})
	if !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected constructor error for missing secret, got %v", err)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newIssuer(t, nil)

	tokenString, _, err := issuer.IssueToken(context.Background(), IdentityClaims{Subject: "user-321"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	identity, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if identity.Subject != "user-321" {
		t.Fatalf("unexpected subject %s", identity.Subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.IssueToken(context.Background(), IdentityClaims{Subject: "user-999"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = now.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestTokenIssuerRequiresSubject(t *testing.T) {
	issuer := newIssuer(t, nil)
	if _, _, err := issuer.IssueToken(context.Background(), IdentityClaims{}); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
