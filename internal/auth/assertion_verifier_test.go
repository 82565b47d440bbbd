package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signAssertion(t *testing.T, secret, issuer, userID string, expiresAt time.Time) string {
	t.Helper()
	claims := assertionClaims{
		UserID:          userID,
		UserDisplayName: "Nadia",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign assertion: %v", err)
	}
	return signed
}

func TestAssertionVerifierAcceptsPlatformAssertions(t *testing.T) {
	verifier, err := NewAssertionVerifier(AssertionVerifierConfig{
		SigningSecret: []byte("shared"),
		Issuer:        "rallye-platform",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	assertion := signAssertion(t, "shared", "rallye-platform", "user-7", time.Now().Add(time.Minute))
	identity, err := verifier.Verify(context.Background(), assertion)
	if err != nil {
		t.Fatalf("expected verification success: %v", err)
	}
	if identity.Subject != "user-7" || identity.DisplayName != "Nadia" {
		t.Fatalf("unexpected identity %#v", identity)
	}
}

func TestAssertionVerifierRejectsBadInput(t *testing.T) {
	verifier, err := NewAssertionVerifier(AssertionVerifierConfig{
		SigningSecret: []byte("shared"),
		Issuer:        "rallye-platform",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), ""); !errors.Is(err, ErrMissingAssertion) {
		t.Fatalf("expected missing assertion error, got %v", err)
	}

	wrongSecret := signAssertion(t, "other", "rallye-platform", "user-7", time.Now().Add(time.Minute))
	if _, err := verifier.Verify(context.Background(), wrongSecret); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected invalid assertion error, got %v", err)
	}

	wrongIssuer := signAssertion(t, "shared", "someone-else", "user-7", time.Now().Add(time.Minute))
	if _, err := verifier.Verify(context.Background(), wrongIssuer); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected issuer rejection, got %v", err)
	}

	expired := signAssertion(t, "shared", "rallye-platform", "user-7", time.Now().Add(-time.Minute))
	if _, err := verifier.Verify(context.Background(), expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
}
