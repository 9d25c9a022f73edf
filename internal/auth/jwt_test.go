package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	sessionID := "session-abc-123"

	token, err := GenerateSessionToken(sessionID, secret)
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}

	claims, err := ValidateSessionToken(token, secret)
	if err != nil {
		t.Fatalf("ValidateSessionToken failed: %v", err)
	}

	if claims.SessionID != sessionID {
		t.Errorf("Expected session ID %s, got %s", sessionID, claims.SessionID)
	}

	if claims.Role != "client" {
		t.Errorf("Expected role 'client', got %q", claims.Role)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := GenerateSessionToken("session-1", []byte("right-secret"))
	if err != nil {
		t.Fatalf("GenerateSessionToken failed: %v", err)
	}

	if _, err := ValidateSessionToken(token, []byte("wrong-secret")); err == nil {
		t.Error("Expected validation to fail with wrong secret")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if _, err := ValidateSessionToken("not-a-token", []byte("secret")); err == nil {
		t.Error("Expected validation to fail for garbage token")
	}
}

func TestValidateRejectsUnsignedAlgorithm(t *testing.T) {
	claims := &SessionClaims{
		SessionID: "session-1",
		Role:      "client",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build none-algorithm token: %v", err)
	}

	if _, err := ValidateSessionToken(token, []byte("secret")); err == nil {
		t.Error("Expected validation to reject a token without an HS256 signature")
	}
}
