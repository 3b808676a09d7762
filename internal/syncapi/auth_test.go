package syncapi

import (
	"testing"
	"time"
)

func TestAuthenticateBearerRoundTrip(t *testing.T) {
	token := IssueBearerToken("user-42", "secret", time.Hour)
	userID, err := authenticateBearer("Bearer "+token, "secret", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("expected user-42, got %s", userID)
	}
}

func TestAuthenticateBearerWrongSecret(t *testing.T) {
	token := IssueBearerToken("user-42", "secret", time.Hour)
	_, err := authenticateBearer("Bearer "+token, "other-secret", time.Now())
	if err == nil {
		t.Fatal("expected error for mismatched secret")
	}
}

func TestAuthenticateBearerExpired(t *testing.T) {
	token := IssueBearerToken("user-42", "secret", -time.Minute)
	_, err := authenticateBearer("Bearer "+token, "secret", time.Now())
	if err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestAuthenticateBearerMalformed(t *testing.T) {
	_, err := authenticateBearer("Bearer not-a-token", "secret", time.Now())
	if err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestAuthenticateBearerMissingHeader(t *testing.T) {
	_, err := authenticateBearer("", "secret", time.Now())
	if err == nil {
		t.Fatal("expected error for missing header")
	}
}
