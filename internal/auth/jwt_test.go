package auth

import (
	"testing"
	"time"
)

func TestCreateAndVerifyPushToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreatePushToken(7, 42, cfg)
	if err != nil {
		t.Fatalf("CreatePushToken: %v", err)
	}

	claims, err := VerifyPushToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyPushToken: %v", err)
	}
	userID, err := claims.UserID()
	if err != nil || userID != 42 {
		t.Fatalf("expected user 42, got %d (%v)", userID, err)
	}
	if claims.TenantID != 7 {
		t.Fatalf("expected tenant 7, got %d", claims.TenantID)
	}
}

func TestVerifyPushToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreatePushToken(1, 1, cfg)
	if err != nil {
		t.Fatalf("CreatePushToken: %v", err)
	}

	if _, err := VerifyPushToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyPushToken_WrongIssuer(t *testing.T) {
	tok, err := CreatePushToken(1, 1, TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "other"})
	if err != nil {
		t.Fatalf("CreatePushToken: %v", err)
	}
	if _, err := VerifyPushToken(tok, TokenConfig{Secret: "secret", Issuer: "wamator"}); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
}

func TestCreatePushToken_Invalid(t *testing.T) {
	if _, err := CreatePushToken(1, 1, TokenConfig{Secret: "secret", Expiry: -time.Second}); err == nil {
		t.Fatalf("expected expiry error")
	}
	if _, err := CreatePushToken(0, 1, TokenConfig{Secret: "secret", Expiry: time.Hour}); err == nil {
		t.Fatalf("expected tenant error")
	}
}
