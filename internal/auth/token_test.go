package auth

import (
	"testing"
	"time"

	"github.com/numhive/platform/internal/errors"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer("test-secret", time.Hour)
	token, exp, err := iss.Issue("u1", "a@b.c", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.After(time.Now().UTC().Add(50 * time.Minute)) {
		t.Fatalf("expiry too soon: %v", exp)
	}

	claims, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u1" || claims.Email != "a@b.c" || claims.Role != "user" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, _, err := NewIssuer("secret-a", time.Hour).Issue("u1", "", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewIssuer("secret-b", time.Hour).Verify(token); !errors.IsCode(err, errors.CodeAuthInvalid) {
		t.Fatalf("err = %v, want AUTH_INVALID", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	iss := NewIssuer("s", time.Nanosecond)
	token, _, err := iss.Issue("u1", "", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := iss.Verify(token); !errors.IsCode(err, errors.CodeAuthExpired) {
		t.Fatalf("err = %v, want AUTH_EXPIRED", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := NewIssuer("s", time.Hour).Verify("not.a.token"); !errors.IsCode(err, errors.CodeAuthInvalid) {
		t.Fatalf("err = %v, want AUTH_INVALID", err)
	}
}
