package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signTestToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestUserIDFromAuthHeaderTestMode(t *testing.T) {
	secret := []byte("local-test-secret")
	a := NewAuth(nil, AuthConfig{TestSecret: secret})

	tok := signTestToken(t, secret, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	userID, err := a.UserIDFromAuthHeader("Bearer " + tok)
	if err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
	if userID != "u1" {
		t.Fatalf("expected u1, got %q", userID)
	}
}

func TestUserIDFromAuthHeaderRejectsWrongSecret(t *testing.T) {
	a := NewAuth(nil, AuthConfig{TestSecret: []byte("right")})
	tok := signTestToken(t, []byte("wrong"), jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + tok); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestUserIDFromAuthHeaderRejectsMissingSub(t *testing.T) {
	secret := []byte("s")
	a := NewAuth(nil, AuthConfig{TestSecret: secret})
	tok := signTestToken(t, secret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.UserIDFromAuthHeader("Bearer " + tok); err == nil {
		t.Fatal("expected missing sub error")
	}
}

func TestUserIDFromAuthHeaderShapeChecks(t *testing.T) {
	a := NewAuth(nil, AuthConfig{TestSecret: []byte("s")})
	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no scheme", "token-without-scheme"},
		{"wrong scheme", "Basic abc.def.ghi"},
		{"not a jwt", "Bearer notajwt"},
	}
	for _, tc := range cases {
		if _, err := a.UserIDFromAuthHeader(tc.header); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
