package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, method jwtlib.SigningMethod) string {
	t.Helper()
	token := jwtlib.NewWithClaims(method, jwtlib.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func runGuarded(t *testing.T, secret, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	auth := NewAuthMiddleware(secret)
	called := false
	handler := auth.Require(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest("POST", "/admin/flush", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code == http.StatusOK && !called {
		t.Fatal("200 without invoking the handler")
	}
	return rec
}

func TestAuthValidToken(t *testing.T) {
	t.Parallel()
	token := signToken(t, "secret", jwtlib.SigningMethodHS256)
	rec := runGuarded(t, "secret", "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthMissingHeader(t *testing.T) {
	t.Parallel()
	rec := runGuarded(t, "secret", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: %d", rec.Code)
	}
}

func TestAuthWrongSecret(t *testing.T) {
	t.Parallel()
	token := signToken(t, "other", jwtlib.SigningMethodHS256)
	rec := runGuarded(t, "secret", "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d", rec.Code)
	}
}

func TestAuthExpiredToken(t *testing.T) {
	t.Parallel()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	rec := runGuarded(t, "secret", "Bearer "+signed)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", rec.Code)
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	token := signToken(t, "", jwtlib.SigningMethodHS256)
	rec := runGuarded(t, "", "Bearer "+token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin endpoints must be disabled without a secret: %d", rec.Code)
	}
}
