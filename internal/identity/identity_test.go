package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.RegisteredClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "user-42",
		Audience:  jwt.ClaimStrings{"relay"},
		Issuer:    "auth.example",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewHMACVerifier(testSecret, "relay", "auth.example")
	if err != nil {
		t.Fatalf("NewHMACVerifier failed: %v", err)
	}
	return v
}

func TestJWTVerifier_Valid(t *testing.T) {
	v := newTestVerifier(t)

	userID, err := v.Verify(context.Background(), signToken(t, validClaims(), testSecret))
	if err != nil {
		t.Fatalf("Expected valid token, got %v", err)
	}
	if userID != "user-42" {
		t.Errorf("Expected user-42, got %s", userID)
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v := newTestVerifier(t)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	noSubject := validClaims()
	noSubject.Subject = ""
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", signToken(t, validClaims(), "other-secret")},
		{"expired", signToken(t, expired, testSecret)},
		{"wrong audience", signToken(t, wrongAud, testSecret)},
		{"no subject", signToken(t, noSubject, testSecret)},
		{"no expiry", signToken(t, noExpiry, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("Expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestNewVerifier_NeedsKeySource(t *testing.T) {
	if _, err := NewHMACVerifier("", "", ""); err == nil {
		t.Error("Expected error without a secret")
	}
	if _, err := NewJWKSVerifier(context.Background(), "", "", ""); err == nil {
		t.Error("Expected error without a JWKS URL")
	}
}

func TestDevVerifier(t *testing.T) {
	var v DevVerifier
	if id, _ := v.Verify(context.Background(), ""); id != DevUserID {
		t.Errorf("Expected %s, got %s", DevUserID, id)
	}
	if id, _ := v.Verify(context.Background(), " alice "); id != "alice" {
		t.Errorf("Expected alice, got %s", id)
	}
}

func TestTokenFromRequest(t *testing.T) {
	c := httptest.NewRequest(http.MethodGet, "/ws", nil)
	c.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "from-cookie"})
	if got := TokenFromRequest(c); got != "from-cookie" {
		t.Errorf("Expected cookie token, got %q", got)
	}

	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	if got := TokenFromRequest(r); got != "from-query" {
		t.Errorf("Expected query token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(r); got != "from-header" {
		t.Errorf("Expected header token, got %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	var seen string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims(), testSecret))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 with token, got %d", rec.Code)
	}
	if seen != "user-42" {
		t.Errorf("Expected user-42 in context, got %q", seen)
	}
}
