package relay

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestDefaultTokenExtractor_BearerHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := DefaultTokenExtractor(r); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestDefaultTokenExtractor_QueryParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=xyz", nil)
	if got := DefaultTokenExtractor(r); got != "xyz" {
		t.Fatalf("expected xyz, got %q", got)
	}
}

func TestNoAuth_AcceptsAnyToken(t *testing.T) {
	var a noAuth
	res, err := a.Authenticate(nil, "anything")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.UserID != "" {
		t.Fatalf("expected empty userID, got %q", res.UserID)
	}
}

func TestJWTAuthenticator_ValidToken(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewJWTAuthenticator(secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-42",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	res, err := auth.Authenticate(nil, signed)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.UserID != "user-42" {
		t.Fatalf("expected user-42, got %q", res.UserID)
	}
	if res.Meta.GetString("role") != "admin" {
		t.Fatalf("expected role=admin in meta, got %v", res.Meta)
	}
}

func TestJWTAuthenticator_ExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewJWTAuthenticator(secret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := auth.Authenticate(nil, signed); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWTAuthenticator_WrongSecret(t *testing.T) {
	auth := NewJWTAuthenticator([]byte("real-secret"))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.Authenticate(nil, signed); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestJWTAuthenticator_EmptyToken(t *testing.T) {
	auth := NewJWTAuthenticator([]byte("secret"))
	if _, err := auth.Authenticate(nil, ""); err != ErrAuthRequired {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}
