package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/session-scope-go/auth"
	"github.com/ggoodman/session-scope-go/auth/authtest"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := auth.UserInfoFromContext(ctx); ok {
		t.Fatal("empty context should carry no user")
	}
	if _, ok := auth.APIKeyFromContext(ctx); ok {
		t.Fatal("empty context should carry no API key")
	}

	ctx = auth.WithUserInfo(ctx, authtest.User("u-1"))
	ctx = auth.WithAPIKey(ctx, "k-1")
	ui, ok := auth.UserInfoFromContext(ctx)
	if !ok || ui.UserID() != "u-1" {
		t.Fatalf("UserInfoFromContext = %v, %v", ui, ok)
	}
	if key, ok := auth.APIKeyFromContext(ctx); !ok || key != "k-1" {
		t.Fatalf("APIKeyFromContext = %q, %v", key, ok)
	}
}

func TestStaticTokens(t *testing.T) {
	a := authtest.StaticTokens{"good": "user-1"}
	ui, err := a.CheckAuthentication(context.Background(), "good")
	if err != nil || ui.UserID() != "user-1" {
		t.Fatalf("CheckAuthentication() = %v, %v", ui, err)
	}
	if _, err := a.CheckAuthentication(context.Background(), "bad"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewJWTRequiresAudience(t *testing.T) {
	if _, err := auth.NewJWT(context.Background(), "https://issuer.example", "", "http://127.0.0.1/keys"); err == nil {
		t.Fatal("expected error without audience")
	}
}

func TestNewJWTFromDiscoveryRequiresAudience(t *testing.T) {
	if _, err := auth.NewJWTFromDiscovery(context.Background(), "https://issuer.example", ""); err == nil {
		t.Fatal("expected error without audience")
	}
}

func TestNewJWTMapsErrors(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	keys, _ := json.Marshal(set)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := auth.NewJWT(ctx, "https://issuer.example", "api", srv.URL, auth.WithRequiredScopes("orders:admin"))
	if err != nil {
		t.Fatalf("NewJWT() failed: %v", err)
	}

	sign := func(claims jwt.MapClaims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(pk)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	claims := jwt.MapClaims{
		"iss":   "https://issuer.example",
		"sub":   "user-1",
		"aud":   "api",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "orders:read",
	}

	if _, err := a.CheckAuthentication(ctx, sign(claims)); !errors.Is(err, auth.ErrInsufficientScope) {
		t.Fatalf("expected ErrInsufficientScope, got %v", err)
	}
	claims["aud"] = "other"
	if _, err := a.CheckAuthentication(ctx, sign(claims)); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
