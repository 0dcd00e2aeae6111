package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation for bearer JWTs checked against a statically
// configured issuer, audiences and JWKS URI.
type Config struct {
	Issuer string
	// ExpectedAudiences lists accepted "aud" values; any match is sufficient.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// UserInfo is the internal user claims carrier for validated tokens.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates bearer tokens.
type Authenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// New constructs an Authenticator whose signing keys are fetched (and kept
// refreshed) from jwksURI for as long as ctx is alive.
func New(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newAuthenticator(cfg, kf.Keyfunc), nil
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to obtain the
// jwks_uri and constructs an Authenticator from it. JWKS keys are
// auto-refreshed for as long as ctx is alive.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return New(ctx, cfg, meta.JwksURI)
}

// NewWithKeyfunc constructs an Authenticator around an existing key source.
func NewWithKeyfunc(cfg *Config, kf jwt.Keyfunc) (*Authenticator, error) {
	if kf == nil {
		return nil, errors.New("keyfunc required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return newAuthenticator(cfg, kf), nil
}

func validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	return nil
}

func newAuthenticator(cfg *Config, kf jwt.Keyfunc) *Authenticator {
	return &Authenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}}
}

// CheckAuthentication verifies tok and returns the subject it was issued to.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	if err := a.checkScopes(claims); err != nil {
		return nil, err
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *Authenticator) checkScopes(claims jwt.MapClaims) error {
	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.ScopeModeAny {
		for _, want := range a.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return nil
			}
		}
		return fmt.Errorf("%w: need any of %v", ErrInsufficientScope, a.cfg.RequiredScopes)
	}
	for _, want := range a.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
		}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
