package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/session-scope-go/internal/jwtauth"
)

// JWTOption configures optional aspects of the JWT authenticator (scopes,
// algorithms, leeway).
type JWTOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewJWT returns an Authenticator that verifies JWT bearer tokens issued by
// issuer for audience, with signing keys from jwksURL. Keys are refreshed in
// the background until ctx is done.
func NewJWT(ctx context.Context, issuer, audience, jwksURL string, opts ...JWTOption) (Authenticator, error) {
	cfg, err := jwtConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	internal, err := jwtauth.New(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

// NewJWTFromDiscovery is NewJWT with the JWKS URL taken from the issuer's
// OpenID Connect discovery document.
func NewJWTFromDiscovery(ctx context.Context, issuer, audience string, opts ...JWTOption) (Authenticator, error) {
	cfg, err := jwtConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: internal}, nil
}

func jwtConfig(issuer, audience string, opts []JWTOption) (*jwtauth.Config, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	if audience != "" {
		cfg.ExpectedAudiences = []string{audience}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("audience is required")
	}
	return cfg, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a *jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
