// Package auth defines the identity sources consumed by the session
// middleware: an Authenticator that turns a bearer token into a UserInfo,
// and context helpers through which an upstream layer can hand over an
// already established user or API-key identity.
//
// NewJWT constructs an Authenticator that validates JWT bearer tokens
// against a fixed issuer, audience and JWKS endpoint:
//
//	authn, err := auth.NewJWT(ctx, "https://issuer.example", "https://api.example",
//	    "https://issuer.example/.well-known/jwks.json",
//	    auth.WithRequiredScopes("orders:read"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//	userID := ui.UserID()
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
