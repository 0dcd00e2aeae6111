// Package authtest provides Authenticator fakes for tests and local
// development.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/session-scope-go/auth"
)

// StaticTokens accepts a fixed set of bearer tokens, each mapped to a user id.
type StaticTokens map[string]string

// CheckAuthentication resolves tok to its configured user.
func (s StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	userID, ok := s[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User(userID), nil
}

// User is a UserInfo with no claims beyond its id.
type User string

func (u User) UserID() string { return string(u) }

func (u User) Claims(ref any) error {
	return nil // No claims to unmarshal
}

var _ auth.Authenticator = StaticTokens(nil)
