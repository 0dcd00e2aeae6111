package auth

import "context"

type userInfoKey struct{}

type apiKeyKey struct{}

// WithUserInfo returns a context carrying an authenticated principal.
func WithUserInfo(ctx context.Context, ui UserInfo) context.Context {
	return context.WithValue(ctx, userInfoKey{}, ui)
}

// UserInfoFromContext returns the principal stored by WithUserInfo.
func UserInfoFromContext(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userInfoKey{}).(UserInfo)
	return ui, ok && ui != nil
}

// WithAPIKey returns a context carrying an API-key identity. An upstream
// layer that has already verified the key sets it so the session middleware
// treats the request as API-key authenticated.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyKey{}, key)
}

// APIKeyFromContext returns the API key stored by WithAPIKey.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey{}).(string)
	return key, ok
}
