package supabase

import "context"

type accessTokenKey struct{}

// WithAccessToken returns a context carrying a per-request access token.
// Calls made with it run under the token's row-level security policies
// instead of the service key.
func WithAccessToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AccessTokenFromContext retrieves the per-request access token, if any.
func AccessTokenFromContext(ctx context.Context) string {
	if tok, ok := ctx.Value(accessTokenKey{}).(string); ok {
		return tok
	}
	return ""
}
