package auth

import "context"

type sessionContextKey struct{}
type tokenContextKey struct{}

// ContextWithSession attaches the authenticated session view to the context.
func ContextWithSession(ctx context.Context, view SessionView) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, &view)
}

// SessionFromContext extracts the authenticated session view from the context.
func SessionFromContext(ctx context.Context) (SessionView, bool) {
	if ctx == nil {
		return SessionView{}, false
	}
	v, ok := ctx.Value(sessionContextKey{}).(*SessionView)
	if !ok || v == nil {
		return SessionView{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
