// Package usercontext carries the UI-attached user headers through the
// request context so downstream clients can forward them. The gateway
// treats the values as opaque.
package usercontext

import (
	"context"
	"net/http"
)

// ForwardedHeaders is the set of user-context headers the UI layer attaches.
var ForwardedHeaders = []string{
	"X-User-Name",
	"X-User-Id",
	"X-User-Email",
	"X-User-Role",
	"X-Chat-Id",
}

type contextKey struct{}

// FromRequest captures the forwarded headers present on an incoming request.
func FromRequest(r *http.Request) map[string]string {
	var captured map[string]string
	for _, h := range ForwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			if captured == nil {
				captured = make(map[string]string, len(ForwardedHeaders))
			}
			captured[h] = v
		}
	}
	return captured
}

// WithHeaders stores captured headers in the context.
func WithHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, headers)
}

// Headers returns the captured headers, or nil.
func Headers(ctx context.Context) map[string]string {
	if v, ok := ctx.Value(contextKey{}).(map[string]string); ok {
		return v
	}
	return nil
}

// Apply sets the captured headers on an outgoing request.
func Apply(ctx context.Context, req *http.Request) {
	for k, v := range Headers(ctx) {
		req.Header.Set(k, v)
	}
}
