// Package auth implements bearer credential checks for the HTTP/SSE
// transport. The server side rejects requests whose Authorization header does
// not carry the configured token; the client side attaches it.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

const bearerPrefix = "Bearer "

// Validator decides whether a presented bearer token is acceptable
type Validator interface {
	Validate(ctx context.Context, token string) error
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(ctx context.Context, token string) error

func (f ValidatorFunc) Validate(ctx context.Context, token string) error {
	return f(ctx, token)
}

// StaticToken accepts exactly one token, compared in constant time
type StaticToken string

func (s StaticToken) Validate(_ context.Context, token string) error {
	if token == "" {
		return mcperrors.AuthRequired()
	}
	if subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return mcperrors.InvalidToken()
	}
	return nil
}

// ExtractBearer returns the token from an Authorization header value
func ExtractBearer(header string) (string, bool) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// SetBearer attaches token to outgoing headers. An empty token is a no-op.
func SetBearer(h http.Header, token string) {
	if token == "" {
		return
	}
	h.Set("Authorization", bearerPrefix+token)
}

type tokenKey struct{}

// ContextWithToken stores the validated token
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the token stored by the middleware
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok
}
