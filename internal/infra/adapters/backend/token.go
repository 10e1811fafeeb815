package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marketplace-purchase-saga/internal/domain"
)

type tokenKey struct{}

// WithAccessToken makes the user's bearer token available to backend calls made with ctx.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// AccessToken returns the token stored by WithAccessToken.
func AccessToken(ctx context.Context) string {
	v, _ := ctx.Value(tokenKey{}).(string)
	return v
}

// checkExpiry rejects a JWT whose exp claim has passed without sending it. The signature is
// the backend's business; tokens that are not JWTs are passed through.
func checkExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Before(exp.Time) {
		return fmt.Errorf("%w: access token expired at %s", domain.ErrUnauthorized, exp.Time.Format(time.RFC3339))
	}
	return nil
}
