// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
)

// AuthContext carries the outcome of the authentication bridge for one
// request: the validated identity and the authorization token it was
// exchanged for.
type AuthContext struct {
	// Identity is the validated inbound identity.
	Identity *IdentityClaims

	// Token is the exchanged authorization token, nil when exchange is
	// disabled.
	Token *tokenexchange.ExchangedToken
}

// authContextKey is the context key used to store the AuthContext.
type authContextKey struct{}

// WithAuthContext returns a new context with the AuthContext attached.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthContextFromContext retrieves the AuthContext from the context.
func AuthContextFromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return ac, ok
}
