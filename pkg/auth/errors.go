// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import "errors"

// Common errors
var (
	// ErrNoToken indicates no bearer token was presented.
	ErrNoToken = errors.New("no token provided")

	// ErrTokenMalformed indicates the token is not a structurally valid JWT.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrInvalidSignature indicates the token signature could not be verified
	// against the issuer's published keys.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrUntrustedIssuer indicates the token was issued by an issuer other
	// than the configured one.
	ErrUntrustedIssuer = errors.New("untrusted issuer")

	// ErrTokenExpired indicates the token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidAudience indicates the token was not issued for this service.
	ErrInvalidAudience = errors.New("invalid audience")

	// ErrFailedToDiscoverOIDC indicates OIDC discovery against the issuer failed.
	ErrFailedToDiscoverOIDC = errors.New("failed to discover OIDC configuration")

	// ErrMissingIssuerAndJWKSURL indicates neither an issuer nor a JWKS URL
	// was configured.
	ErrMissingIssuerAndJWKSURL = errors.New("either issuer or JWKS URL must be provided")
)
