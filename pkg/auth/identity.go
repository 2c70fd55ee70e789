// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims is the validated identity extracted from an inbound token.
type IdentityClaims struct {
	// Subject is the stable identifier of the user. The oid claim is
	// preferred when present since some identity providers rotate sub across
	// applications.
	Subject string

	// Email is the user's email address, falling back to preferred_username.
	Email string

	// Name is the user's display name, if present.
	Name string

	// Issuer is the iss claim of the identity token.
	Issuer string

	// TenantID is the tid claim, if the identity provider is multi-tenant.
	TenantID string

	// Claims holds the full validated claim set for callers that need
	// provider-specific claims.
	Claims jwt.MapClaims
}

// String implements fmt.Stringer for IdentityClaims.
func (c *IdentityClaims) String() string {
	return fmt.Sprintf("IdentityClaims{Subject: %s, Email: %s, Issuer: %s}", c.Subject, c.Email, c.Issuer)
}

// claimsToIdentity builds an IdentityClaims from a validated claim set.
func claimsToIdentity(claims jwt.MapClaims) (*IdentityClaims, error) {
	identity := &IdentityClaims{
		Claims: claims,
	}

	if oid, ok := claims["oid"].(string); ok && oid != "" {
		identity.Subject = oid
	} else if sub, err := claims.GetSubject(); err == nil {
		identity.Subject = sub
	}
	if identity.Subject == "" {
		return nil, fmt.Errorf("%w: no subject claim", ErrTokenMalformed)
	}

	if email, ok := claims["email"].(string); ok && email != "" {
		identity.Email = email
	} else if username, ok := claims["preferred_username"].(string); ok {
		identity.Email = username
	}

	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if iss, err := claims.GetIssuer(); err == nil {
		identity.Issuer = iss
	}
	if tid, ok := claims["tid"].(string); ok {
		identity.TenantID = tid
	}

	return identity, nil
}
