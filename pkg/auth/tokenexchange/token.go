// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenexchange

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExchangedToken is the result of a successful token exchange: the raw
// authorization token plus the claims the bridge needs for role checks.
type ExchangedToken struct {
	// AccessToken is the raw authorization token returned by the provider.
	AccessToken string

	// TokenType is the OAuth token type, normally "Bearer".
	TokenType string

	// Issuer is the iss claim of the authorization token.
	Issuer string

	// Subject is the sub claim of the authorization token.
	Subject string

	// ExpiresAt is the absolute expiry of the authorization token, derived
	// from the expires_in field of the exchange response.
	ExpiresAt time.Time

	// Roles are the realm-level roles granted to the subject.
	Roles []string

	// ResourceRoles maps a resource (client) name to the roles granted on it.
	ResourceRoles map[string][]string
}

// IsExpired reports whether the token's expiry has passed.
func (t *ExchangedToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires before the given duration
// elapses. A token that is already expired always expires within any duration.
func (t *ExchangedToken) ExpiresWithin(d time.Duration) bool {
	return time.Now().Add(d).After(t.ExpiresAt)
}

// HasRole reports whether the subject holds the given realm-level role.
func (t *ExchangedToken) HasRole(role string) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the subject holds at least one of the given
// realm-level roles. An empty role list is never satisfied.
func (t *ExchangedToken) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if t.HasRole(role) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the subject holds every one of the given
// realm-level roles.
func (t *ExchangedToken) HasAllRoles(roles ...string) bool {
	for _, role := range roles {
		if !t.HasRole(role) {
			return false
		}
	}
	return true
}

// HasResourceRole reports whether the subject holds the given role scoped to
// the given resource.
func (t *ExchangedToken) HasResourceRole(resource, role string) bool {
	for _, r := range t.ResourceRoles[resource] {
		if r == role {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for ExchangedToken, redacting the raw token.
func (t *ExchangedToken) String() string {
	accessToken := redactedPlaceholder
	if t.AccessToken == "" {
		accessToken = emptyPlaceholder
	}

	return fmt.Sprintf("ExchangedToken{AccessToken: %s, Subject: %s, Issuer: %s, ExpiresAt: %s, Roles: %v}",
		accessToken, t.Subject, t.Issuer, t.ExpiresAt.Format(time.RFC3339), t.Roles)
}

// MarshalJSON implements json.Marshaler for ExchangedToken, redacting the raw
// token so it does not leak through logs. Persistence layers that need the
// full token must use their own wire representation.
func (t *ExchangedToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"access_token":   redactedPlaceholder,
		"token_type":     t.TokenType,
		"issuer":         t.Issuer,
		"subject":        t.Subject,
		"expires_at":     t.ExpiresAt,
		"roles":          t.Roles,
		"resource_roles": t.ResourceRoles,
	})
}
