// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/tokenbridge/pkg/audit"
	"github.com/stacklok/tokenbridge/pkg/auth"
	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
	"github.com/stacklok/tokenbridge/pkg/logger"
)

// errorResponse is the JSON body returned on authentication failure. Only the
// stable reason code is exposed; validation details stay in the logs.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Middleware authenticates each request through the bridge and attaches the
// resulting AuthContext to the request context.
func (b *Bridge) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithSource(r.Context(), audit.SourceFromRequest(r))

		rawToken, err := extractBearerToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", b.buildWWWAuthenticate(false, ""))
			writeAuthError(w, http.StatusUnauthorized, "invalid_request", ReasonCode(err))
			return
		}

		ac, err := b.Authenticate(ctx, rawToken)
		if err != nil {
			status, oauthError := classifyAuthError(err)
			if status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", b.buildWWWAuthenticate(true, ReasonCode(err)))
			}
			writeAuthError(w, status, oauthError, ReasonCode(err))
			return
		}

		ctx = auth.WithAuthContext(ctx, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken pulls the bearer token from the Authorization header.
func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", auth.ErrNoToken
	}

	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return "", auth.ErrNoToken
	}

	return token, nil
}

// classifyAuthError maps an authentication failure to an HTTP status and
// OAuth error code. Identity failures are the client's fault; exchange
// failures are not.
func classifyAuthError(err error) (int, string) {
	switch {
	case errors.Is(err, tokenexchange.ErrExchangeUnreachable),
		errors.Is(err, tokenexchange.ErrExchangeResponseInvalid):
		return http.StatusBadGateway, "temporarily_unavailable"
	case errors.Is(err, tokenexchange.ErrExchangeRejected):
		// The identity was valid but the authorization provider refused to
		// issue a token for it.
		return http.StatusForbidden, "access_denied"
	default:
		return http.StatusUnauthorized, "invalid_token"
	}
}

// buildWWWAuthenticate builds a RFC 6750 compliant WWW-Authenticate value.
func (b *Bridge) buildWWWAuthenticate(includeError bool, errDescription string) string {
	var parts []string

	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, `error_description="`+escapeQuotes(errDescription)+`"`)
		}
	}

	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// escapeQuotes escapes backslashes and double quotes for quoted-string use.
func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// writeAuthError writes the JSON error body.
func writeAuthError(w http.ResponseWriter, status int, oauthError, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: oauthError, Reason: reason}); err != nil {
		logger.Errorf("Failed to encode auth error response: %v", err)
	}
}
