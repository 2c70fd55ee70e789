// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/stacklok/tokenbridge/pkg/audit"
	"github.com/stacklok/tokenbridge/pkg/auth"
	"github.com/stacklok/tokenbridge/pkg/logger"
)

// Deny reason codes.
const (
	// ReasonNoAuthorizationToken indicates no exchanged token was available
	// to evaluate, e.g. because token exchange is disabled.
	ReasonNoAuthorizationToken = "no_authorization_token"

	// ReasonInsufficientRole indicates the token lacks the required roles.
	ReasonInsufficientRole = "insufficient_role"
)

// Decision is the outcome of evaluating a requirement for one request.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Reason is the deny reason code. Empty when allowed.
	Reason string

	// Missing lists the roles that would have satisfied the requirement.
	Missing []string
}

// Gate evaluates role requirements and records every decision as an audit
// event.
type Gate struct {
	auditor *audit.Auditor
}

// NewGate creates a Gate emitting decisions through the given auditor.
func NewGate(auditor *audit.Auditor) *Gate {
	return &Gate{auditor: auditor}
}

// Authorize evaluates the requirement against the request's AuthContext.
func (g *Gate) Authorize(ctx context.Context, ac *auth.AuthContext, req Requirement) Decision {
	return g.authorize(ctx, ac, req, nil)
}

// authorize evaluates the requirement and emits exactly one audit event,
// merging any extra target fields supplied by the caller.
func (g *Gate) authorize(ctx context.Context, ac *auth.AuthContext, req Requirement, extraTarget map[string]string) Decision {
	decision := evaluate(ac, req)

	target := map[string]string{
		audit.TargetKeyRequirement: req.String(),
	}
	for k, v := range extraTarget {
		target[k] = v
	}

	outcome := audit.OutcomeSuccess
	if !decision.Allowed {
		outcome = audit.OutcomeDenied
		target[audit.TargetKeyReason] = decision.Reason
	}

	g.auditor.LogAuthzDecision(ctx, decisionSubjects(ac), outcome, target)

	return decision
}

// evaluate computes the decision without side effects.
func evaluate(ac *auth.AuthContext, req Requirement) Decision {
	if ac == nil || ac.Token == nil {
		return Decision{
			Allowed: false,
			Reason:  ReasonNoAuthorizationToken,
		}
	}

	satisfied, missing := req.Evaluate(ac.Token)
	if satisfied {
		return Decision{Allowed: true}
	}

	return Decision{
		Allowed: false,
		Reason:  ReasonInsufficientRole,
		Missing: missing,
	}
}

// decisionSubjects builds the audit subjects map for a decision.
func decisionSubjects(ac *auth.AuthContext) map[string]string {
	if ac == nil || ac.Identity == nil {
		return map[string]string{audit.SubjectKeyUser: "anonymous"}
	}

	subjects := map[string]string{
		audit.SubjectKeyUserID: ac.Identity.Subject,
	}
	if ac.Identity.Email != "" {
		subjects[audit.SubjectKeyUser] = ac.Identity.Email
	}
	if ac.Identity.Issuer != "" {
		subjects[audit.SubjectKeyIssuer] = ac.Identity.Issuer
	}
	return subjects
}

// denyResponse is the JSON body returned when a request is denied.
type denyResponse struct {
	Error   string   `json:"error"`
	Reason  string   `json:"reason"`
	Missing []string `json:"missing_roles,omitempty"`
}

// Middleware returns an HTTP middleware enforcing the requirement. Requests
// without an authorization token get 401; requests whose token lacks the
// required roles get 403.
func (g *Gate) Middleware(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, _ := auth.AuthContextFromContext(r.Context())

			decision := g.authorize(r.Context(), ac, req, map[string]string{
				audit.TargetKeyEndpoint: r.URL.Path,
				audit.TargetKeyMethod:   r.Method,
			})

			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			status := http.StatusForbidden
			if decision.Reason == ReasonNoAuthorizationToken {
				status = http.StatusUnauthorized
			}

			logger.Debugw("Request denied",
				"path", r.URL.Path,
				"requirement", req.String(),
				"reason", decision.Reason,
				"missing", strings.Join(decision.Missing, ","),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			if err := json.NewEncoder(w).Encode(denyResponse{
				Error:   http.StatusText(status),
				Reason:  decision.Reason,
				Missing: decision.Missing,
			}); err != nil {
				logger.Errorf("Failed to encode deny response: %v", err)
			}
		})
	}
}
