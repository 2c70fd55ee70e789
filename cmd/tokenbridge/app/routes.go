// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/tokenbridge/pkg/audit"
	"github.com/stacklok/tokenbridge/pkg/auth"
	"github.com/stacklok/tokenbridge/pkg/auth/bridge"
	"github.com/stacklok/tokenbridge/pkg/authz"
	"github.com/stacklok/tokenbridge/pkg/logger"
)

// newRouter builds the HTTP routes. Everything under /api is authenticated by
// the bridge; individual routes declare the roles they require.
func newRouter(b *bridge.Bridge, auditor *audit.Auditor) http.Handler {
	gate := authz.NewGate(auditor)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(b.Middleware)

		r.Get("/me", handleMe)

		r.With(gate.Middleware(authz.RequireRole("data_reader"))).
			Get("/data", handleReadData)
		r.With(gate.Middleware(authz.RequireRole("data_writer"))).
			Post("/data", handleWriteData)

		r.With(gate.Middleware(authz.RequireAnyRole("admin", "supervisor", "data_manager"))).
			Post("/resources/{id}/manage", handleManageResource)

		r.With(gate.Middleware(authz.RequireAllRoles("finance_access", "executive_level"))).
			Get("/finance/report", handleFinanceReport)

		r.With(gate.Middleware(authz.RequireResourceRole("critical-data-api", "writer"))).
			Post("/critical", handleCriticalWrite)
	})

	return r
}

// handleHealth reports liveness. It is deliberately unauthenticated.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMe echoes the authenticated identity and the roles carried by the
// exchanged authorization token.
func handleMe(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.AuthContextFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		return
	}

	resp := map[string]any{
		"subject": ac.Identity.Subject,
		"issuer":  ac.Identity.Issuer,
	}
	if ac.Identity.Email != "" {
		resp["email"] = ac.Identity.Email
	}
	if ac.Identity.Name != "" {
		resp["name"] = ac.Identity.Name
	}
	if ac.Token != nil {
		resp["roles"] = ac.Token.Roles
		resp["resource_roles"] = ac.Token.ResourceRoles
	}

	writeJSON(w, http.StatusOK, resp)
}

func handleReadData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "data read granted",
		"user":    subjectOf(r),
	})
}

func handleWriteData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "data write granted",
		"user":    subjectOf(r),
	})
}

func handleManageResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "resource management granted",
		"resource": chi.URLParam(r, "id"),
		"user":     subjectOf(r),
	})
}

func handleFinanceReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "finance report access granted",
		"user":    subjectOf(r),
	})
}

func handleCriticalWrite(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "critical write granted",
		"user":    subjectOf(r),
	})
}

// subjectOf returns the authenticated subject, or empty when unauthenticated.
func subjectOf(r *http.Request) string {
	if ac, ok := auth.AuthContextFromContext(r.Context()); ok && ac.Identity != nil {
		return ac.Identity.Subject
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}
