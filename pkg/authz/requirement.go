// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz evaluates role requirements against exchanged authorization
// tokens and produces auditable allow/deny decisions.
package authz

import (
	"fmt"
	"strings"

	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
)

// Requirement describes the roles a request must hold to be allowed.
type Requirement interface {
	fmt.Stringer

	// Evaluate checks the requirement against the token's role claims.
	// On failure it returns the roles that would have satisfied it.
	Evaluate(token *tokenexchange.ExchangedToken) (satisfied bool, missing []string)
}

// roleRequirement requires a single realm-level role.
type roleRequirement struct {
	role string
}

// RequireRole requires the subject to hold the given realm-level role.
func RequireRole(role string) Requirement {
	return roleRequirement{role: role}
}

func (r roleRequirement) Evaluate(token *tokenexchange.ExchangedToken) (bool, []string) {
	if token.HasRole(r.role) {
		return true, nil
	}
	return false, []string{r.role}
}

func (r roleRequirement) String() string {
	return "role:" + r.role
}

// anyRoleRequirement requires at least one of a set of realm-level roles.
type anyRoleRequirement struct {
	roles []string
}

// RequireAnyRole requires the subject to hold at least one of the given
// realm-level roles. An empty set is never satisfied.
func RequireAnyRole(roles ...string) Requirement {
	return anyRoleRequirement{roles: roles}
}

func (r anyRoleRequirement) Evaluate(token *tokenexchange.ExchangedToken) (bool, []string) {
	if token.HasAnyRole(r.roles...) {
		return true, nil
	}
	return false, r.roles
}

func (r anyRoleRequirement) String() string {
	return "any_of:" + strings.Join(r.roles, ",")
}

// allRolesRequirement requires every role in a set.
type allRolesRequirement struct {
	roles []string
}

// RequireAllRoles requires the subject to hold every one of the given
// realm-level roles. An empty set is trivially satisfied.
func RequireAllRoles(roles ...string) Requirement {
	return allRolesRequirement{roles: roles}
}

func (r allRolesRequirement) Evaluate(token *tokenexchange.ExchangedToken) (bool, []string) {
	var missing []string
	for _, role := range r.roles {
		if !token.HasRole(role) {
			missing = append(missing, role)
		}
	}
	return len(missing) == 0, missing
}

func (r allRolesRequirement) String() string {
	return "all_of:" + strings.Join(r.roles, ",")
}

// resourceRoleRequirement requires a role scoped to a specific resource.
type resourceRoleRequirement struct {
	resource string
	role     string
}

// RequireResourceRole requires the subject to hold the given role on the
// given resource (client).
func RequireResourceRole(resource, role string) Requirement {
	return resourceRoleRequirement{resource: resource, role: role}
}

func (r resourceRoleRequirement) Evaluate(token *tokenexchange.ExchangedToken) (bool, []string) {
	if token.HasResourceRole(r.resource, r.role) {
		return true, nil
	}
	return false, []string{r.resource + ":" + r.role}
}

func (r resourceRoleRequirement) String() string {
	return "resource_role:" + r.resource + ":" + r.role
}
