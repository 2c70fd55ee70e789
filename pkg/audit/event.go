// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit provides audit logging for authentication and authorization
// decisions. Event structures and utilities are based on the auditevent
// library from metal-toolbox/auditevent to ensure NIST SP 800-53 compliance.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the bridge.
const (
	// EventTypeTokenValidation represents validation of an inbound identity token.
	EventTypeTokenValidation = "token_validation"
	// EventTypeTokenExchange represents an OAuth 2.0 token exchange against the
	// authorization provider.
	EventTypeTokenExchange = "token_exchange"
	// EventTypeAuthzDecision represents a role-based authorization decision.
	EventTypeAuthzDecision = "authz_decision"
)

// Common event outcomes.
const (
	// OutcomeSuccess indicates the event was successful.
	OutcomeSuccess = "success"
	// OutcomeFailure indicates the event failed.
	OutcomeFailure = "failure"
	// OutcomeError indicates the event resulted in an error.
	OutcomeError = "error"
	// OutcomeDenied indicates the event was denied (e.g., by authorization).
	OutcomeDenied = "denied"
)

// Common source types.
const (
	// SourceTypeNetwork indicates the event came from a network request.
	SourceTypeNetwork = "network"
	// SourceTypeLocal indicates the event came from a local source.
	SourceTypeLocal = "local"
)

// Subject field keys for audit events.
const (
	// SubjectKeyUser is the key for the human-readable user in the subjects map.
	SubjectKeyUser = "user"
	// SubjectKeyUserID is the key for the stable user identifier in the subjects map.
	SubjectKeyUserID = "user_id"
	// SubjectKeyIssuer is the key for the identity token issuer in the subjects map.
	SubjectKeyIssuer = "issuer"
)

// Target field keys for audit events.
const (
	// TargetKeyEndpoint is the key for the HTTP endpoint in the target map.
	TargetKeyEndpoint = "endpoint"
	// TargetKeyMethod is the key for the HTTP method in the target map.
	TargetKeyMethod = "method"
	// TargetKeyRequirement is the key for the role requirement in the target map.
	TargetKeyRequirement = "requirement"
	// TargetKeyReason is the key for the deny/failure reason code in the target map.
	TargetKeyReason = "reason"
)

// Source extra field keys.
const (
	// SourceExtraKeyUserAgent is the key for the user agent in the source extra map.
	SourceExtraKeyUserAgent = "user_agent"
	// SourceExtraKeyRequestID is the key for the request ID in the source extra map.
	SourceExtraKeyRequestID = "request_id"
)

// ComponentTokenBridge is the default component name used in audit events.
const ComponentTokenBridge = "tokenbridge"

// AuditEvent represents an audit event.
// It provides the minimal information needed to audit an event, as well as
// a uniform format to persist the events in audit logs. Use NewAuditEvent to
// create events with the required fields set.
//
//nolint:revive // AuditEvent name is intentional for compatibility with auditevent library
type AuditEvent struct {
	Metadata EventMetadata `json:"metadata"`
	// Type defines the kind of event that occurred, e.g. token_validation.
	Type string `json:"type"`
	// LoggedAt records when the event occurred, in UTC, to satisfy
	// NIST SP 800-53 requirement AU-8.
	LoggedAt time.Time `json:"loggedAt"`
	// Source identifies where the request came from, normally a client IP.
	Source EventSource `json:"source"`
	// Outcome records whether the event was successful, denied or failed.
	Outcome string `json:"outcome"`
	// Subjects identifies who triggered the event.
	Subjects map[string]string `json:"subjects"`
	// Component records where the event occurred.
	Component string `json:"component"`
	// Target identifies what the operation acted on, e.g. the REST endpoint
	// and the role requirement evaluated.
	Target map[string]string `json:"target,omitempty"`
	// Data carries extra information useful for forensic analysis.
	Data *json.RawMessage `json:"data,omitempty"`
}

// EventMetadata contains metadata about the audit event.
type EventMetadata struct {
	// AuditID is a unique identifier for the audit event.
	AuditID string `json:"auditId"`
	// Extra allows for including additional information about the event.
	Extra map[string]any `json:"extra,omitempty"`
}

// EventSource represents the source of an audit event.
type EventSource struct {
	// Type indicates the source type, e.g. network or local.
	Type string `json:"type"`
	// Value indicates the source of the event, e.g. an IP address.
	Value string `json:"value"`
	// Extra allows for including additional information about the source.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewAuditEvent returns a new AuditEvent with an appropriately set AuditID and logging time.
func NewAuditEvent(
	eventType string,
	source EventSource,
	outcome string,
	subjects map[string]string,
	component string,
) *AuditEvent {
	return &AuditEvent{
		Metadata: EventMetadata{
			AuditID: uuid.New().String(),
		},
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Source:    source,
		Outcome:   outcome,
		Subjects:  subjects,
		Component: component,
	}
}

// WithTarget sets the target of the event.
func (e *AuditEvent) WithTarget(target map[string]string) *AuditEvent {
	e.Target = target
	return e
}

// WithData sets the data of the event. The caller is responsible for passing
// well-formed JSON.
func (e *AuditEvent) WithData(data *json.RawMessage) *AuditEvent {
	e.Data = data
	return e
}

// LogTo logs the audit event to the provided slog.Logger using the custom audit level.
func (e *AuditEvent) LogTo(ctx context.Context, logger *slog.Logger, level slog.Level) {
	attrs := []slog.Attr{
		slog.String("audit_id", e.Metadata.AuditID),
		slog.String("type", e.Type),
		slog.Time("logged_at", e.LoggedAt),
		slog.String("outcome", e.Outcome),
		slog.String("component", e.Component),
		slog.Group("source",
			slog.String("type", e.Source.Type),
			slog.String("value", e.Source.Value),
			slog.Any("extra", e.Source.Extra),
		),
		slog.Any("subjects", e.Subjects),
	}

	if e.Target != nil {
		attrs = append(attrs, slog.Any("target", e.Target))
	}

	if e.Metadata.Extra != nil {
		attrs = append(attrs, slog.Group("metadata", slog.Any("extra", e.Metadata.Extra)))
	}

	if e.Data != nil {
		attrs = append(attrs, slog.Any("data", e.Data))
	}

	logger.LogAttrs(ctx, level, "audit_event", attrs...)
}
