// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
)

// LevelAudit is a custom audit log level - between Info and Warn.
const LevelAudit = slog.Level(2)

// NewAuditLogger creates a new structured audit logger that writes to the specified writer.
func NewAuditLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: LevelAudit,
	})

	return slog.New(handler)
}

// Auditor emits audit events for authentication and authorization activity.
type Auditor struct {
	config      *Config
	auditLogger *slog.Logger
}

// NewAuditor creates a new Auditor with the given configuration.
// A nil config falls back to DefaultConfig.
func NewAuditor(config *Config) (*Auditor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	logWriter, err := config.GetLogWriter()
	if err != nil {
		return nil, err
	}

	return &Auditor{
		config:      config,
		auditLogger: NewAuditLogger(logWriter),
	}, nil
}

// NewAuditorWithWriter creates an Auditor writing to the given writer.
// This is primarily useful for tests that need to capture audit output.
func NewAuditorWithWriter(config *Config, w io.Writer) *Auditor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Auditor{
		config:      config,
		auditLogger: NewAuditLogger(w),
	}
}

// component returns the component name for emitted events.
func (a *Auditor) component() string {
	if a.config.Component != "" {
		return a.config.Component
	}
	return ComponentTokenBridge
}

// LogEvent logs an audit event if its type is enabled by the configuration.
func (a *Auditor) LogEvent(ctx context.Context, event *AuditEvent) {
	if !a.config.ShouldAuditEvent(event.Type) {
		return
	}
	event.LogTo(ctx, a.auditLogger, LevelAudit)
}

// LogTokenValidation records the outcome of validating an inbound identity token.
// The reason carries the failure classification; it is empty on success.
func (a *Auditor) LogTokenValidation(ctx context.Context, subjects map[string]string, outcome, reason string) {
	event := NewAuditEvent(EventTypeTokenValidation, SourceFromContext(ctx), outcome, subjects, a.component())
	if reason != "" {
		event.WithTarget(map[string]string{TargetKeyReason: reason})
	}
	a.LogEvent(ctx, event)
}

// LogTokenExchange records the outcome of a token exchange against the
// authorization provider.
func (a *Auditor) LogTokenExchange(ctx context.Context, subjects map[string]string, outcome, reason string) {
	event := NewAuditEvent(EventTypeTokenExchange, SourceFromContext(ctx), outcome, subjects, a.component())
	if reason != "" {
		event.WithTarget(map[string]string{TargetKeyReason: reason})
	}
	a.LogEvent(ctx, event)
}

// LogAuthzDecision records a role-based authorization decision.
func (a *Auditor) LogAuthzDecision(ctx context.Context, subjects map[string]string, outcome string, target map[string]string) {
	event := NewAuditEvent(EventTypeAuthzDecision, SourceFromContext(ctx), outcome, subjects, a.component())
	if len(target) > 0 {
		event.WithTarget(target)
	}
	a.LogEvent(ctx, event)
}

// sourceContextKey is the context key under which an EventSource is stored.
type sourceContextKey struct{}

// WithSource stores an EventSource in the context so that audit events emitted
// deeper in the call chain can attribute the originating request.
func WithSource(ctx context.Context, source EventSource) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, source)
}

// SourceFromContext retrieves the EventSource stored in the context.
// Returns a local source if none is present.
func SourceFromContext(ctx context.Context) EventSource {
	if source, ok := ctx.Value(sourceContextKey{}).(EventSource); ok {
		return source
	}
	return EventSource{Type: SourceTypeLocal, Value: "internal"}
}

// SourceFromRequest extracts audit source information from an HTTP request.
func SourceFromRequest(r *http.Request) EventSource {
	source := EventSource{
		Type:  SourceTypeNetwork,
		Value: clientIP(r),
	}

	extra := make(map[string]any)
	if userAgent := r.Header.Get("User-Agent"); userAgent != "" {
		extra[SourceExtraKeyUserAgent] = userAgent
	}
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		extra[SourceExtraKeyRequestID] = requestID
	}
	if len(extra) > 0 {
		source.Extra = extra
	}

	return source
}

// clientIP extracts the client IP address from the request.
func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
