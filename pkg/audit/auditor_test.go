// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeAuditLines parses newline-delimited JSON audit output.
func decodeAuditLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestLogAuthzDecision(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	auditor := NewAuditorWithWriter(nil, &buf)

	subjects := map[string]string{
		SubjectKeyUserID: "user-1",
		SubjectKeyUser:   "alice@example.com",
	}
	target := map[string]string{
		TargetKeyRequirement: "role:data_reader",
		TargetKeyReason:      "insufficient_role",
	}

	auditor.LogAuthzDecision(context.Background(), subjects, OutcomeDenied, target)

	entries := decodeAuditLines(t, &buf)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "audit_event", entry["msg"])
	assert.Equal(t, EventTypeAuthzDecision, entry["type"])
	assert.Equal(t, OutcomeDenied, entry["outcome"])
	assert.Equal(t, ComponentTokenBridge, entry["component"])
	assert.NotEmpty(t, entry["audit_id"])

	subjectsOut, ok := entry["subjects"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user-1", subjectsOut[SubjectKeyUserID])

	targetOut, ok := entry["target"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "role:data_reader", targetOut[TargetKeyRequirement])
}

func TestLogTokenValidationFiltered(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	auditor := NewAuditorWithWriter(&Config{
		ExcludeEventTypes: []string{EventTypeTokenValidation},
	}, &buf)

	auditor.LogTokenValidation(context.Background(), map[string]string{SubjectKeyUser: "anonymous"}, OutcomeFailure, "expired")

	assert.Zero(t, buf.Len(), "excluded event type must not be logged")
}

func TestLogTokenExchangeCarriesReason(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	auditor := NewAuditorWithWriter(nil, &buf)

	auditor.LogTokenExchange(context.Background(), map[string]string{SubjectKeyUserID: "u1"}, OutcomeFailure, "exchange_rejected")

	entries := decodeAuditLines(t, &buf)
	require.Len(t, entries, 1)

	targetOut, ok := entries[0]["target"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "exchange_rejected", targetOut[TargetKeyReason])
}

func TestSourceFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "x-forwarded-for takes precedence",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1, 192.168.1.1"},
			remoteAddr: "127.0.0.1:1234",
			expectedIP: "10.0.0.1",
		},
		{
			name:       "x-real-ip used when no forwarded header",
			headers:    map[string]string{"X-Real-IP": "10.0.0.2"},
			remoteAddr: "127.0.0.1:1234",
			expectedIP: "10.0.0.2",
		},
		{
			name:       "falls back to remote addr host",
			remoteAddr: "192.168.5.5:4321",
			expectedIP: "192.168.5.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/api/v1/data", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			source := SourceFromRequest(r)
			assert.Equal(t, SourceTypeNetwork, source.Type)
			assert.Equal(t, tt.expectedIP, source.Value)
		})
	}
}

func TestSourceContextRoundTrip(t *testing.T) {
	t.Parallel()

	source := EventSource{Type: SourceTypeNetwork, Value: "10.1.2.3"}
	ctx := WithSource(context.Background(), source)

	assert.Equal(t, source, SourceFromContext(ctx))

	// Without a stored source, a local placeholder is returned.
	fallback := SourceFromContext(context.Background())
	assert.Equal(t, SourceTypeLocal, fallback.Type)
}
