// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config represents the audit logging configuration.
type Config struct {
	// Component is the component name to use in audit events.
	Component string `json:"component,omitempty" yaml:"component,omitempty"`
	// EventTypes specifies which event types to audit. If empty, all events are audited.
	EventTypes []string `json:"event_types,omitempty" yaml:"event_types,omitempty"`
	// ExcludeEventTypes specifies which event types to exclude from auditing.
	// This takes precedence over EventTypes.
	ExcludeEventTypes []string `json:"exclude_event_types,omitempty" yaml:"exclude_event_types,omitempty"`
	// LogFile specifies the file path for audit logs. If empty, logs to stdout.
	LogFile string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		Component: ComponentTokenBridge,
	}
}

// GetLogWriter creates and returns the appropriate io.Writer based on the configuration.
func (c *Config) GetLogWriter() (io.Writer, error) {
	if c == nil || c.LogFile == "" {
		return os.Stdout, nil
	}

	// Clean the path to prevent directory traversal
	file, err := os.OpenFile(filepath.Clean(c.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file %s: %w", c.LogFile, err)
	}

	return file, nil
}

// LoadFromFile loads audit configuration from a file.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit config file: %w", err)
	}
	defer file.Close()

	return LoadFromReader(file)
}

// LoadFromReader loads audit configuration from an io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	var config Config
	if err := json.NewDecoder(r).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to decode audit config: %w", err)
	}

	return &config, nil
}

// ShouldAuditEvent determines whether an event should be audited based on the configuration.
func (c *Config) ShouldAuditEvent(eventType string) bool {
	for _, excludeType := range c.ExcludeEventTypes {
		if excludeType == eventType {
			return false
		}
	}

	if len(c.EventTypes) > 0 {
		found := false
		for _, allowedType := range c.EventTypes {
			if allowedType == eventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// Validate validates the audit configuration.
func (c *Config) Validate() error {
	validEventTypes := map[string]bool{
		EventTypeTokenValidation: true,
		EventTypeTokenExchange:   true,
		EventTypeAuthzDecision:   true,
	}

	for _, eventType := range c.EventTypes {
		if !validEventTypes[eventType] {
			return fmt.Errorf("unknown event type: %s", eventType)
		}
	}

	for _, eventType := range c.ExcludeEventTypes {
		if !validEventTypes[eventType] {
			return fmt.Errorf("unknown exclude event type: %s", eventType)
		}
	}

	return nil
}
