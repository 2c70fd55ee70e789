// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bridge configuration from a YAML file and
// TOKENBRIDGE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backend names.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config is the full bridge configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Identity IdentityConfig `mapstructure:"identity"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address returns the host:port listen address.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IdentityConfig configures validation of inbound identity tokens.
type IdentityConfig struct {
	// Issuer is the OIDC issuer of inbound identity tokens.
	Issuer string `mapstructure:"issuer"`

	// Audience is the expected audience claim.
	Audience string `mapstructure:"audience"`

	// JWKSURL overrides OIDC discovery when set.
	JWKSURL string `mapstructure:"jwks_url"`
}

// ExchangeConfig configures the token exchange against the authorization
// provider.
type ExchangeConfig struct {
	// Enabled toggles token exchange. When false, requests are authenticated
	// but carry no authorization token.
	Enabled bool `mapstructure:"enabled"`

	// ServerURL is the authorization provider's base URL.
	ServerURL string `mapstructure:"server_url"`

	// Realm is the provider realm holding the role model.
	Realm string `mapstructure:"realm"`

	// ClientID and ClientSecret authenticate the bridge to the provider.
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// Audience is the audience requested for exchanged tokens.
	Audience string `mapstructure:"audience"`

	// Scopes are the scopes requested for exchanged tokens.
	Scopes []string `mapstructure:"scopes"`

	// Timeout bounds a single exchange request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// TokenEndpoint derives the realm's token endpoint URL.
func (c ExchangeConfig) TokenEndpoint() string {
	return strings.TrimSuffix(c.ServerURL, "/") + "/realms/" + c.Realm + "/protocol/openid-connect/token"
}

// RetryConfig bounds retries of transient exchange failures.
type RetryConfig struct {
	MaxAttempts  uint          `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// CacheConfig configures the authorization token cache.
type CacheConfig struct {
	// Backend selects the cache implementation: memory or redis.
	Backend string `mapstructure:"backend"`

	// MaxEntries bounds the memory backend. Zero means unbounded.
	MaxEntries int `mapstructure:"max_entries"`

	// Redis configures the redis backend.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	// LogFile is the audit log destination. Empty means stdout.
	LogFile string `mapstructure:"log_file"`

	// ExcludeEventTypes lists event types to drop.
	ExcludeEventTypes []string `mapstructure:"exclude_event_types"`
}

// setDefaults registers default values on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	v.SetDefault("exchange.enabled", true)
	v.SetDefault("exchange.timeout", 30*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)

	v.SetDefault("cache.backend", CacheBackendMemory)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.redis.key_prefix", "tokenbridge:")
}

// Load reads configuration from the given file path (optional) and the
// environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TOKENBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that required fields are present and consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if c.Identity.Issuer == "" && c.Identity.JWKSURL == "" {
		return errors.New("identity.issuer or identity.jwks_url is required")
	}

	if c.Exchange.Enabled {
		if c.Exchange.ServerURL == "" {
			return errors.New("exchange.server_url is required when exchange is enabled")
		}
		if c.Exchange.Realm == "" {
			return errors.New("exchange.realm is required when exchange is enabled")
		}
		if c.Exchange.ClientID == "" {
			return errors.New("exchange.client_id is required when exchange is enabled")
		}
	}

	if c.Retry.MaxAttempts == 0 {
		return errors.New("retry.max_attempts must be at least 1")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	return nil
}
