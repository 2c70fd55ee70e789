// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/tokenbridge/pkg/audit"
	"github.com/stacklok/tokenbridge/pkg/auth"
	"github.com/stacklok/tokenbridge/pkg/auth/bridge"
	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
	"github.com/stacklok/tokenbridge/pkg/config"
	"github.com/stacklok/tokenbridge/pkg/logger"
	"github.com/stacklok/tokenbridge/pkg/tokencache"
)

const (
	// defaultGracefulTimeout is how long to wait for in-flight requests on
	// shutdown.
	defaultGracefulTimeout = 30 * time.Second

	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 15 * time.Second
	serverIdleTimeout  = 60 * time.Second
	requestTimeout     = 30 * time.Second
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tokenbridge server",
		Long: `Start the HTTP server. Every request is authenticated against the
configured identity provider, exchanged for an authorization token, and
checked against the role requirements of the route it targets.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	return cmd
}

// runServe wires the bridge components from configuration and runs the HTTP
// server until the context is cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	validator, err := auth.NewTokenValidator(ctx, auth.TokenValidatorConfig{
		Issuer:   cfg.Identity.Issuer,
		Audience: cfg.Identity.Audience,
		JWKSURL:  cfg.Identity.JWKSURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	exchanger, err := newExchanger(cfg)
	if err != nil {
		return err
	}

	cache, err := newTokenCache(ctx, cfg)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	auditor, err := audit.NewAuditor(&audit.Config{
		LogFile:           cfg.Audit.LogFile,
		ExcludeEventTypes: cfg.Audit.ExcludeEventTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to create auditor: %w", err)
	}

	b, err := bridge.New(validator, exchanger, cache, auditor, bridge.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      newRouter(b, auditor),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting tokenbridge server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

// newExchanger creates the token exchange client, or returns a nil interface
// when exchange is disabled. The return type must be the interface: a typed
// nil *tokenexchange.Client would not compare equal to nil inside the bridge.
func newExchanger(cfg *config.Config) (bridge.Exchanger, error) {
	if !cfg.Exchange.Enabled {
		logger.Warn("Token exchange is disabled; requests will carry no authorization token")
		return nil, nil
	}

	client, err := tokenexchange.NewClient(tokenexchange.Config{
		TokenURL:     cfg.Exchange.TokenEndpoint(),
		ClientID:     cfg.Exchange.ClientID,
		ClientSecret: cfg.Exchange.ClientSecret,
		Audience:     cfg.Exchange.Audience,
		Scopes:       cfg.Exchange.Scopes,
		HTTPClient:   &http.Client{Timeout: cfg.Exchange.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token exchange client: %w", err)
	}
	return client, nil
}

// newTokenCache creates the authorization token cache for the configured
// backend.
func newTokenCache(ctx context.Context, cfg *config.Config) (tokencache.Cache, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendMemory:
		return tokencache.NewMemoryCache(cfg.Cache.MaxEntries), nil
	case config.CacheBackendRedis:
		cache, err := tokencache.NewRedisCache(ctx, tokencache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return cache, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
