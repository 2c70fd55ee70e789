// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokenbridge/pkg/audit"
	"github.com/stacklok/tokenbridge/pkg/auth/bridge"
	"github.com/stacklok/tokenbridge/pkg/config"
	"github.com/stacklok/tokenbridge/pkg/tokencache"
)

func TestNewExchangerDisabledYieldsNilInterface(t *testing.T) {
	t.Parallel()

	exchanger, err := newExchanger(&config.Config{
		Exchange: config.ExchangeConfig{Enabled: false},
	})
	require.NoError(t, err)

	// Must be a nil interface, not a typed nil: the bridge decides whether to
	// exchange by comparing its Exchanger field against nil.
	require.Nil(t, exchanger)
	assert.True(t, exchanger == nil)
}

func TestDisabledExchangeAuthenticatesWithoutAuthorizationToken(t *testing.T) {
	t.Parallel()

	exchanger, err := newExchanger(&config.Config{
		Exchange: config.ExchangeConfig{Enabled: false},
	})
	require.NoError(t, err)

	cache := tokencache.NewMemoryCache(10, tokencache.WithoutSweeper())
	t.Cleanup(func() { _ = cache.Close() })

	b, err := bridge.New(
		fakeValidator{},
		exchanger,
		cache,
		audit.NewAuditorWithWriter(nil, io.Discard),
		bridge.RetryConfig{},
	)
	require.NoError(t, err)

	ac, err := b.Authenticate(context.Background(), "identity-token")
	require.NoError(t, err)
	require.NotNil(t, ac.Identity)
	assert.Equal(t, "user-1", ac.Identity.Subject)
	assert.Nil(t, ac.Token)
}

func TestNewExchangerEnabled(t *testing.T) {
	t.Parallel()

	exchanger, err := newExchanger(&config.Config{
		Exchange: config.ExchangeConfig{
			Enabled:   true,
			ServerURL: "https://keycloak.example.com",
			Realm:     "bridge",
			ClientID:  "bridge-client",
			Timeout:   time.Second,
		},
	})
	require.NoError(t, err)
	assert.NotNil(t, exchanger)
}
