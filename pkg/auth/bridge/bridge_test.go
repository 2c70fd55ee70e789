// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokenbridge/pkg/audit"
	"github.com/stacklok/tokenbridge/pkg/auth"
	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
	"github.com/stacklok/tokenbridge/pkg/tokencache"
)

// fakeValidator returns a fixed identity or error.
type fakeValidator struct {
	identity *auth.IdentityClaims
	err      error
}

func (v *fakeValidator) ValidateToken(_ context.Context, _ string) (*auth.IdentityClaims, error) {
	return v.identity, v.err
}

// fakeExchanger counts calls and delegates to fn.
type fakeExchanger struct {
	calls atomic.Int32
	fn    func(call int32) (*tokenexchange.ExchangedToken, error)
}

func (e *fakeExchanger) Exchange(_ context.Context, _ string) (*tokenexchange.ExchangedToken, error) {
	return e.fn(e.calls.Add(1))
}

func testIdentity() *auth.IdentityClaims {
	return &auth.IdentityClaims{
		Subject: "user-1",
		Issuer:  "https://issuer.example.com",
		Email:   "alice@example.com",
	}
}

func liveToken() *tokenexchange.ExchangedToken {
	return &tokenexchange.ExchangedToken{
		AccessToken: "authz-token",
		TokenType:   "Bearer",
		Subject:     "user-1",
		ExpiresAt:   time.Now().Add(time.Minute),
		Roles:       []string{"data_reader"},
	}
}

// newTestBridge wires a bridge with a discarding auditor and fast retries.
func newTestBridge(t *testing.T, validator IdentityValidator, exchanger Exchanger, cache tokencache.Cache) *Bridge {
	t.Helper()

	b, err := New(validator, exchanger, cache, audit.NewAuditorWithWriter(nil, io.Discard), RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return b
}

func newTestCache(t *testing.T) tokencache.Cache {
	t.Helper()

	cache := tokencache.NewMemoryCache(100, tokencache.WithoutSweeper())
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestAuthenticateSuccess(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		return liveToken(), nil
	}}
	b := newTestBridge(t, &fakeValidator{identity: testIdentity()}, exchanger, newTestCache(t))

	ac, err := b.Authenticate(context.Background(), "raw-identity-token")
	require.NoError(t, err)

	assert.Equal(t, "user-1", ac.Identity.Subject)
	require.NotNil(t, ac.Token)
	assert.Equal(t, "authz-token", ac.Token.AccessToken)
	assert.Equal(t, int32(1), exchanger.calls.Load())
}

func TestAuthenticateValidationFailureSkipsExchange(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		return liveToken(), nil
	}}

	var buf bytes.Buffer
	b, err := New(
		&fakeValidator{err: auth.ErrTokenExpired},
		exchanger,
		newTestCache(t),
		audit.NewAuditorWithWriter(nil, &buf),
		RetryConfig{},
	)
	require.NoError(t, err)

	_, err = b.Authenticate(context.Background(), "expired-token")
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
	assert.Zero(t, exchanger.calls.Load(), "exchange must not run for invalid identities")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, audit.EventTypeTokenValidation, entry["type"])
	assert.Equal(t, audit.OutcomeFailure, entry["outcome"])
	target := entry["target"].(map[string]any)
	assert.Equal(t, "token_expired", target[audit.TargetKeyReason])
}

func TestAuthenticateExchangeDisabled(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, &fakeValidator{identity: testIdentity()}, nil, nil)

	ac, err := b.Authenticate(context.Background(), "raw-identity-token")
	require.NoError(t, err)
	assert.NotNil(t, ac.Identity)
	assert.Nil(t, ac.Token)
}

func TestAuthorizationTokenCacheHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache := newTestCache(t)
	identity := testIdentity()
	key := tokencache.BuildKey(identity.Subject, identity.Issuer)
	require.NoError(t, cache.Put(ctx, key, liveToken()))

	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		return nil, errors.New("must not be called")
	}}
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, cache)

	token, err := b.AuthorizationToken(ctx, identity, "subject-token")
	require.NoError(t, err)
	assert.Equal(t, "authz-token", token.AccessToken)
	assert.Zero(t, exchanger.calls.Load())
}

func TestAuthorizationTokenPopulatesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache := newTestCache(t)
	identity := testIdentity()
	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		return liveToken(), nil
	}}
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, cache)

	_, err := b.AuthorizationToken(ctx, identity, "subject-token")
	require.NoError(t, err)

	key := tokencache.BuildKey(identity.Subject, identity.Issuer)
	cached, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "authz-token", cached.AccessToken)

	// A second call is served from the cache.
	_, err = b.AuthorizationToken(ctx, identity, "subject-token")
	require.NoError(t, err)
	assert.Equal(t, int32(1), exchanger.calls.Load())
}

func TestAuthorizationTokenCoalescesConcurrentRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		<-release
		return liveToken(), nil
	}}

	identity := testIdentity()
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, newTestCache(t))

	const waiters = 10
	var wg sync.WaitGroup
	results := make([]*tokenexchange.ExchangedToken, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.AuthorizationToken(ctx, identity, "subject-token")
		}(i)
	}

	// Give the goroutines time to pile onto the flight, then let it finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "authz-token", results[i].AccessToken)
	}
	assert.Equal(t, int32(1), exchanger.calls.Load(), "concurrent requests must share one exchange")
}

func TestAuthorizationTokenRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{fn: func(call int32) (*tokenexchange.ExchangedToken, error) {
		if call < 3 {
			return nil, tokenexchange.ErrExchangeUnreachable
		}
		return liveToken(), nil
	}}

	identity := testIdentity()
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, newTestCache(t))

	token, err := b.AuthorizationToken(context.Background(), identity, "subject-token")
	require.NoError(t, err)
	assert.Equal(t, "authz-token", token.AccessToken)
	assert.Equal(t, int32(3), exchanger.calls.Load())
}

func TestAuthorizationTokenGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		return nil, tokenexchange.ErrExchangeUnreachable
	}}

	identity := testIdentity()
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, newTestCache(t))

	_, err := b.AuthorizationToken(context.Background(), identity, "subject-token")
	assert.ErrorIs(t, err, tokenexchange.ErrExchangeUnreachable)
	assert.Equal(t, int32(3), exchanger.calls.Load())
}

func TestAuthorizationTokenDoesNotRetryRejection(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		return nil, tokenexchange.ErrExchangeRejected
	}}

	identity := testIdentity()
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, newTestCache(t))

	_, err := b.AuthorizationToken(context.Background(), identity, "subject-token")
	assert.ErrorIs(t, err, tokenexchange.ErrExchangeRejected)
	assert.Equal(t, int32(1), exchanger.calls.Load(), "rejections are terminal")
}

func TestAuthorizationTokenFailuresAreNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	exchanger := &fakeExchanger{fn: func(call int32) (*tokenexchange.ExchangedToken, error) {
		if call == 1 {
			return nil, tokenexchange.ErrExchangeRejected
		}
		return liveToken(), nil
	}}

	identity := testIdentity()
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, newTestCache(t))

	_, err := b.AuthorizationToken(ctx, identity, "subject-token")
	require.ErrorIs(t, err, tokenexchange.ErrExchangeRejected)

	// The failure was not cached; the next request triggers a fresh exchange.
	token, err := b.AuthorizationToken(ctx, identity, "subject-token")
	require.NoError(t, err)
	assert.Equal(t, "authz-token", token.AccessToken)
	assert.Equal(t, int32(2), exchanger.calls.Load())
}

func TestAuthorizationTokenCallerCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	exchanger := &fakeExchanger{fn: func(_ int32) (*tokenexchange.ExchangedToken, error) {
		<-release
		return liveToken(), nil
	}}

	cache := newTestCache(t)
	identity := testIdentity()
	b := newTestBridge(t, &fakeValidator{identity: identity}, exchanger, cache)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.AuthorizationToken(ctx, identity, "subject-token")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	// The in-flight exchange keeps going and still populates the cache.
	close(release)
	key := tokencache.BuildKey(identity.Subject, identity.Issuer)
	assert.Eventually(t, func() bool {
		token, err := cache.Get(context.Background(), key)
		return err == nil && token != nil
	}, time.Second, 10*time.Millisecond, "detached exchange must populate the cache")
}

func TestInvalidateToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache := newTestCache(t)
	identity := testIdentity()
	key := tokencache.BuildKey(identity.Subject, identity.Issuer)
	require.NoError(t, cache.Put(ctx, key, liveToken()))

	b := newTestBridge(t, &fakeValidator{identity: identity}, nil, cache)

	require.NoError(t, b.InvalidateToken(ctx, identity))

	token, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestReasonCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		reason string
	}{
		{auth.ErrNoToken, "no_token"},
		{auth.ErrTokenMalformed, "token_malformed"},
		{auth.ErrTokenExpired, "token_expired"},
		{auth.ErrInvalidSignature, "invalid_signature"},
		{auth.ErrUntrustedIssuer, "untrusted_issuer"},
		{auth.ErrInvalidAudience, "invalid_audience"},
		{tokenexchange.ErrExchangeRejected, "exchange_rejected"},
		{tokenexchange.ErrExchangeResponseInvalid, "exchange_response_invalid"},
		{tokenexchange.ErrExchangeUnreachable, "exchange_unreachable"},
		{errors.New("surprise"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.reason, ReasonCode(tt.err))
		})
	}
}
