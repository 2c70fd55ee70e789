// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge orchestrates the authentication-to-authorization flow:
// validate the inbound identity token, exchange it for an authorization
// token, and cache the result. Concurrent requests for the same subject are
// coalesced into a single exchange, and transient provider failures are
// retried with exponential backoff.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/tokenbridge/pkg/audit"
	"github.com/stacklok/tokenbridge/pkg/auth"
	"github.com/stacklok/tokenbridge/pkg/auth/tokenexchange"
	"github.com/stacklok/tokenbridge/pkg/logger"
	"github.com/stacklok/tokenbridge/pkg/tokencache"
)

// Default retry behavior for transient exchange failures.
const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
)

// IdentityValidator validates an inbound identity token.
type IdentityValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*auth.IdentityClaims, error)
}

// Exchanger trades a subject token for an authorization token.
type Exchanger interface {
	Exchange(ctx context.Context, subjectToken string) (*tokenexchange.ExchangedToken, error)
}

// RetryConfig bounds the retry loop around transient exchange failures.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts uint

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth of retry delays.
	MaxDelay time.Duration
}

// withDefaults fills in zero fields.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Bridge wires the validator, exchanger and cache into one authentication
// entry point.
type Bridge struct {
	validator IdentityValidator
	exchanger Exchanger
	cache     tokencache.Cache
	auditor   *audit.Auditor
	retry     RetryConfig

	// flights coalesces concurrent exchanges per cache key so a burst of
	// requests for one subject performs exactly one exchange.
	flights singleflight.Group
}

// New creates a Bridge. The exchanger may be nil, in which case requests are
// authenticated but no authorization token is attached. The cache may be nil
// to disable caching.
func New(
	validator IdentityValidator,
	exchanger Exchanger,
	cache tokencache.Cache,
	auditor *audit.Auditor,
	retry RetryConfig,
) (*Bridge, error) {
	if validator == nil {
		return nil, errors.New("identity validator is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}

	return &Bridge{
		validator: validator,
		exchanger: exchanger,
		cache:     cache,
		auditor:   auditor,
		retry:     retry.withDefaults(),
	}, nil
}

// Authenticate validates the inbound token and, when exchange is enabled,
// resolves the authorization token for its subject.
func (b *Bridge) Authenticate(ctx context.Context, rawToken string) (*auth.AuthContext, error) {
	identity, err := b.validator.ValidateToken(ctx, rawToken)
	if err != nil {
		b.auditor.LogTokenValidation(ctx, map[string]string{
			audit.SubjectKeyUser: "anonymous",
		}, audit.OutcomeFailure, ReasonCode(err))
		return nil, err
	}

	b.auditor.LogTokenValidation(ctx, identitySubjects(identity), audit.OutcomeSuccess, "")

	if b.exchanger == nil {
		return &auth.AuthContext{Identity: identity}, nil
	}

	token, err := b.AuthorizationToken(ctx, identity, rawToken)
	if err != nil {
		return nil, err
	}

	return &auth.AuthContext{
		Identity: identity,
		Token:    token,
	}, nil
}

// AuthorizationToken returns the authorization token for the given identity,
// consulting the cache first and performing a coalesced exchange on a miss.
func (b *Bridge) AuthorizationToken(
	ctx context.Context,
	identity *auth.IdentityClaims,
	subjectToken string,
) (*tokenexchange.ExchangedToken, error) {
	key := tokencache.BuildKey(identity.Subject, identity.Issuer)

	if token := b.cachedToken(ctx, key); token != nil {
		return token, nil
	}

	// The flight runs detached from the caller's context: if the winning
	// caller goes away, the exchange still completes and populates the cache
	// for the waiters.
	flightCtx := context.WithoutCancel(ctx)
	ch := b.flights.DoChan(key, func() (any, error) {
		// Double-check the cache after winning the flight. Another flight
		// might have populated it while we were queued.
		if token := b.cachedToken(flightCtx, key); token != nil {
			return token, nil
		}

		token, err := b.exchangeWithRetry(flightCtx, subjectToken)
		if err != nil {
			b.auditor.LogTokenExchange(flightCtx, identitySubjects(identity), audit.OutcomeFailure, ReasonCode(err))
			return nil, err
		}

		b.auditor.LogTokenExchange(flightCtx, identitySubjects(identity), audit.OutcomeSuccess, "")

		if b.cache != nil {
			if err := b.cache.Put(flightCtx, key, token); err != nil {
				logger.Warnf("Failed to cache authorization token: %v", err)
			}
		}

		return token, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*tokenexchange.ExchangedToken), nil
	}
}

// cachedToken returns a live cached token for the key, or nil.
func (b *Bridge) cachedToken(ctx context.Context, key string) *tokenexchange.ExchangedToken {
	if b.cache == nil {
		return nil
	}

	token, err := b.cache.Get(ctx, key)
	if err != nil {
		logger.Warnf("Token cache lookup failed: %v", err)
		return nil
	}
	return token
}

// exchangeWithRetry performs the exchange, retrying transient failures with
// exponential backoff. Rejections and invalid responses are terminal.
func (b *Bridge) exchangeWithRetry(ctx context.Context, subjectToken string) (*tokenexchange.ExchangedToken, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = b.retry.InitialDelay
	expBackoff.MaxInterval = b.retry.MaxDelay
	expBackoff.Reset()

	operation := func() (*tokenexchange.ExchangedToken, error) {
		token, err := b.exchanger.Exchange(ctx, subjectToken)
		if err != nil {
			if errors.Is(err, tokenexchange.ErrExchangeRejected) ||
				errors.Is(err, tokenexchange.ErrExchangeResponseInvalid) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return token, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(b.retry.MaxAttempts),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Retrying token exchange after %v: %v", duration, err)
		}),
	)
}

// InvalidateToken drops the cached authorization token for an identity, e.g.
// after the authorization provider reports it revoked.
func (b *Bridge) InvalidateToken(ctx context.Context, identity *auth.IdentityClaims) error {
	if b.cache == nil {
		return nil
	}

	key := tokencache.BuildKey(identity.Subject, identity.Issuer)
	if err := b.cache.Invalidate(ctx, key); err != nil {
		return fmt.Errorf("failed to invalidate cached token: %w", err)
	}
	return nil
}

// identitySubjects builds the audit subjects map for an identity.
func identitySubjects(identity *auth.IdentityClaims) map[string]string {
	subjects := map[string]string{
		audit.SubjectKeyUserID: identity.Subject,
		audit.SubjectKeyIssuer: identity.Issuer,
	}
	if identity.Email != "" {
		subjects[audit.SubjectKeyUser] = identity.Email
	}
	return subjects
}

// ReasonCode maps bridge errors onto stable reason codes used in audit
// events and error responses. Unrecognized errors map to internal_error.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoToken):
		return "no_token"
	case errors.Is(err, auth.ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, auth.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, auth.ErrUntrustedIssuer):
		return "untrusted_issuer"
	case errors.Is(err, auth.ErrInvalidAudience):
		return "invalid_audience"
	case errors.Is(err, tokenexchange.ErrExchangeRejected):
		return "exchange_rejected"
	case errors.Is(err, tokenexchange.ErrExchangeResponseInvalid):
		return "exchange_response_invalid"
	case errors.Is(err, tokenexchange.ErrExchangeUnreachable):
		return "exchange_unreachable"
	default:
		return "internal_error"
	}
}
