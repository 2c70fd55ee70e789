// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenexchange

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// tokenSource implements oauth2.TokenSource on top of a Client.
type tokenSource struct {
	ctx      context.Context
	client   *Client
	provider func() (string, error)
}

// TokenSource returns an oauth2.TokenSource that performs a token exchange on
// every call, fetching the subject token from the given provider function.
// The provider is a function so the subject token can be loaded lazily, e.g.
// from a request context. Wrap the result in oauth2.ReuseTokenSource to cache
// tokens until expiry.
func (c *Client) TokenSource(ctx context.Context, provider func() (string, error)) oauth2.TokenSource {
	return &tokenSource{
		ctx:      ctx,
		client:   c,
		provider: provider,
	}
}

// Token implements oauth2.TokenSource.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	subjectToken, err := ts.provider()
	if err != nil {
		return nil, fmt.Errorf("failed to get subject token: %w", err)
	}

	exchanged, err := ts.client.Exchange(ts.ctx, subjectToken)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: exchanged.AccessToken,
		TokenType:   exchanged.TokenType,
		Expiry:      exchanged.ExpiresAt,
	}, nil
}
